package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"

	"github.com/lightvoice/sidecar/internal/engine"
)

// CleanupPolicy decides when post-request memory reclamation runs.
// Long recordings fragment accelerator pools badly enough that waiting
// for the periodic pass is not acceptable.
type CleanupPolicy struct {
	Interval         int     // reclaim every Nth request
	LongAudioSeconds float64 // reclaim immediately above this duration
}

// DefaultCleanupPolicy returns the standing policy.
func DefaultCleanupPolicy() CleanupPolicy {
	return CleanupPolicy{Interval: 5, LongAudioSeconds: 120}
}

// ShouldRun reports whether reclamation is due after the given request.
func (p CleanupPolicy) ShouldRun(requestCount int, durationSeconds float64) bool {
	if p.Interval > 0 && requestCount%p.Interval == 0 {
		return true
	}
	return p.LongAudioSeconds > 0 && durationSeconds > p.LongAudioSeconds
}

// Reclaimer runs the actual reclamation steps. The gc and freeOS hooks
// exist so tests can observe invocations without forcing collections.
type Reclaimer struct {
	log    *slog.Logger
	gc     func()
	freeOS func()
}

// NewReclaimer builds a reclaimer over the real runtime facilities.
func NewReclaimer(log *slog.Logger) *Reclaimer {
	return &Reclaimer{
		log:    log,
		gc:     runtime.GC,
		freeOS: debug.FreeOSMemory,
	}
}

// Reclaim collects garbage, returns freed memory to the OS and, when a
// model is resident on an accelerator, releases its cached pools.
// Failures are logged and swallowed; reclamation must never surface an
// error to the caller.
func (r *Reclaimer) Reclaim(ctx context.Context, model engine.Model, accelerated bool) {
	r.gc()
	r.freeOS()

	if model == nil || !accelerated {
		return
	}
	if err := model.ReleaseAcceleratorMemory(ctx); err != nil {
		r.log.Warn("accelerator memory release failed", "error", err)
	}
}
