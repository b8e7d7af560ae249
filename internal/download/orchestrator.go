package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lightvoice/sidecar/internal/config"
	"github.com/lightvoice/sidecar/internal/hub"
	"github.com/lightvoice/sidecar/internal/hubcache"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultModelTimeout = 30 * time.Minute

	// Synthetic progress advances five points per poll and parks below
	// one hundred until the download actually finishes.
	syntheticStep    = 5.0
	syntheticCeiling = 95.0

	// While no bytes have arrived the poll reports connection setup
	// rather than a stuck zero, but only for so long.
	connectingWindow = 30 * time.Second
)

// errAttemptTimeout marks a per-model ceiling hit. The retry ladder
// stops there rather than spending another full window on the same
// model.
var errAttemptTimeout = errors.New("download timed out")

// Fetcher materializes one repository snapshot into the local cache.
type Fetcher interface {
	Snapshot(ctx context.Context, repoID, revision string, progress hub.ProgressFunc) error
}

// ModelResult is one model's outcome in the summary, keyed by its
// model-type tag.
type ModelResult struct {
	Success bool   `json:"success"`
	Model   string `json:"model"`
	Error   string `json:"error,omitempty"`
}

// Summary is the final JSON object of a download run.
type Summary struct {
	Success      bool                   `json:"success"`
	Engine       string                 `json:"engine"`
	Message      string                 `json:"message,omitempty"`
	Error        string                 `json:"error,omitempty"`
	FailedModels []string               `json:"failed_models,omitempty"`
	Results      map[string]ModelResult `json:"results"`
}

// Orchestrator downloads a profile's models sequentially, emitting
// aggregated progress events. The first failure aborts the run; models
// after the failed one are reported as not attempted.
type Orchestrator struct {
	fetcher Fetcher
	checker *hubcache.Checker
	profile config.Profile
	emit    func(Event)
	log     *slog.Logger

	pollInterval    time.Duration
	modelTimeout    time.Duration
	connectingGrace time.Duration
}

// NewOrchestrator builds an orchestrator; emit receives every progress
// event and must be safe for use from the orchestrator goroutine only.
func NewOrchestrator(fetcher Fetcher, checker *hubcache.Checker, profile config.Profile, emit func(Event), log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		fetcher:      fetcher,
		checker:      checker,
		profile:      profile,
		emit:         emit,
		log:          log,
		pollInterval:    defaultPollInterval,
		modelTimeout:    defaultModelTimeout,
		connectingGrace: connectingWindow,
	}
}

// Run downloads every model the profile requires and returns the
// summary. Failure lives in the summary, not in an error return; the
// caller's exit code stays zero either way.
func (o *Orchestrator) Run(ctx context.Context) Summary {
	summary := Summary{
		Success: true,
		Engine:  o.profile.Engine,
		Results: make(map[string]ModelResult, len(o.profile.Repos)),
	}

	tracker := NewTracker(len(o.profile.Repos))
	aborted := false

	for _, repo := range o.profile.Repos {
		if aborted {
			summary.Results[repo.Type] = ModelResult{Model: repo.Type, Error: "not attempted"}
			continue
		}

		if o.checker.IsReady(repo.Name) {
			o.log.Info("model already cached", "model", repo.Name)
			tracker.Complete(repo.Type)
			summary.Results[repo.Type] = ModelResult{Success: true, Model: repo.Type}

			ev := tracker.Snapshot(StageCompleted, repo.Type)
			ev.Message = fmt.Sprintf("%s already cached, skipping download", repo.Name)
			o.emit(ev)
			continue
		}

		ev := tracker.Snapshot(StageDownloading, repo.Type)
		ev.Message = fmt.Sprintf("preparing to download %s", repo.Name)
		o.emit(ev)

		if err := o.fetchOne(ctx, repo, tracker); err != nil {
			o.log.Error("model download failed", "model", repo.Name, "error", err)
			tracker.Fail(repo.Type)
			summary.Results[repo.Type] = ModelResult{Model: repo.Type, Error: err.Error()}
			summary.Success = false
			summary.Error = fmt.Sprintf("downloading %s: %v", repo.Name, err)
			summary.FailedModels = append(summary.FailedModels, repo.Type)

			ev := tracker.Snapshot(StageError, repo.Type)
			ev.Error = err.Error()
			ev.Message = fmt.Sprintf("%s download failed", repo.Name)
			o.emit(ev)
			aborted = true
			continue
		}

		tracker.Complete(repo.Type)
		summary.Results[repo.Type] = ModelResult{Success: true, Model: repo.Type}

		done := tracker.Snapshot(StageCompleted, repo.Type)
		done.Message = fmt.Sprintf("%s download complete", repo.Name)
		o.emit(done)
	}

	if summary.Success {
		summary.Message = "all models downloaded"
	}
	return summary
}

// fetchOne downloads one model, walking the retry ladder: the pinned
// revision first, then the unpinned repository, then the fallback
// repository when one is configured.
func (o *Orchestrator) fetchOne(ctx context.Context, repo config.ModelRepo, tracker *Tracker) error {
	type attempt struct {
		name     string
		revision string
	}
	attempts := []attempt{{repo.Name, repo.Revision}}
	if repo.Revision != "" {
		attempts = append(attempts, attempt{repo.Name, ""})
	}
	if repo.FallbackName != "" {
		attempts = append(attempts, attempt{repo.FallbackName, repo.FallbackRevision})
	}

	var lastErr error
	for i, a := range attempts {
		if i > 0 {
			o.log.Warn("retrying download",
				"model", repo.Name, "attempt_repo", a.name, "revision", a.revision, "error", lastErr)
		}
		lastErr = o.fetchAttempt(ctx, repo, a.name, a.revision, tracker)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(lastErr, errAttemptTimeout) {
			return lastErr
		}
	}
	return lastErr
}

// fetchAttempt runs a single snapshot download under the per-model
// timeout, polling byte counters into progress events.
func (o *Orchestrator) fetchAttempt(ctx context.Context, repo config.ModelRepo, name, revision string, tracker *Tracker) error {
	ctx, cancel := context.WithTimeout(ctx, o.modelTimeout)
	defer cancel()

	var downloaded, total atomic.Int64
	progress := func(d, t int64) {
		downloaded.Store(d)
		total.Store(t)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- o.fetcher.Snapshot(ctx, name, revision, progress)
	}()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	start := time.Now()
	ticks := 0

	for {
		select {
		case err := <-errc:
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", errAttemptTimeout, o.modelTimeout)
			}
			return err

		case <-ticker.C:
			ticks++
			ev := tracker.Snapshot(StageDownloading, repo.Type)

			d, t := downloaded.Load(), total.Load()
			switch {
			case t > 0:
				// Every tick emits, even when the percentage has not
				// moved, so a stalled transfer still looks alive.
				percent := float64(d) / float64(t) * 100
				tracker.Update(repo.Type, percent)
				ev = tracker.Snapshot(StageDownloading, repo.Type)

			case d == 0 && time.Since(start) < o.connectingGrace:
				ev.Message = fmt.Sprintf("connecting to %s", name)

			default:
				// No size information; walk a synthetic bar instead.
				tracker.Update(repo.Type, min(syntheticCeiling, float64(ticks)*syntheticStep))
				ev = tracker.Snapshot(StageDownloading, repo.Type)
				ev.Message = fmt.Sprintf("downloading %s", name)
			}
			o.emit(ev)
		}
	}
}
