// Package pipeline runs one transcription request end to end: model
// readiness, audio probing, inference, post-processing and bookkeeping.
package pipeline

import (
	"context"
	"log/slog"
	"os"

	"github.com/lightvoice/sidecar/internal/audio"
	"github.com/lightvoice/sidecar/internal/config"
	"github.com/lightvoice/sidecar/internal/engine"
	"github.com/lightvoice/sidecar/internal/lifecycle"
	"github.com/lightvoice/sidecar/internal/protocol"
)

// Recordings shorter than this are treated as accidental taps and
// skipped without running inference.
const minDurationSeconds = 0.5

// Pipeline executes transcribe requests against a lifecycle manager.
type Pipeline struct {
	manager   *lifecycle.Manager
	profile   config.Profile
	policy    CleanupPolicy
	reclaimer *Reclaimer
	log       *slog.Logger

	probeDuration func(path string) (float64, error)
}

// New builds a pipeline over a manager.
func New(manager *lifecycle.Manager, profile config.Profile, policy CleanupPolicy, reclaimer *Reclaimer, log *slog.Logger) *Pipeline {
	return &Pipeline{
		manager:       manager,
		profile:       profile,
		policy:        policy,
		reclaimer:     reclaimer,
		log:           log,
		probeDuration: audio.DurationSeconds,
	}
}

// Transcribe runs one request. The file must exist before any model
// work starts; a missing file fails fast without touching the counters.
func (p *Pipeline) Transcribe(ctx context.Context, audioPath string, opts engine.RecognizeOptions) protocol.Transcription {
	if init := p.manager.Initialize(ctx); !init.Success {
		// Loading failed; hand the taxonomy through unchanged.
		return protocol.Transcription{
			Success:   false,
			ModelType: p.profile.ModelType,
			Error:     init.Error,
			Type:      init.Type,
		}
	}

	if _, err := os.Stat(audioPath); err != nil {
		return protocol.Transcription{
			Success:   false,
			ModelType: p.profile.ModelType,
			Error:     "audio file not found: " + audioPath,
			Type:      protocol.TypeTranscriptionError,
		}
	}

	duration := p.duration(audioPath)
	if duration > 0 && duration < minDurationSeconds {
		p.log.Info("audio too short, skipping inference", "path", audioPath, "duration_s", duration)
		return p.finish(ctx, protocol.Transcription{
			Success:   true,
			Duration:  duration,
			Language:  p.profile.DefaultLanguage,
			ModelType: p.profile.ModelType,
		}, duration)
	}

	rec, err := p.manager.Model().Recognize(ctx, audioPath, p.mergeOptions(opts))
	if err != nil {
		if engine.IsEmptySpeech(err) {
			p.log.Info("no speech detected", "path", audioPath)
			return p.finish(ctx, protocol.Transcription{
				Success:   true,
				Duration:  duration,
				Language:  p.profile.DefaultLanguage,
				ModelType: p.profile.ModelType,
			}, duration)
		}
		p.log.Error("transcription failed", "path", audioPath, "error", err)
		return protocol.Transcription{
			Success:   false,
			Duration:  duration,
			ModelType: p.profile.ModelType,
			Error:     err.Error(),
			Type:      protocol.TypeTranscriptionError,
		}
	}

	resp := p.render(engine.Normalize(rec), duration)
	return p.finish(ctx, resp, duration)
}

// duration probes the audio length, degrading to zero on any failure so
// a malformed header never blocks transcription.
func (p *Pipeline) duration(path string) float64 {
	duration, err := p.probeDuration(path)
	if err != nil {
		p.log.Warn("audio duration probe failed", "path", path, "error", err)
		return 0
	}
	return duration
}

// mergeOptions fills per-request gaps from the profile defaults.
func (p *Pipeline) mergeOptions(opts engine.RecognizeOptions) engine.RecognizeOptions {
	if opts.Language == "" {
		opts.Language = p.profile.Decode.Language
	}
	return opts
}

// render builds the response payload from a normalized transcript.
func (p *Pipeline) render(t engine.Transcript, duration float64) protocol.Transcription {
	resp := protocol.Transcription{
		Success:    true,
		Duration:   duration,
		Confidence: t.Confidence,
		Language:   t.Language,
		ModelType:  p.profile.ModelType,
	}

	if t.Kind != engine.TranscriptEmpty {
		resp.RawText = t.Text
		resp.Text = t.Text
		if p.profile.StripRichTags {
			resp.Text = engine.StripRichTags(t.Text)
			if lang := engine.DetectTagLanguage(t.Text); lang != "" {
				resp.Language = lang
			}
		}
	}

	if resp.Language == "" {
		resp.Language = p.profile.DefaultLanguage
	}
	return resp
}

// finish records the completed request and runs reclamation when due.
func (p *Pipeline) finish(ctx context.Context, resp protocol.Transcription, duration float64) protocol.Transcription {
	p.manager.RecordTranscription(duration)

	count := p.manager.TranscriptionCount()
	if p.policy.ShouldRun(count, duration) {
		p.log.Debug("running memory reclamation", "request_count", count, "duration_s", duration)
		p.reclaimer.Reclaim(ctx, p.manager.Model(), p.manager.Device().Accelerated())
	}
	return resp
}

// Cleanup runs reclamation on demand, outside the per-request policy.
func (p *Pipeline) Cleanup(ctx context.Context) protocol.Result {
	p.reclaimer.Reclaim(ctx, p.manager.Model(), p.manager.Device().Accelerated())
	return protocol.Result{Success: true, Message: "cleanup completed"}
}
