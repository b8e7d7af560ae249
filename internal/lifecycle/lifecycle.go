// Package lifecycle owns model loading state. A manager moves through
// uninitialized, ready and failed exactly once per initialize attempt,
// and every other component asks it rather than touching the model
// directly.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/lightvoice/sidecar/internal/config"
	"github.com/lightvoice/sidecar/internal/device"
	"github.com/lightvoice/sidecar/internal/engine"
	"github.com/lightvoice/sidecar/internal/protocol"
)

// State is the manager's loading state.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// Manager loads and holds the resident model for one engine profile.
type Manager struct {
	runtime  engine.Runtime
	profile  config.Profile
	selector *device.Selector
	log      *slog.Logger

	mu    sync.Mutex
	state State
	model engine.Model
	dev   device.Choice

	stats statsCounters
}

type statsCounters struct {
	count         int
	totalDuration float64
}

// NewManager builds an uninitialized manager.
func NewManager(runtime engine.Runtime, profile config.Profile, selector *device.Selector, log *slog.Logger) *Manager {
	return &Manager{
		runtime:  runtime,
		profile:  profile,
		selector: selector,
		log:      log,
	}
}

// State returns the current loading state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Model returns the resident model, or nil when not ready.
func (m *Manager) Model() engine.Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// Device returns the device the model was loaded on.
func (m *Manager) Device() device.Choice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dev
}

// Initialize loads the model if it is not already resident. Calls in
// the ready state return success without touching the model. A failed
// manager runs a fresh load attempt on the next call; nothing retries
// automatically between calls.
func (m *Manager) Initialize(ctx context.Context) protocol.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateReady {
		return protocol.Result{
			Success: true,
			Message: "model already loaded",
			Engine:  m.profile.Engine,
		}
	}

	result := m.initialize(ctx)
	if result.Success {
		m.state = StateReady
	} else {
		m.state = StateFailed
	}
	return result
}

// initialize runs one full load attempt. Caller holds the lock.
func (m *Manager) initialize(ctx context.Context) protocol.Result {
	if _, err := m.runtime.Installed(ctx); err != nil {
		if errors.Is(err, engine.ErrNotInstalled) {
			return protocol.Failure(protocol.TypeImportError, "%v", err)
		}
		return protocol.Failure(protocol.TypeInitError, "checking engine runtime: %v", err)
	}

	dev := m.selector.Detect(ctx)
	start := time.Now()

	model, dev, err := m.loadWithDowngrade(ctx, dev)
	if err != nil {
		m.log.Error("model load failed", "engine", m.profile.Engine, "error", err)
		return protocol.Failure(protocol.TypeInitError, "failed to load model: %v", err)
	}

	m.model = model
	m.dev = dev

	elapsed := time.Since(start).Seconds()
	m.log.Info("model loaded",
		"engine", m.profile.Engine, "device", dev.Kind, "elapsed_s", fmt.Sprintf("%.1f", elapsed))
	return protocol.Result{
		Success: true,
		Message: fmt.Sprintf("model loaded on %s in %.1fs", dev.Kind, elapsed),
		Engine:  m.profile.Engine,
	}
}

// loadWithDowngrade tries the detected device first and downgrades to
// cpu exactly once if an accelerator load fails.
func (m *Manager) loadWithDowngrade(ctx context.Context, dev device.Choice) (engine.Model, device.Choice, error) {
	model, err := m.loadWithPinFallback(ctx, dev)
	if err == nil {
		return model, dev, nil
	}
	if !dev.Accelerated() {
		return nil, dev, err
	}

	m.log.Warn("accelerator load failed, retrying on cpu", "error", err)
	cpu := dev.Downgrade()
	model, cpuErr := m.loadWithPinFallback(ctx, cpu)
	if cpuErr != nil {
		// Report the original accelerator failure; the cpu retry was
		// a recovery attempt, not the primary path.
		return nil, dev, fmt.Errorf("%v (cpu retry also failed: %v)", err, cpuErr)
	}
	return model, cpu, nil
}

// loadWithPinFallback loads against the pinned repositories first and
// retries with pins cleared when a pinned revision cannot be resolved.
func (m *Manager) loadWithPinFallback(ctx context.Context, dev device.Choice) (engine.Model, error) {
	model, err := m.runtime.Load(ctx, dev, m.profile)
	if err == nil || !m.profile.HasPinnedRepos() {
		return model, err
	}

	m.log.Warn("pinned model load failed, retrying without version pins", "error", err)
	return m.runtime.Load(ctx, dev, m.profile.WithoutPins())
}

// CheckStatus reports install and load state without ever loading or
// raising. It is safe to call in any state.
func (m *Manager) CheckStatus(ctx context.Context) protocol.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := protocol.Status{
		Success:     true,
		Engine:      m.profile.Engine,
		Initialized: m.state == StateReady,
	}

	version, err := m.runtime.Installed(ctx)
	if err != nil {
		status.Success = false
		status.Installed = false
		status.Error = err.Error()
		return status
	}
	status.Installed = true
	status.Version = version
	status.Models = m.modelsLoaded()

	if m.state == StateReady {
		status.ModelLoaded = true
		status.Device = string(m.dev.Kind)
		status.GPUName = m.dev.GPUName
		status.GPUMemoryGB = m.dev.GPUMemoryGB
	}
	return status
}

// RecordTranscription adds one completed request to the counters.
func (m *Manager) RecordTranscription(durationSeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.count++
	m.stats.totalDuration += durationSeconds
}

// TranscriptionCount returns the number of completed requests.
func (m *Manager) TranscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.count
}

// Stats snapshots the usage counters and loaded-model flags.
func (m *Manager) Stats() protocol.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := protocol.Stats{
		Success:            true,
		TranscriptionCount: m.stats.count,
		TotalAudioDuration: round2(m.stats.totalDuration),
		Initialized:        m.state == StateReady,
		Engine:             m.profile.Engine,
	}
	if m.stats.count > 0 {
		stats.AverageDuration = round2(m.stats.totalDuration / float64(m.stats.count))
	}
	stats.ModelsLoaded = m.modelsLoaded()
	return stats
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// modelsLoaded maps the single resident model onto per-sub-model flags.
// Caller holds the lock.
func (m *Manager) modelsLoaded() protocol.ModelsLoaded {
	loaded := m.state == StateReady
	if m.profile.Engine == config.EngineWhisper {
		// Whisper ships VAD and punctuation inside the one model.
		return protocol.ModelsLoaded{ASR: loaded, VAD: true, Punc: true}
	}
	return protocol.ModelsLoaded{ASR: loaded, VAD: loaded, Punc: loaded}
}

// Close releases the resident model, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil
	}
	err := m.model.Close()
	m.model = nil
	m.state = StateUninitialized
	return err
}
