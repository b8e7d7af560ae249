package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightvoice/sidecar/internal/config"
	"github.com/lightvoice/sidecar/internal/device"
	"github.com/lightvoice/sidecar/internal/engine"
	"github.com/lightvoice/sidecar/internal/protocol"
)

type fakeModel struct {
	released int
	closed   int
}

func (f *fakeModel) Recognize(context.Context, string, engine.RecognizeOptions) (engine.Recognition, error) {
	return engine.Recognition{}, nil
}

func (f *fakeModel) ReleaseAcceleratorMemory(context.Context) error {
	f.released++
	return nil
}

func (f *fakeModel) Close() error {
	f.closed++
	return nil
}

// loadCall records one Load invocation for assertion.
type loadCall struct {
	dev    device.Kind
	pinned bool
}

type fakeRuntime struct {
	installErr error
	loadErr    func(call loadCall) error
	loads      []loadCall
}

func (f *fakeRuntime) Installed(context.Context) (string, error) {
	if f.installErr != nil {
		return "", f.installErr
	}
	return "1.0.0", nil
}

func (f *fakeRuntime) Load(_ context.Context, dev device.Choice, profile config.Profile) (engine.Model, error) {
	call := loadCall{dev: dev.Kind, pinned: profile.HasPinnedRepos()}
	f.loads = append(f.loads, call)
	if f.loadErr != nil {
		if err := f.loadErr(call); err != nil {
			return nil, err
		}
	}
	return &fakeModel{}, nil
}

type fixedProbe struct {
	choice device.Choice
	ok     bool
}

func (p fixedProbe) Name() string { return "fixed" }

func (p fixedProbe) Detect(context.Context) (device.Choice, bool) { return p.choice, p.ok }

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(rt engine.Runtime, profile config.Profile, probes ...device.Probe) *Manager {
	log := testLog()
	return NewManager(rt, profile, device.NewSelector(log, probes...), log)
}

func TestInitializeSuccess(t *testing.T) {
	rt := &fakeRuntime{}
	m := newManager(rt, config.SenseVoiceProfile())

	result := m.Initialize(context.Background())
	require.True(t, result.Success)
	assert.Equal(t, "sensevoice", result.Engine)
	assert.Contains(t, result.Message, "cpu")
	assert.Equal(t, StateReady, m.State())
	require.NotNil(t, m.Model())
}

func TestInitializeIdempotent(t *testing.T) {
	rt := &fakeRuntime{}
	m := newManager(rt, config.SenseVoiceProfile())

	m.Initialize(context.Background())
	result := m.Initialize(context.Background())
	require.True(t, result.Success)
	assert.Equal(t, "model already loaded", result.Message)
	assert.Len(t, rt.loads, 1)
}

func TestInitializeNotInstalled(t *testing.T) {
	rt := &fakeRuntime{installErr: engine.ErrNotInstalled}
	m := newManager(rt, config.SenseVoiceProfile())

	result := m.Initialize(context.Background())
	require.False(t, result.Success)
	assert.Equal(t, protocol.TypeImportError, result.Type)
	assert.Equal(t, StateFailed, m.State())
	assert.Empty(t, rt.loads)
}

func TestInitializeRetriesAfterFailure(t *testing.T) {
	attempts := 0
	rt := &fakeRuntime{
		loadErr: func(loadCall) error {
			attempts++
			if attempts == 1 {
				return errors.New("weights corrupt")
			}
			return nil
		},
	}
	m := newManager(rt, config.WhisperProfile())

	first := m.Initialize(context.Background())
	require.False(t, first.Success)
	assert.Equal(t, protocol.TypeInitError, first.Type)
	assert.Equal(t, StateFailed, m.State())

	// A failed manager runs a fresh attempt on the next call.
	second := m.Initialize(context.Background())
	require.True(t, second.Success)
	assert.Equal(t, StateReady, m.State())
}

func TestInitializeDowngradesToCPUOnce(t *testing.T) {
	rt := &fakeRuntime{
		loadErr: func(call loadCall) error {
			if call.dev == device.KindCUDA {
				return errors.New("CUDA out of memory")
			}
			return nil
		},
	}
	gpu := fixedProbe{choice: device.Choice{Kind: device.KindCUDA, GPUName: "RTX"}, ok: true}
	m := newManager(rt, config.WhisperProfile(), gpu)

	result := m.Initialize(context.Background())
	require.True(t, result.Success)
	assert.Contains(t, result.Message, "cpu")
	assert.Equal(t, device.KindCPU, m.Device().Kind)

	require.Len(t, rt.loads, 2)
	assert.Equal(t, device.KindCUDA, rt.loads[0].dev)
	assert.Equal(t, device.KindCPU, rt.loads[1].dev)
}

func TestInitializeBothDevicesFail(t *testing.T) {
	rt := &fakeRuntime{
		loadErr: func(loadCall) error { return errors.New("no backend") },
	}
	gpu := fixedProbe{choice: device.Choice{Kind: device.KindCUDA}, ok: true}
	m := newManager(rt, config.WhisperProfile(), gpu)

	result := m.Initialize(context.Background())
	require.False(t, result.Success)
	assert.Equal(t, protocol.TypeInitError, result.Type)
	assert.Contains(t, result.Error, "no backend")
	assert.Len(t, rt.loads, 2)
}

func TestInitializePinFallback(t *testing.T) {
	rt := &fakeRuntime{
		loadErr: func(call loadCall) error {
			if call.pinned {
				return errors.New("revision v2.0.4 not found")
			}
			return nil
		},
	}
	m := newManager(rt, config.SenseVoiceProfile())

	result := m.Initialize(context.Background())
	require.True(t, result.Success)

	require.Len(t, rt.loads, 2)
	assert.True(t, rt.loads[0].pinned)
	assert.False(t, rt.loads[1].pinned)
}

func TestPinFallbackSkippedWithoutPins(t *testing.T) {
	rt := &fakeRuntime{
		loadErr: func(loadCall) error { return errors.New("download failed") },
	}
	// Whisper has no pinned repositories, so there is nothing to clear.
	m := newManager(rt, config.WhisperProfile())

	result := m.Initialize(context.Background())
	require.False(t, result.Success)
	assert.Len(t, rt.loads, 1)
}

func TestCheckStatusNeverLoads(t *testing.T) {
	rt := &fakeRuntime{}
	m := newManager(rt, config.SenseVoiceProfile())

	status := m.CheckStatus(context.Background())
	assert.True(t, status.Success)
	assert.True(t, status.Installed)
	assert.False(t, status.Initialized)
	assert.False(t, status.ModelLoaded)
	assert.Equal(t, "1.0.0", status.Version)
	assert.Empty(t, rt.loads)
}

func TestCheckStatusNotInstalled(t *testing.T) {
	rt := &fakeRuntime{installErr: engine.ErrNotInstalled}
	m := newManager(rt, config.SenseVoiceProfile())

	status := m.CheckStatus(context.Background())
	assert.False(t, status.Success)
	assert.False(t, status.Installed)
	assert.NotEmpty(t, status.Error)
}

func TestStatsCounters(t *testing.T) {
	rt := &fakeRuntime{}
	m := newManager(rt, config.SenseVoiceProfile())
	m.Initialize(context.Background())

	m.RecordTranscription(2.0)
	m.RecordTranscription(4.0)

	stats := m.Stats()
	assert.True(t, stats.Success)
	assert.Equal(t, 2, stats.TranscriptionCount)
	assert.InDelta(t, 6.0, stats.TotalAudioDuration, 1e-9)
	assert.InDelta(t, 3.0, stats.AverageDuration, 1e-9)
	assert.True(t, stats.Initialized)
	assert.Equal(t, protocol.ModelsLoaded{ASR: true, VAD: true, Punc: true}, stats.ModelsLoaded)
}

func TestStatsWhisperSubModels(t *testing.T) {
	rt := &fakeRuntime{}
	m := newManager(rt, config.WhisperProfile())

	// Uninitialized whisper still reports its built-in vad and punc.
	stats := m.Stats()
	assert.True(t, stats.Success)
	assert.Equal(t, protocol.ModelsLoaded{ASR: false, VAD: true, Punc: true}, stats.ModelsLoaded)
	assert.Equal(t, 0, stats.TranscriptionCount)
	assert.Zero(t, stats.AverageDuration)
}

func TestCloseReleasesModel(t *testing.T) {
	rt := &fakeRuntime{}
	m := newManager(rt, config.SenseVoiceProfile())
	m.Initialize(context.Background())

	model := m.Model().(*fakeModel)
	require.NoError(t, m.Close())
	assert.Equal(t, 1, model.closed)
	assert.Equal(t, StateUninitialized, m.State())
	require.NoError(t, m.Close())
}
