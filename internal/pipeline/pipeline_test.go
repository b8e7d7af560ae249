package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightvoice/sidecar/internal/config"
	"github.com/lightvoice/sidecar/internal/device"
	"github.com/lightvoice/sidecar/internal/engine"
	"github.com/lightvoice/sidecar/internal/lifecycle"
	"github.com/lightvoice/sidecar/internal/protocol"
)

type scriptedModel struct {
	rec        engine.Recognition
	err        error
	recognized int
	released   int
}

func (m *scriptedModel) Recognize(context.Context, string, engine.RecognizeOptions) (engine.Recognition, error) {
	m.recognized++
	return m.rec, m.err
}

func (m *scriptedModel) ReleaseAcceleratorMemory(context.Context) error {
	m.released++
	return nil
}

func (m *scriptedModel) Close() error { return nil }

type scriptedRuntime struct {
	model      *scriptedModel
	installErr error
	dev        device.Kind
}

func (r *scriptedRuntime) Installed(context.Context) (string, error) {
	if r.installErr != nil {
		return "", r.installErr
	}
	return "test", nil
}

func (r *scriptedRuntime) Load(_ context.Context, dev device.Choice, _ config.Profile) (engine.Model, error) {
	r.dev = dev.Kind
	return r.model, nil
}

type cudaProbe struct{}

func (cudaProbe) Name() string { return "cuda" }

func (cudaProbe) Detect(context.Context) (device.Choice, bool) {
	return device.Choice{Kind: device.KindCUDA}, true
}

type fixture struct {
	pipeline *Pipeline
	model    *scriptedModel
	manager  *lifecycle.Manager
	gcCalls  *int
}

func newFixture(t *testing.T, profile config.Profile, model *scriptedModel, probes ...device.Probe) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := &scriptedRuntime{model: model}
	manager := lifecycle.NewManager(rt, profile, device.NewSelector(log, probes...), log)

	gcCalls := 0
	reclaimer := NewReclaimer(log)
	reclaimer.gc = func() { gcCalls++ }
	reclaimer.freeOS = func() {}

	p := New(manager, profile, DefaultCleanupPolicy(), reclaimer, log)
	return &fixture{pipeline: p, model: model, manager: manager, gcCalls: &gcCalls}
}

func audioFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a real wav"), 0o600))
	return path
}

func TestTranscribeSuccess(t *testing.T) {
	model := &scriptedModel{
		rec: engine.Recognition{
			Results: []engine.RecognitionResult{{Text: "hello world", Confidence: 0.9, Language: "en"}},
		},
	}
	f := newFixture(t, config.WhisperProfile(), model)

	resp := f.pipeline.Transcribe(context.Background(), audioFile(t), engine.RecognizeOptions{})
	require.True(t, resp.Success)
	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, "hello world", resp.RawText)
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
	assert.Equal(t, "en", resp.Language)
	assert.Equal(t, "ctranslate2", resp.ModelType)
	assert.Equal(t, 1, f.manager.TranscriptionCount())
}

func TestTranscribeStripsRichTags(t *testing.T) {
	model := &scriptedModel{
		rec: engine.Recognition{
			Results: []engine.RecognitionResult{{Text: "<|zh|><|NEUTRAL|><|Speech|>你好"}},
		},
	}
	f := newFixture(t, config.SenseVoiceProfile(), model)

	resp := f.pipeline.Transcribe(context.Background(), audioFile(t), engine.RecognizeOptions{})
	require.True(t, resp.Success)
	assert.Equal(t, "你好", resp.Text)
	assert.Equal(t, "<|zh|><|NEUTRAL|><|Speech|>你好", resp.RawText)
	assert.Equal(t, "zh", resp.Language)
}

func TestTranscribeInitFailurePassesThrough(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := &scriptedRuntime{installErr: engine.ErrNotInstalled}
	manager := lifecycle.NewManager(rt, config.SenseVoiceProfile(), device.NewSelector(log), log)
	p := New(manager, config.SenseVoiceProfile(), DefaultCleanupPolicy(), NewReclaimer(log), log)

	resp := p.Transcribe(context.Background(), audioFile(t), engine.RecognizeOptions{})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.TypeImportError, resp.Type)
}

func TestTranscribeMissingFile(t *testing.T) {
	model := &scriptedModel{}
	f := newFixture(t, config.WhisperProfile(), model)

	resp := f.pipeline.Transcribe(context.Background(), "/nonexistent/clip.wav", engine.RecognizeOptions{})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.TypeTranscriptionError, resp.Type)
	assert.Contains(t, resp.Error, "not found")
	assert.Zero(t, model.recognized)
	assert.Zero(t, f.manager.TranscriptionCount(), "a failed lookup must not count as a request")
}

func TestTranscribeShortAudioSkipsInference(t *testing.T) {
	model := &scriptedModel{}
	f := newFixture(t, config.SenseVoiceProfile(), model)
	f.pipeline.probeDuration = func(string) (float64, error) { return 0.3, nil }

	resp := f.pipeline.Transcribe(context.Background(), audioFile(t), engine.RecognizeOptions{})
	require.True(t, resp.Success)
	assert.Empty(t, resp.Text)
	assert.InDelta(t, 0.3, resp.Duration, 1e-9)
	assert.Zero(t, model.recognized)
	assert.Equal(t, 1, f.manager.TranscriptionCount())
}

func TestTranscribeProbeFailureDegradesToZero(t *testing.T) {
	model := &scriptedModel{
		rec: engine.Recognition{
			Results: []engine.RecognitionResult{{Text: "still works"}},
		},
	}
	f := newFixture(t, config.WhisperProfile(), model)
	f.pipeline.probeDuration = func(string) (float64, error) { return 0, errors.New("not a WAV file") }

	resp := f.pipeline.Transcribe(context.Background(), audioFile(t), engine.RecognizeOptions{})
	require.True(t, resp.Success)
	assert.Equal(t, "still works", resp.Text)
	assert.Zero(t, resp.Duration)
	assert.Equal(t, 1, model.recognized, "zero duration must not trigger the short-audio skip")
}

func TestTranscribeEmptySpeechError(t *testing.T) {
	model := &scriptedModel{err: errors.New("index 0 is out of bounds for dimension 0")}
	f := newFixture(t, config.SenseVoiceProfile(), model)
	f.pipeline.probeDuration = func(string) (float64, error) { return 2.0, nil }

	resp := f.pipeline.Transcribe(context.Background(), audioFile(t), engine.RecognizeOptions{})
	require.True(t, resp.Success)
	assert.Empty(t, resp.Text)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "zh-CN", resp.Language)
	assert.Equal(t, 1, f.manager.TranscriptionCount())
}

func TestTranscribeRuntimeError(t *testing.T) {
	model := &scriptedModel{err: errors.New("CUDA out of memory")}
	f := newFixture(t, config.WhisperProfile(), model)
	f.pipeline.probeDuration = func(string) (float64, error) { return 2.0, nil }

	resp := f.pipeline.Transcribe(context.Background(), audioFile(t), engine.RecognizeOptions{})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.TypeTranscriptionError, resp.Type)
	assert.Contains(t, resp.Error, "CUDA out of memory")
	assert.Zero(t, f.manager.TranscriptionCount(), "failed requests do not count")
}

func TestCleanupEveryFifthRequest(t *testing.T) {
	model := &scriptedModel{
		rec: engine.Recognition{Results: []engine.RecognitionResult{{Text: "ok"}}},
	}
	f := newFixture(t, config.WhisperProfile(), model)
	f.pipeline.probeDuration = func(string) (float64, error) { return 1.0, nil }

	path := audioFile(t)
	for i := 0; i < 5; i++ {
		f.pipeline.Transcribe(context.Background(), path, engine.RecognizeOptions{})
	}
	assert.Equal(t, 1, *f.gcCalls)

	for i := 0; i < 5; i++ {
		f.pipeline.Transcribe(context.Background(), path, engine.RecognizeOptions{})
	}
	assert.Equal(t, 2, *f.gcCalls)
}

func TestCleanupAfterLongAudio(t *testing.T) {
	model := &scriptedModel{
		rec: engine.Recognition{Results: []engine.RecognitionResult{{Text: "ok"}}},
	}
	f := newFixture(t, config.WhisperProfile(), model)
	f.pipeline.probeDuration = func(string) (float64, error) { return 180.0, nil }

	f.pipeline.Transcribe(context.Background(), audioFile(t), engine.RecognizeOptions{})
	assert.Equal(t, 1, *f.gcCalls)
}

func TestCleanupReleasesAcceleratorPools(t *testing.T) {
	model := &scriptedModel{
		rec: engine.Recognition{Results: []engine.RecognitionResult{{Text: "ok"}}},
	}
	f := newFixture(t, config.WhisperProfile(), model, cudaProbe{})
	f.pipeline.probeDuration = func(string) (float64, error) { return 180.0, nil }

	f.pipeline.Transcribe(context.Background(), audioFile(t), engine.RecognizeOptions{})
	assert.Equal(t, 1, model.released)
}

func TestCleanupOnDemand(t *testing.T) {
	model := &scriptedModel{}
	f := newFixture(t, config.WhisperProfile(), model)

	result := f.pipeline.Cleanup(context.Background())
	assert.True(t, result.Success)
	assert.Equal(t, 1, *f.gcCalls)
}

func TestShouldRunPolicy(t *testing.T) {
	policy := DefaultCleanupPolicy()
	assert.True(t, policy.ShouldRun(5, 1.0))
	assert.True(t, policy.ShouldRun(10, 1.0))
	assert.False(t, policy.ShouldRun(4, 1.0))
	assert.True(t, policy.ShouldRun(4, 121.0))
	assert.False(t, policy.ShouldRun(4, 120.0))
}
