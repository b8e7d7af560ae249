// Package engine defines the boundary to the speech recognition runtime.
// The actual model math lives in an external runner process; this package
// owns loading, the recognize call contract, and result normalization.
package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/lightvoice/sidecar/internal/config"
	"github.com/lightvoice/sidecar/internal/device"
)

// ErrNotInstalled reports the required engine runtime is absent. It maps
// to the import_error taxonomy on the wire.
var ErrNotInstalled = errors.New("engine runtime not installed")

// RecognizeOptions carries per-request overrides for a recognize call.
type RecognizeOptions struct {
	Language string
}

// RecognitionResult is one entry of a sequence-shaped runner result.
type RecognitionResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
}

// Recognition is the raw result shape produced by a runner. Runners
// return either a sequence of results or a bare value; downstream code
// must not consume this directly but go through Normalize.
type Recognition struct {
	Results             []RecognitionResult `json:"results,omitempty"`
	Raw                 string              `json:"raw,omitempty"`
	Language            string              `json:"language,omitempty"`
	LanguageProbability float64             `json:"language_probability,omitempty"`
}

// TranscriptKind tags a normalized transcript.
type TranscriptKind int

const (
	// TranscriptEmpty means no speech was recognized.
	TranscriptEmpty TranscriptKind = iota
	// TranscriptText is a structured result with text and metadata.
	TranscriptText
	// TranscriptRaw is a bare value stringified by the runner.
	TranscriptRaw
)

// Transcript is the single tagged result type the pipeline consumes.
type Transcript struct {
	Kind       TranscriptKind
	Text       string
	Confidence float64
	Language   string
}

// Normalize collapses the runner's duck-typed result shapes into a
// Transcript immediately at the engine boundary.
func Normalize(rec Recognition) Transcript {
	if len(rec.Results) > 0 {
		first := rec.Results[0]
		t := Transcript{
			Kind:       TranscriptText,
			Text:       first.Text,
			Confidence: first.Confidence,
			Language:   first.Language,
		}
		if t.Language == "" {
			t.Language = rec.Language
		}
		if t.Confidence == 0 {
			t.Confidence = rec.LanguageProbability
		}
		if strings.TrimSpace(t.Text) == "" {
			t.Kind = TranscriptEmpty
			t.Text = ""
		}
		return t
	}

	if strings.TrimSpace(rec.Raw) != "" {
		return Transcript{
			Kind:       TranscriptRaw,
			Text:       rec.Raw,
			Language:   rec.Language,
			Confidence: rec.LanguageProbability,
		}
	}

	return Transcript{Kind: TranscriptEmpty, Language: rec.Language}
}

// IsEmptySpeech reports whether a recognize error is the known
// empty-tensor condition: the voice-activity sub-model found no speech.
// This is a recognized silence outcome, not a fault.
func IsEmptySpeech(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "index") && strings.Contains(msg, "out of bounds") {
		return true
	}
	return strings.Contains(msg, "size 0")
}

// Model is a loaded, resident speech model.
type Model interface {
	// Recognize runs batch inference on one audio file. The call is
	// synchronous and blocking; no internal cancellation is attempted.
	Recognize(ctx context.Context, audioPath string, opts RecognizeOptions) (Recognition, error)
	// ReleaseAcceleratorMemory frees cached accelerator memory pools.
	ReleaseAcceleratorMemory(ctx context.Context) error
	// Close shuts the model down and releases all resources.
	Close() error
}

// Runtime loads models for one engine.
type Runtime interface {
	// Installed reports the runtime version, or ErrNotInstalled.
	Installed(ctx context.Context) (string, error)
	// Load brings the model for a profile up on the given device.
	Load(ctx context.Context, dev device.Choice, profile config.Profile) (Model, error)
}
