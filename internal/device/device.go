// Package device selects the compute device models load on. Probes are
// best-effort: any probe failure means "accelerator unavailable", never
// an error, so detection cannot take the process down.
package device

import (
	"context"
	"log/slog"
)

// Kind is the selected device class.
type Kind string

const (
	KindCUDA Kind = "cuda"
	KindCPU  Kind = "cpu"
)

// Choice is the outcome of device detection, with optional accelerator
// diagnostics for status reporting.
type Choice struct {
	Kind        Kind
	GPUName     string
	GPUMemoryGB float64
}

// Accelerated reports whether the choice uses an accelerator.
func (c Choice) Accelerated() bool {
	return c.Kind == KindCUDA
}

// Downgrade returns the cpu fallback choice. Device choices are only
// ever downgraded, never upgraded.
func (c Choice) Downgrade() Choice {
	return Choice{Kind: KindCPU}
}

// CPU returns the fallback choice.
func CPU() Choice {
	return Choice{Kind: KindCPU}
}

// Probe is one accelerator capability query.
type Probe interface {
	// Name identifies the probe in diagnostics.
	Name() string
	// Detect returns an accelerator choice and whether one was found.
	Detect(ctx context.Context) (Choice, bool)
}

// Selector runs probes in order and falls back to cpu. It runs exactly
// once at process construction.
type Selector struct {
	probes []Probe
	log    *slog.Logger
}

// NewSelector builds a selector over an ordered probe list.
func NewSelector(log *slog.Logger, probes ...Probe) *Selector {
	return &Selector{probes: probes, log: log}
}

// Detect returns the first accelerator any probe reports, else cpu.
func (s *Selector) Detect(ctx context.Context) Choice {
	for _, p := range s.probes {
		choice, ok := s.detectOne(ctx, p)
		if ok {
			s.log.Info("accelerator detected",
				"probe", p.Name(), "gpu", choice.GPUName, "memory_gb", choice.GPUMemoryGB)
			return choice
		}
		s.log.Debug("probe found no accelerator", "probe", p.Name())
	}

	s.log.Info("no accelerator available, using cpu")
	return CPU()
}

// detectOne shields the selector from panicking probes.
func (s *Selector) detectOne(ctx context.Context, p Probe) (choice Choice, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("device probe panicked", "probe", p.Name(), "panic", r)
			choice, ok = Choice{}, false
		}
	}()
	return p.Detect(ctx)
}
