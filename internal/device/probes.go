package device

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const probeTimeout = 10 * time.Second

// commandRunner abstracts process execution for testability.
type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

func execCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// SMIProbe queries the primary tensor runtime's accelerator availability
// through nvidia-smi.
type SMIProbe struct {
	path string
	run  commandRunner
}

// NewSMIProbe builds an nvidia-smi probe; an empty path uses PATH lookup.
func NewSMIProbe(path string) *SMIProbe {
	if path == "" {
		path = "nvidia-smi"
	}
	return &SMIProbe{path: path, run: execCommand}
}

func (p *SMIProbe) Name() string { return "nvidia-smi" }

// Detect queries GPU name and total memory. Any failure means no
// accelerator.
func (p *SMIProbe) Detect(ctx context.Context) (Choice, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := p.run(ctx, p.path, "--query-gpu=name,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return Choice{}, false
	}

	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	if line == "" {
		return Choice{}, false
	}

	name, memField, _ := strings.Cut(line, ",")
	choice := Choice{
		Kind:    KindCUDA,
		GPUName: strings.TrimSpace(name),
	}
	if mib, err := strconv.ParseFloat(strings.TrimSpace(memField), 64); err == nil {
		choice.GPUMemoryGB = mib / 1024
	}
	return choice, true
}

// CT2Probe consults the CTranslate2 runtime's own CUDA capability query
// through the engine runner binary. Only the whisper engine wires this
// probe; its companion runtime enumerates devices independently of the
// primary tensor stack.
type CT2Probe struct {
	runnerPath string
	run        commandRunner
	metadata   *SMIProbe
}

// NewCT2Probe builds the secondary-runtime probe for a runner binary.
func NewCT2Probe(runnerPath string) *CT2Probe {
	return &CT2Probe{
		runnerPath: runnerPath,
		run:        execCommand,
		metadata:   NewSMIProbe(""),
	}
}

func (p *CT2Probe) Name() string { return "ctranslate2" }

// Detect asks the runner which compute types its CUDA backend supports.
// GPU name and memory diagnostics are filled in from nvidia-smi when
// available; a bare cuda choice is still returned without them.
func (p *CT2Probe) Detect(ctx context.Context) (Choice, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := p.run(ctx, p.runnerPath, "cuda-types")
	if err != nil {
		return Choice{}, false
	}
	if !strings.Contains(out, "cuda") && !strings.Contains(out, "float16") {
		return Choice{}, false
	}

	if p.metadata != nil {
		if enriched, ok := p.metadata.Detect(ctx); ok {
			return enriched, true
		}
	}
	return Choice{Kind: KindCUDA}, true
}
