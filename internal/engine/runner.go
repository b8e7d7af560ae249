package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/lightvoice/sidecar/internal/config"
	"github.com/lightvoice/sidecar/internal/device"
	"github.com/lightvoice/sidecar/internal/logging"
)

// runner wire shapes. The runner speaks the same one-line-JSON discipline
// the sidecar itself speaks to its host.
type runnerRequest struct {
	Action    string `json:"action"`
	AudioPath string `json:"audio_path,omitempty"`
	Language  string `json:"language,omitempty"`
}

type runnerResponse struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Recognition
}

// conn is one live runner subprocess connection.
type conn interface {
	// Call writes one request line and reads one response line.
	Call(ctx context.Context, req runnerRequest, resp *runnerResponse) error
	// ReadAck reads the runner's unsolicited startup line.
	ReadAck(resp *runnerResponse) error
	// Close terminates the subprocess.
	Close() error
}

// ProcessRuntime loads models by starting a resident runner subprocess
// per model; the subprocess holds the weights for the sidecar's lifetime.
type ProcessRuntime struct {
	binary     string
	log        *slog.Logger
	suppressor *logging.Suppressor

	lookPath func(string) (string, error)
	start    func(ctx context.Context, name string, args []string) (conn, error)
	version  func(ctx context.Context, name string) (string, error)
}

// NewProcessRuntime builds a runtime around a runner binary. An empty
// binary path uses the profile's default runner name.
func NewProcessRuntime(binary string, profile config.Profile, log *slog.Logger, suppressor *logging.Suppressor) *ProcessRuntime {
	if binary == "" {
		binary = profile.DefaultRunner
	}
	return &ProcessRuntime{
		binary:     binary,
		log:        log,
		suppressor: suppressor,
		lookPath:   exec.LookPath,
		start:      startConn,
		version:    runnerVersion,
	}
}

// Installed resolves the runner binary and reports its version.
func (r *ProcessRuntime) Installed(ctx context.Context) (string, error) {
	if _, err := r.lookPath(r.binary); err != nil {
		return "", fmt.Errorf("%w: %s not found in PATH", ErrNotInstalled, r.binary)
	}
	version, err := r.version(ctx, r.binary)
	if err != nil || version == "" {
		return "unknown", nil
	}
	return version, nil
}

// Load starts the runner in serve mode and waits for its load ack. The
// runner's stdout chatter is suppressed for the duration of the load so
// native-library noise cannot reach the protocol stream.
func (r *ProcessRuntime) Load(ctx context.Context, dev device.Choice, profile config.Profile) (Model, error) {
	if _, err := r.lookPath(r.binary); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrNotInstalled, r.binary)
	}

	release := r.suppressor.Acquire()
	defer release()

	c, err := r.start(ctx, r.binary, serveArgs(dev, profile))
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.binary, err)
	}

	var ack runnerResponse
	if err := c.ReadAck(&ack); err != nil {
		c.Close()
		return nil, fmt.Errorf("waiting for %s load ack: %w", r.binary, err)
	}
	if !ack.Success {
		c.Close()
		return nil, fmt.Errorf("loading model on %s: %s", dev.Kind, ack.Error)
	}

	r.log.Info("runner model loaded", "binary", r.binary, "device", dev.Kind)
	return &runnerModel{conn: c, log: r.log}, nil
}

// serveArgs builds the runner command line from fixed profile parameters.
func serveArgs(dev device.Choice, profile config.Profile) []string {
	args := []string{"serve", "--device", string(dev.Kind)}
	for _, repo := range profile.Repos {
		ref := repo.Name
		if repo.Revision != "" {
			ref += "@" + repo.Revision
		}
		args = append(args, "--model", ref)
	}

	d := profile.Decode
	if d.Language != "" {
		args = append(args, "--language", d.Language)
	}
	if d.UseITN {
		args = append(args, "--use-itn")
	}
	if d.BatchSizeSeconds > 0 {
		args = append(args, "--batch-size-s", fmt.Sprintf("%d", d.BatchSizeSeconds))
	}
	if d.MergeVAD {
		args = append(args, "--merge-vad", "--merge-length-s", fmt.Sprintf("%d", d.MergeLengthSeconds))
	}
	if d.MaxSegmentMS > 0 {
		args = append(args, "--vad-max-segment-ms", fmt.Sprintf("%d", d.MaxSegmentMS))
	}
	if d.InitialPrompt != "" {
		args = append(args, "--initial-prompt", d.InitialPrompt)
	}
	if d.VADFilter {
		args = append(args, "--vad-filter", "--vad-min-silence-ms", fmt.Sprintf("%d", d.VADMinSilenceMS))
	}
	if d.InitialPrompt != "" && !d.ConditionOnPrevious {
		args = append(args, "--no-condition-on-previous")
	}
	return args
}

// runnerVersion asks the binary for its version string.
func runnerVersion(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, "--version").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// runnerModel is a loaded model held by a resident runner subprocess.
type runnerModel struct {
	conn conn
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (m *runnerModel) Recognize(ctx context.Context, audioPath string, opts RecognizeOptions) (Recognition, error) {
	req := runnerRequest{
		Action:    "transcribe",
		AudioPath: audioPath,
		Language:  opts.Language,
	}

	var resp runnerResponse
	if err := m.conn.Call(ctx, req, &resp); err != nil {
		return Recognition{}, fmt.Errorf("runner transcribe call: %w", err)
	}
	if !resp.Success {
		// Keep the runner's message verbatim so the empty-tensor
		// classification upstream can inspect it.
		return Recognition{}, fmt.Errorf("%s", resp.Error)
	}
	return resp.Recognition, nil
}

func (m *runnerModel) ReleaseAcceleratorMemory(ctx context.Context) error {
	var resp runnerResponse
	if err := m.conn.Call(ctx, runnerRequest{Action: "free_cache"}, &resp); err != nil {
		return fmt.Errorf("runner free_cache call: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("runner free_cache: %s", resp.Error)
	}
	return nil
}

func (m *runnerModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var resp runnerResponse
	if err := m.conn.Call(ctx, runnerRequest{Action: "exit"}, &resp); err != nil {
		m.log.Debug("runner exit request failed, killing", "error", err)
	}
	return m.conn.Close()
}

// execConn is the production conn over the subprocess's pipes.
type execConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	mu sync.Mutex
}

// startConn spawns a runner subprocess with piped stdio. The runner's
// stderr is inherited so its diagnostics land in the sidecar's stderr,
// never on the protocol stream.
func startConn(ctx context.Context, name string, args []string) (conn, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execConn{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 1<<20),
	}, nil
}

func (c *execConn) Call(ctx context.Context, req runnerRequest, resp *runnerResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := c.stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("writing to runner: %w", err)
	}
	return c.readLine(resp)
}

func (c *execConn) ReadAck(resp *runnerResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLine(resp)
}

func (c *execConn) readLine(resp *runnerResponse) error {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading from runner: %w", err)
	}
	if err := json.Unmarshal([]byte(line), resp); err != nil {
		return fmt.Errorf("decoding runner response: %w", err)
	}
	return nil
}

func (c *execConn) Close() error {
	c.stdin.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}
