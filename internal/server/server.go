// Package server runs the request loop over the sidecar's stdin/stdout
// channel. Every input line produces exactly one flushed output line;
// the first line written is always the unsolicited initialization
// result, so the host process knows the model state before it sends
// anything.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/lightvoice/sidecar/internal/config"
	"github.com/lightvoice/sidecar/internal/engine"
	"github.com/lightvoice/sidecar/internal/hubcache"
	"github.com/lightvoice/sidecar/internal/lifecycle"
	"github.com/lightvoice/sidecar/internal/pipeline"
	"github.com/lightvoice/sidecar/internal/protocol"
)

// Buffer the reader generously; audio paths are short but option maps
// are unbounded.
const maxLineSize = 1 << 20

// Server dispatches protocol commands to the pipeline and manager.
type Server struct {
	manager  *lifecycle.Manager
	pipeline *pipeline.Pipeline
	checker  *hubcache.Checker
	profile  config.Profile
	log      *slog.Logger

	in  io.Reader
	out *protocol.Writer
}

// New builds a server over the given streams.
func New(manager *lifecycle.Manager, pl *pipeline.Pipeline, checker *hubcache.Checker, profile config.Profile, in io.Reader, out io.Writer, log *slog.Logger) *Server {
	return &Server{
		manager:  manager,
		pipeline: pl,
		checker:  checker,
		profile:  profile,
		log:      log,
		in:       in,
		out:      protocol.NewWriter(out),
	}
}

// Run serves until an exit command, input EOF or context cancellation.
// The returned error is nil on every orderly shutdown path.
func (s *Server) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			s.log.Info("shutdown requested, draining")
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, err := protocol.ParseCommand([]byte(line))
		if err != nil {
			// Malformed input is answered, never fatal.
			s.write(protocol.Result{Success: false, Error: err.Error()})
			continue
		}

		if s.dispatch(ctx, cmd) {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		s.log.Error("input stream error", "error", err)
	}

	s.log.Info("server stopped")
	return s.manager.Close()
}

// start emits the mandatory first output line. When required models are
// absent from the local cache the server reports that and still enters
// the request loop, so the host can download and retry status.
func (s *Server) start(ctx context.Context) error {
	missing := s.checker.Missing(s.profile.RepoNames())
	if len(missing) > 0 {
		s.log.Warn("required models not downloaded", "missing", missing)
		result := protocol.Failure(protocol.TypeModelsNotDownloaded,
			"required models are not downloaded: %s", strings.Join(missing, ", "))
		result.MissingModels = missing
		result.Engine = s.profile.Engine
		return s.write(result)
	}

	result := s.manager.Initialize(ctx)
	result.Engine = s.profile.Engine
	result.ModelLoaded = result.Success
	return s.write(result)
}

// dispatch handles one command; a true return stops the loop.
func (s *Server) dispatch(ctx context.Context, cmd protocol.Command) (exit bool) {
	id := uuid.NewString()
	action := protocol.TrimAction(cmd.Action)
	s.log.Debug("command received", "id", id, "action", action)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", "id", id, "action", action, "panic", r)
			s.write(protocol.Result{
				Success: false,
				Error:   fmt.Sprintf("internal error: %v", r),
				Trace:   string(debug.Stack()),
			})
			exit = false
		}
	}()

	switch action {
	case protocol.ActionTranscribe:
		s.write(s.handleTranscribe(ctx, cmd))
	case protocol.ActionStatus:
		s.write(s.manager.CheckStatus(ctx))
	case protocol.ActionStats:
		s.write(s.manager.Stats())
	case protocol.ActionCleanup:
		s.write(s.pipeline.Cleanup(ctx))
	case protocol.ActionExit:
		s.write(protocol.Result{Success: true, Message: "exiting"})
		return true
	default:
		s.write(protocol.Result{
			Success: false,
			Error:   fmt.Sprintf("unknown action: %s", cmd.Action),
		})
	}
	return false
}

func (s *Server) handleTranscribe(ctx context.Context, cmd protocol.Command) protocol.Transcription {
	if cmd.AudioPath == "" {
		return protocol.Transcription{
			Success: false,
			Error:   "audio_path is required",
			Type:    protocol.TypeTranscriptionError,
		}
	}

	var opts engine.RecognizeOptions
	if lang, ok := cmd.Options["language"].(string); ok {
		opts.Language = lang
	}
	return s.pipeline.Transcribe(ctx, cmd.AudioPath, opts)
}

// write emits one response line. Write failures mean the host is gone;
// they are logged and the loop carries on toward EOF.
func (s *Server) write(v any) error {
	if msg := protocol.ErrorOf(v); msg != "" {
		s.log.Warn("responding with failure", "error", msg)
	}
	if err := s.out.Write(v); err != nil {
		s.log.Error("writing response failed", "error", err)
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}
