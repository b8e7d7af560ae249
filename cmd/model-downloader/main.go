package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lightvoice/sidecar/internal/config"
	"github.com/lightvoice/sidecar/internal/download"
	"github.com/lightvoice/sidecar/internal/hub"
	"github.com/lightvoice/sidecar/internal/hubcache"
	"github.com/lightvoice/sidecar/internal/logging"
	"github.com/lightvoice/sidecar/internal/protocol"
)

func main() {
	// The supervising process parses stdout; a crash must still exit
	// with a parseable last line when possible.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s", r, debug.Stack())
			os.Exit(1)
		}
	}()

	var (
		engineName string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "model-downloader",
		Short: "Download the models an engine requires into the local cache",
		Long: `model-downloader fetches every model repository the selected engine
needs and reports aggregated progress as JSON lines on stdout. The
final line is a summary object; the process exits zero whether or not
the downloads succeeded, so the supervisor reads the summary rather
than the exit code.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(engineName, logLevel)
		},
	}

	cmd.Flags().StringVar(&engineName, "engine", config.EngineSenseVoice, "speech engine: sensevoice or whisper")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(engineName, logLevel string) error {
	profile, err := config.ProfileFor(engineName)
	if err != nil {
		return err
	}

	config.ApplyHubEnvDefaults(false, 0)

	log, closer, err := logging.Setup(logging.Config{
		Level:    logLevel,
		Dir:      config.LogDir(),
		Filename: "model-downloader.log",
		Stderr:   true,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := protocol.NewWriter(os.Stdout)
	emit := func(ev download.Event) {
		if err := out.Write(ev); err != nil {
			log.Error("writing progress event failed", "error", err)
		}
	}

	client := hub.NewClient(hub.WithCacheRoot(hubcache.CacheRoot()))
	orchestrator := download.NewOrchestrator(client, hubcache.NewChecker(), profile, emit, log)

	log.Info("model download starting", "engine", engineName, "models", profile.RepoNames())
	summary := orchestrator.Run(ctx)
	return out.Write(summary)
}
