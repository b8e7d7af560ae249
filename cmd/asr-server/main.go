package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lightvoice/sidecar/internal/config"
	"github.com/lightvoice/sidecar/internal/device"
	"github.com/lightvoice/sidecar/internal/engine"
	"github.com/lightvoice/sidecar/internal/hubcache"
	"github.com/lightvoice/sidecar/internal/lifecycle"
	"github.com/lightvoice/sidecar/internal/logging"
	"github.com/lightvoice/sidecar/internal/pipeline"
	"github.com/lightvoice/sidecar/internal/server"
)

func main() {
	var (
		configPath string
		engineName string
		runnerPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "asr-server",
		Short: "Speech-to-text sidecar speaking JSON lines over stdin/stdout",
		Long: `asr-server loads a local speech model and serves transcription
requests from a host process. Requests arrive one JSON object per line
on stdin; every request produces exactly one JSON line on stdout. All
diagnostics go to stderr and the log file, never stdout.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, engineName, runnerPath, logLevel)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/asr-sidecar/config.yaml)")
	cmd.Flags().StringVar(&engineName, "engine", "", "speech engine: sensevoice or whisper")
	cmd.Flags().StringVar(&runnerPath, "runner", "", "path to the engine runner binary")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, engineName, runnerPath, logLevel string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if engineName != "" {
		cfg.Engine = engineName
	}
	if runnerPath != "" {
		cfg.RunnerPath = runnerPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	profile, err := config.ProfileFor(cfg.Engine)
	if err != nil {
		return err
	}

	// The runner process inherits these; they must be set before it starts.
	config.ApplyHubEnvDefaults(cfg.Offline, cfg.ThreadCount)

	log, closer, err := logging.Setup(logging.Config{
		Level:    cfg.LogLevel,
		Dir:      config.LogDir(),
		Filename: "asr-server.log",
		Stderr:   true,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runnerBin := cfg.RunnerPath
	if runnerBin == "" {
		runnerBin = profile.DefaultRunner
	}

	suppressor := logging.NewSuppressor()
	runtime := engine.NewProcessRuntime(runnerBin, profile, log, suppressor)

	probes := []device.Probe{}
	if profile.ProbeCT2 {
		probes = append(probes, device.NewCT2Probe(runnerBin))
	}
	probes = append(probes, device.NewSMIProbe("nvidia-smi"))

	manager := lifecycle.NewManager(runtime, profile, device.NewSelector(log, probes...), log)
	pl := pipeline.New(manager, profile, pipeline.DefaultCleanupPolicy(), pipeline.NewReclaimer(log), log)
	srv := server.New(manager, pl, hubcache.NewChecker(), profile, os.Stdin, os.Stdout, log)

	log.Info("asr-server starting", "engine", cfg.Engine)
	return srv.Run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); err != nil {
			// No config file is fine; run on defaults.
			return config.Default(), nil
		}
	}
	return config.Load(path)
}
