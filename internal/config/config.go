// Package config holds sidecar configuration and the fixed engine profiles.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// DataDirEnv selects the application data directory (logs live under it).
const DataDirEnv = "ASR_SIDECAR_DATA_DIR"

// Config holds all sidecar configuration.
type Config struct {
	Engine      string `yaml:"engine"` // "sensevoice" or "whisper"
	RunnerPath  string `yaml:"runner_path"`
	LogLevel    string `yaml:"log_level"`
	Offline     bool   `yaml:"offline"`
	ThreadCount int    `yaml:"thread_count"`
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "asr-sidecar", "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Engine:      EngineSenseVoice,
		LogLevel:    "info",
		Offline:     false,
		ThreadCount: runtime.NumCPU(),
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Engine {
	case EngineSenseVoice, EngineWhisper:
	default:
		return fmt.Errorf("engine must be %q or %q, got %q", EngineSenseVoice, EngineWhisper, c.Engine)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.ThreadCount < 0 {
		return fmt.Errorf("thread_count must be >= 0, got %d", c.ThreadCount)
	}

	return nil
}

// DataDir resolves the application data directory from the environment,
// falling back to a per-user temp location.
func DataDir() string {
	if dir := strings.TrimSpace(os.Getenv(DataDirEnv)); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "asr_sidecar")
}

// LogDir returns the directory server log files are written to, a
// logs subdirectory of the data directory.
func LogDir() string {
	return filepath.Join(DataDir(), "logs")
}

// ApplyHubEnvDefaults sets safe hub client env flags for offline-first
// runtime. Existing values are never overwritten. Must run before the
// engine runtime is constructed so the runner process inherits them.
func ApplyHubEnvDefaults(offline bool, threads int) {
	setEnvDefault("HF_HUB_DISABLE_SYMLINKS_WARNING", "1")
	setEnvDefault("HF_HUB_ETAG_TIMEOUT", "10")
	if offline {
		setEnvDefault("HF_HUB_OFFLINE", "1")
	}
	if threads > 0 {
		setEnvDefault("OMP_NUM_THREADS", fmt.Sprintf("%d", threads))
	}
}

func setEnvDefault(key, value string) {
	if _, ok := os.LookupEnv(key); !ok {
		os.Setenv(key, value)
	}
}
