package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	LibraryDir string `toml:"library_dir"`
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// Trigger configures the external trigger endpoint.
type Trigger struct {
	Secret   string `toml:"secret"`
	MaxBatch int    `toml:"max_batch"`
}

// SourceLimit configures the outbound rate limiter for one source.
type SourceLimit struct {
	MaxCalls     int `toml:"max_calls"`
	WindowSecs   int `toml:"window_seconds"`
	MinSpacingMS int `toml:"min_spacing_ms"`
}

// RateLimit holds per-source outbound limits plus the user-facing endpoint gate.
type RateLimit struct {
	CDN            SourceLimit `toml:"cdn"`
	Extractor      SourceLimit `toml:"extractor"`
	Metadata       SourceLimit `toml:"metadata"`
	GateWindowSecs int         `toml:"gate_window_seconds"`
	GatePerAction  int         `toml:"gate_per_action"`
	GatePerClient  int         `toml:"gate_per_client"`
	GateEnabled    bool        `toml:"gate_enabled"`
}

// CDN configures the lossless catalog source.
type CDN struct {
	BaseURL        string `toml:"base_url"`
	APIToken       string `toml:"api_token"`
	Format         string `toml:"format"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Extractor configures the generic media extractor binary.
type Extractor struct {
	Binary         string `toml:"binary"`
	AudioFormat    string `toml:"audio_format"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Metadata configures canonical metadata lookup and tag writing.
type Metadata struct {
	Enabled      bool   `toml:"enabled"`
	BaseURL      string `toml:"base_url"`
	UserAgent    string `toml:"user_agent"`
	TaggerBinary string `toml:"tagger_binary"`
	TimeoutSecs  int    `toml:"timeout_seconds"`
}

// Workflow contains scheduler and maintenance timing.
type Workflow struct {
	Workers               int `toml:"workers"`
	QueuePollInterval     int `toml:"queue_poll_interval"`
	ReconcileInterval     int `toml:"reconcile_interval"`
	WatchlistPollInterval int `toml:"watchlist_poll_interval"`
	JobRetentionDays      int `toml:"job_retention_days"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config is the root configuration object.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Trigger   Trigger   `toml:"trigger"`
	RateLimit RateLimit `toml:"rate_limit"`
	CDN       CDN       `toml:"cdn"`
	Extractor Extractor `toml:"extractor"`
	Metadata  Metadata  `toml:"metadata"`
	Workflow  Workflow  `toml:"workflow"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath is the location used when no explicit path is provided.
const DefaultConfigPath = "~/.config/crate/config.toml"

// SampleConfig returns the embedded sample configuration document.
func SampleConfig() string {
	return sampleConfig
}

// Load reads configuration from path (or the default location when empty),
// applies defaults, normalizes paths, and validates the result. It returns the
// config, the resolved path, and whether a file existed at that path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// Write persists the embedded sample config to path, creating parent
// directories as needed. It refuses to overwrite an existing file.
func Write(path string) (string, error) {
	resolved, err := expandPath(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(resolved); err == nil {
		return "", fmt.Errorf("config already exists at %s", resolved)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(sampleConfig), 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return resolved, nil
}

// EnsureDirectories creates the directories crate needs at runtime.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.LibraryDir, c.Paths.StagingDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
		return err
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}

	if c.Workflow.Workers < 1 {
		c.Workflow.Workers = defaultWorkers
	}
	if c.Workflow.QueuePollInterval < 1 {
		c.Workflow.QueuePollInterval = defaultQueuePollInterval
	}
	if c.Workflow.ReconcileInterval < 0 {
		c.Workflow.ReconcileInterval = 0
	}
	if c.Workflow.WatchlistPollInterval < 0 {
		c.Workflow.WatchlistPollInterval = 0
	}
	if c.Workflow.JobRetentionDays < 1 {
		c.Workflow.JobRetentionDays = defaultJobRetentionDays
	}
	if c.Trigger.MaxBatch < 1 || c.Trigger.MaxBatch > triggerBatchCap {
		c.Trigger.MaxBatch = defaultTriggerMaxBatch
	}
	normalizeLimit(&c.RateLimit.CDN, defaultCDNLimit)
	normalizeLimit(&c.RateLimit.Extractor, defaultExtractorLimit)
	normalizeLimit(&c.RateLimit.Metadata, defaultMetadataLimit)
	if c.RateLimit.GateWindowSecs < 1 {
		c.RateLimit.GateWindowSecs = defaultGateWindowSecs
	}
	if c.RateLimit.GatePerAction < 1 {
		c.RateLimit.GatePerAction = defaultGatePerAction
	}
	if c.RateLimit.GatePerClient < 1 {
		c.RateLimit.GatePerClient = defaultGatePerClient
	}
	return nil
}

func normalizeLimit(limit *SourceLimit, fallback SourceLimit) {
	if limit.MaxCalls < 1 {
		limit.MaxCalls = fallback.MaxCalls
	}
	if limit.WindowSecs < 1 {
		limit.WindowSecs = fallback.WindowSecs
	}
	if limit.MinSpacingMS < 0 {
		limit.MinSpacingMS = fallback.MinSpacingMS
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.LibraryDir) == "" {
		return errors.New("paths.library_dir is required")
	}
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		return errors.New("paths.staging_dir is required")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if c.CDN.BaseURL != "" && !strings.HasPrefix(c.CDN.BaseURL, "http") {
		return fmt.Errorf("cdn.base_url must be an http(s) URL, got %q", c.CDN.BaseURL)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		candidate = DefaultConfigPath
	}
	resolved, err := expandPath(candidate)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return resolved, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", resolved)
	}
	return resolved, true, nil
}

func expandPath(pathValue string) (string, error) {
	trimmed := strings.TrimSpace(pathValue)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Abs(trimmed)
}
