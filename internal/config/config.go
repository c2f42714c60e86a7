package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all replaysaver configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	Store   StoreConfig   `yaml:"store"`
	Archive ArchiveConfig `yaml:"archive"`
	Tracker TrackerConfig `yaml:"tracker"`
	Outcome OutcomeConfig `yaml:"outcome"`
	Logging LoggingConfig `yaml:"logging"`
}

// BrowserConfig configures the driven Chromium page.
type BrowserConfig struct {
	DebuggerURL       string   `yaml:"debugger_url"` // attach to a running Chrome instead of launching
	Launch            []string `yaml:"launch"`       // binary followed by flags
	Headless          bool     `yaml:"headless"`
	UserDataDir       string   `yaml:"user_data_dir"` // keeps the Showdown login between runs
	URL               string   `yaml:"url"`
	PollInterval      string   `yaml:"poll_interval"`
	NavigationTimeout string   `yaml:"navigation_timeout"`
}

// StoreConfig configures the record store.
type StoreConfig struct {
	Driver    string `yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// ArchiveConfig holds the replay command and its delay contracts.
type ArchiveConfig struct {
	Command     string `yaml:"command"`
	Modifier    string `yaml:"modifier"`
	ReplayHost  string `yaml:"replay_host"`
	SettleDelay string `yaml:"settle_delay"`
	RetryDelay  string `yaml:"retry_delay"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// TrackerConfig configures the lifecycle tracker.
type TrackerConfig struct {
	GracePeriod      string `yaml:"grace_period"`
	LooseEndPatterns bool   `yaml:"loose_end_patterns"`
}

// OutcomeConfig configures the replay log fetch.
type OutcomeConfig struct {
	LogSuffix           string `yaml:"log_suffix"`
	FetchTimeout        string `yaml:"fetch_timeout"`
	UserAgent           string `yaml:"user_agent"`
	BackfillConcurrency int    `yaml:"backfill_concurrency"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // console, json
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			URL:               "https://play.pokemonshowdown.com",
			PollInterval:      "500ms",
			NavigationTimeout: "30s",
		},
		Store: StoreConfig{
			Driver:    "sqlite",
			Path:      defaultDataPath("replays.db"),
			Namespace: "replays",
		},
		Archive: ArchiveConfig{
			Command:     "/savereplay",
			Modifier:    "silent",
			ReplayHost:  "https://replay.pokemonshowdown.com",
			SettleDelay: "2s",
			RetryDelay:  "1s",
			MaxAttempts: 2,
		},
		Tracker: TrackerConfig{
			GracePeriod: "5s",
		},
		Outcome: OutcomeConfig{
			LogSuffix:           ".log",
			FetchTimeout:        "10s",
			UserAgent:           "replaysaver/1.0",
			BackfillConcurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultDataPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "replaysaver", name)
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	return defaultDataPath("config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("REPLAYSAVER_DB"); path != "" {
		c.Store.Path = path
	}
	if url := os.Getenv("REPLAYSAVER_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
	if level := os.Getenv("REPLAYSAVER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if host := os.Getenv("REPLAYSAVER_REPLAY_HOST"); host != "" {
		c.Archive.ReplayHost = host
	}
}

// ValidDrivers lists the registered SQLite drivers.
var ValidDrivers = []string{"sqlite", "sqlite3"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validDriver := false
	for _, d := range ValidDrivers {
		if c.Store.Driver == d {
			validDriver = true
			break
		}
	}
	if !validDriver {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path not configured")
	}
	if strings.TrimSpace(c.Archive.Command) == "" {
		return fmt.Errorf("archive command not configured")
	}
	if !strings.HasPrefix(c.Archive.ReplayHost, "http://") && !strings.HasPrefix(c.Archive.ReplayHost, "https://") {
		return fmt.Errorf("invalid replay host: %q", c.Archive.ReplayHost)
	}
	if c.Archive.MaxAttempts < 1 {
		return fmt.Errorf("archive max_attempts must be at least 1, got %d", c.Archive.MaxAttempts)
	}
	for name, raw := range map[string]string{
		"browser.poll_interval":      c.Browser.PollInterval,
		"browser.navigation_timeout": c.Browser.NavigationTimeout,
		"archive.settle_delay":       c.Archive.SettleDelay,
		"archive.retry_delay":        c.Archive.RetryDelay,
		"tracker.grace_period":       c.Tracker.GracePeriod,
		"outcome.fetch_timeout":      c.Outcome.FetchTimeout,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	return nil
}

// ArchiveCommand returns the full command line typed into the chat box.
func (c *Config) ArchiveCommand() string {
	if c.Archive.Modifier == "" {
		return c.Archive.Command
	}
	return c.Archive.Command + " " + c.Archive.Modifier
}

func duration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// GetPollInterval returns the page event poll interval.
func (c *Config) GetPollInterval() time.Duration {
	return duration(c.Browser.PollInterval, 500*time.Millisecond)
}

// GetNavigationTimeout returns the page navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return duration(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetSettleDelay returns the wait between command submission and metadata read.
func (c *Config) GetSettleDelay() time.Duration {
	return duration(c.Archive.SettleDelay, 2*time.Second)
}

// GetRetryDelay returns the wait before retrying a submission with no chat box.
func (c *Config) GetRetryDelay() time.Duration {
	return duration(c.Archive.RetryDelay, time.Second)
}

// GetGracePeriod returns how long ended matches stay in the tracker.
func (c *Config) GetGracePeriod() time.Duration {
	return duration(c.Tracker.GracePeriod, 5*time.Second)
}

// GetFetchTimeout returns the replay log fetch timeout.
func (c *Config) GetFetchTimeout() time.Duration {
	return duration(c.Outcome.FetchTimeout, 10*time.Second)
}
