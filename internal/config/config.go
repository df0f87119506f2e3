// Package config loads the feedline configuration. The engine treats the
// resolved Config as a fixed contract; nothing in it changes after Load.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile  = "config.yaml"
	DefaultDataDir     = ".feedline"
	DefaultDBFile      = "feedline.db"
	DefaultTimelineID  = "home"
	DefaultHistorySize = 50
	DefaultItemLimit   = 500
)

// ErrNoSources is returned by validation when no source is configured.
var ErrNoSources = errors.New("no sources configured")

// Duration wraps time.Duration for YAML strings like "90s".
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the persistent application configuration.
type Config struct {
	Sources  []SourceConfig `yaml:"sources"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Position PositionConfig `yaml:"position"`
	Filter   FilterConfig   `yaml:"filter"`
	Sync     SyncConfig     `yaml:"sync"`
	Storage  StorageConfig  `yaml:"storage"`
	UI       UIConfig       `yaml:"ui"`

	path string
}

// SourceConfig describes one content source and its polling range.
// PollMin/PollMax differ per source so loops do not fire in lockstep.
type SourceConfig struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"` // "rss"
	URL         string   `yaml:"url"`
	PollMin     Duration `yaml:"poll_min"`
	PollMax     Duration `yaml:"poll_max"`
	MinInterval Duration `yaml:"min_interval"`
}

// RefreshConfig holds coordinator tunables.
type RefreshConfig struct {
	GracePeriod          Duration `yaml:"grace_period"`
	AutoMergeDelay       Duration `yaml:"auto_merge_delay"`
	SettleDelay          Duration `yaml:"settle_delay"`
	ForegroundMin        Duration `yaml:"foreground_min"`
	ForegroundMax        Duration `yaml:"foreground_max"`
	FetchTimeout         Duration `yaml:"fetch_timeout"`
	MaxConcurrentFetches int      `yaml:"max_concurrent_fetches"`
}

// PositionConfig holds feature toggles and restore tunables.
type PositionConfig struct {
	TimelineID       string   `yaml:"timeline_id"`
	Persistence      bool     `yaml:"persistence"`
	SmartRestoration bool     `yaml:"smart_restoration"`
	UnreadTracking   bool     `yaml:"unread_tracking"`
	FallbackStrategy string   `yaml:"fallback_strategy"`
	HistorySize      int      `yaml:"history_size"`
	TemporalWindow   Duration `yaml:"temporal_window"`
}

// FilterConfig configures the post filter applied before buffering.
type FilterConfig struct {
	Rules          []string `yaml:"rules"` // expr expressions; a post is kept only if every rule is true
	MaxAge         Duration `yaml:"max_age"`
	PerSourceLimit int      `yaml:"per_source_limit"`
}

// SyncConfig configures cross-device position mirroring.
type SyncConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Mode             string   `yaml:"mode"` // "http" or "dir"
	URL              string   `yaml:"url"`
	APIKeyEnv        string   `yaml:"api_key_env"`
	Dir              string   `yaml:"dir"`
	Interval         Duration `yaml:"interval"`
	DeviceID         string   `yaml:"device_id"`
	UploadsPerMinute int      `yaml:"uploads_per_minute"`

	// Resolved from env var at load time.
	APIKey string `yaml:"-"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// UIConfig holds presentation preferences.
type UIConfig struct {
	ItemLimit int  `yaml:"item_limit"`
	ShowBands bool `yaml:"show_bands"`
}

// DefaultConfig returns sensible defaults with two sample sources.
func DefaultConfig() *Config {
	cfg := &Config{
		Sources: []SourceConfig{
			{Name: "Hacker News", Type: "rss", URL: "https://news.ycombinator.com/rss",
				PollMin: D(45 * time.Second), PollMax: D(75 * time.Second), MinInterval: D(30 * time.Second)},
			{Name: "Lobsters", Type: "rss", URL: "https://lobste.rs/rss",
				PollMin: D(70 * time.Second), PollMax: D(130 * time.Second), MinInterval: D(60 * time.Second)},
		},
		Position: PositionConfig{
			Persistence:      true,
			SmartRestoration: true,
			UnreadTracking:   true,
		},
		UI: UIConfig{ShowBands: true},
	}
	applyDefaults(cfg)
	return cfg
}

// DataDir returns ~/.feedline.
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, DefaultDataDir)
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(DataDir(), DefaultConfigFile)
}

// Load reads the config at path (ConfigPath() when empty). A missing file
// yields DefaultConfig. Defaults are applied, env vars resolved, and the
// result validated.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			cfg.path = path
			resolveEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Decode over the defaults so omitted toggles keep their default values.
	cfg := *DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.path = path

	applyDefaults(&cfg)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config back to where it was loaded from (or ConfigPath).
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// DBPath returns the resolved SQLite path.
func (c *Config) DBPath() string {
	if c.Storage.Path != "" {
		return ExpandPath(c.Storage.Path)
	}
	return filepath.Join(DataDir(), DefaultDBFile)
}

// Source returns the named source config.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// SourceNames lists configured source names in config order.
func (c *Config) SourceNames() []string {
	names := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		names[i] = s.Name
	}
	return names
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.Type == "" {
			s.Type = "rss"
		}
		if s.PollMin.Duration <= 0 {
			s.PollMin = D(60 * time.Second)
		}
		if s.PollMax.Duration < s.PollMin.Duration {
			s.PollMax = D(s.PollMin.Duration * 2)
		}
		if s.MinInterval.Duration <= 0 {
			s.MinInterval = D(s.PollMin.Duration / 2)
		}
	}

	r := &cfg.Refresh
	if r.GracePeriod.Duration <= 0 {
		r.GracePeriod = D(3 * time.Second)
	}
	if r.AutoMergeDelay.Duration <= 0 {
		r.AutoMergeDelay = D(1500 * time.Millisecond)
	}
	if r.SettleDelay.Duration <= 0 {
		r.SettleDelay = D(300 * time.Millisecond)
	}
	if r.ForegroundMin.Duration <= 0 {
		r.ForegroundMin = D(2 * time.Minute)
	}
	if r.ForegroundMax.Duration < r.ForegroundMin.Duration {
		r.ForegroundMax = D(r.ForegroundMin.Duration + 2*time.Minute)
	}
	if r.FetchTimeout.Duration <= 0 {
		r.FetchTimeout = D(30 * time.Second)
	}
	if r.MaxConcurrentFetches <= 0 {
		r.MaxConcurrentFetches = 5
	}

	p := &cfg.Position
	if p.TimelineID == "" {
		p.TimelineID = DefaultTimelineID
	}
	if p.FallbackStrategy == "" {
		p.FallbackStrategy = "nearest_content"
	}
	if p.HistorySize <= 0 {
		p.HistorySize = DefaultHistorySize
	}
	if p.TemporalWindow.Duration <= 0 {
		p.TemporalWindow = D(time.Hour)
	}

	if cfg.Filter.MaxAge.Duration <= 0 {
		cfg.Filter.MaxAge = D(72 * time.Hour)
	}

	s := &cfg.Sync
	if s.Mode == "" {
		s.Mode = "http"
	}
	if s.Interval.Duration <= 0 {
		s.Interval = D(5 * time.Minute)
	}
	if s.UploadsPerMinute <= 0 {
		s.UploadsPerMinute = 6
	}

	if cfg.UI.ItemLimit <= 0 {
		cfg.UI.ItemLimit = DefaultItemLimit
	}
}

func resolveEnv(cfg *Config) {
	if cfg.Sync.APIKeyEnv != "" {
		cfg.Sync.APIKey = os.Getenv(cfg.Sync.APIKeyEnv)
	}
	if id := os.Getenv("FEEDLINE_DEVICE_ID"); id != "" {
		cfg.Sync.DeviceID = id
	}
}

func validate(cfg *Config) error {
	if len(cfg.Sources) == 0 {
		return ErrNoSources
	}
	seen := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if strings.TrimSpace(s.Name) == "" {
			return errors.New("source name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source %q", s.Name)
		}
		seen[s.Name] = true
		if s.URL == "" {
			return fmt.Errorf("source %q: url is required", s.Name)
		}
		if s.Type != "rss" {
			return fmt.Errorf("source %q: unsupported type %q", s.Name, s.Type)
		}
	}

	switch cfg.Position.FallbackStrategy {
	case "nearest_content", "top_of_timeline", "last_known_offset", "newest_post", "oldest_post":
	default:
		return fmt.Errorf("unknown fallback strategy %q", cfg.Position.FallbackStrategy)
	}

	if cfg.Sync.Enabled {
		switch cfg.Sync.Mode {
		case "http":
			if cfg.Sync.URL == "" {
				return errors.New("sync: url is required for http mode")
			}
		case "dir":
			if cfg.Sync.Dir == "" {
				return errors.New("sync: dir is required for dir mode")
			}
		default:
			return fmt.Errorf("sync: unknown mode %q", cfg.Sync.Mode)
		}
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
