package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for doclist-sync. It is read-only after
// Load returns.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Feed   FeedConfig   `yaml:"feed"`
	View   ViewConfig   `yaml:"view"`
	Cursor CursorConfig `yaml:"cursor"`
	Log    LogConfig    `yaml:"log"`
	Debug  DebugConfig  `yaml:"debug"`
}

type ServerConfig struct {
	BaseURL        string   `yaml:"base_url"`
	Token          string   `yaml:"-"` // env-only
	RequestTimeout Duration `yaml:"request_timeout"`
}

// FeedConfig tunes the change feed consumer and its hydration pipeline.
type FeedConfig struct {
	BaseDelay          Duration `yaml:"base_delay"`
	MaxDelay           Duration `yaml:"max_delay"`
	Jitter             float64  `yaml:"jitter"`
	HydrateConcurrency int      `yaml:"hydrate_concurrency"`
	// HydrateRate is row fetches per second; zero disables pacing.
	HydrateRate     float64  `yaml:"hydrate_rate"`
	HydrateBurst    int      `yaml:"hydrate_burst"`
	RefreshDebounce Duration `yaml:"refresh_debounce"`
	ArchiveDelay    Duration `yaml:"archive_delay"`
}

type ViewConfig struct {
	Workspace  string `yaml:"workspace"`
	PerPage    int    `yaml:"per_page"`
	Sort       string `yaml:"sort"`
	FilterFile string `yaml:"filter_file"`
	Query      string `yaml:"query"`
}

type CursorConfig struct {
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DebugConfig struct {
	Listen string `yaml:"listen"`
}

// Duration is a time.Duration that reads from YAML strings like "750ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

const defaultConfigPath = "doclist.yaml"

// Load reads configuration with precedence defaults, then the YAML file at
// path (or DOCLIST_CONFIG_PATH), then DOCLIST_* env vars. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := newDefaults()
	if strings.TrimSpace(path) == "" {
		path = getEnv("DOCLIST_CONFIG_PATH", defaultConfigPath)
	}
	if err := loadYAMLFile(cfg, path); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile is Load with a file that must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:        "http://127.0.0.1:8080",
			RequestTimeout: Duration(15 * time.Second),
		},
		Feed: FeedConfig{
			BaseDelay:          Duration(500 * time.Millisecond),
			MaxDelay:           Duration(30 * time.Second),
			Jitter:             0.15,
			HydrateConcurrency: 4,
			RefreshDebounce:    Duration(time.Second),
			ArchiveDelay:       Duration(5 * time.Second),
		},
		View: ViewConfig{
			PerPage: 50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies non-empty DOCLIST_* variables. Unparseable
// numbers and durations are ignored.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCLIST_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("DOCLIST_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	envDuration("DOCLIST_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)

	envDuration("DOCLIST_FEED_BASE_DELAY", &cfg.Feed.BaseDelay)
	envDuration("DOCLIST_FEED_MAX_DELAY", &cfg.Feed.MaxDelay)
	if v := os.Getenv("DOCLIST_FEED_JITTER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Feed.Jitter = f
		}
	}
	envInt("DOCLIST_HYDRATE_CONCURRENCY", &cfg.Feed.HydrateConcurrency)
	if v := os.Getenv("DOCLIST_HYDRATE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Feed.HydrateRate = f
		}
	}
	envInt("DOCLIST_HYDRATE_BURST", &cfg.Feed.HydrateBurst)
	envDuration("DOCLIST_REFRESH_DEBOUNCE", &cfg.Feed.RefreshDebounce)
	envDuration("DOCLIST_ARCHIVE_DELAY", &cfg.Feed.ArchiveDelay)

	if v := os.Getenv("DOCLIST_WORKSPACE"); v != "" {
		cfg.View.Workspace = v
	}
	envInt("DOCLIST_PER_PAGE", &cfg.View.PerPage)
	if v := os.Getenv("DOCLIST_SORT"); v != "" {
		cfg.View.Sort = v
	}
	if v := os.Getenv("DOCLIST_FILTER_FILE"); v != "" {
		cfg.View.FilterFile = v
	}
	if v := os.Getenv("DOCLIST_QUERY"); v != "" {
		cfg.View.Query = v
	}

	if v := os.Getenv("DOCLIST_CURSOR_DSN"); v != "" {
		cfg.Cursor.DSN = v
	}
	if v := os.Getenv("DOCLIST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DOCLIST_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("DOCLIST_DEBUG_LISTEN"); v != "" {
		cfg.Debug.Listen = v
	}
}

// Validate checks the values the engine cannot default on its own.
func (c *Config) Validate() error {
	base, err := url.Parse(strings.TrimSpace(c.Server.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("server.base_url must be an absolute URL, got %q", c.Server.BaseURL)
	}
	if c.Feed.Jitter < 0 || c.Feed.Jitter >= 1 {
		return errors.New("feed.jitter must be in [0, 1)")
	}
	if c.Feed.MaxDelay > 0 && c.Feed.BaseDelay > c.Feed.MaxDelay {
		return errors.New("feed.base_delay must not exceed feed.max_delay")
	}
	if c.Feed.HydrateConcurrency < 0 || c.Feed.HydrateRate < 0 || c.View.PerPage < 0 {
		return errors.New("feed and view limits must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func envDuration(key string, target *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = Duration(d)
		}
	}
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
