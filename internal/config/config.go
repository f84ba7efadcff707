// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported row-source drivers.
var knownDrivers = map[string]bool{"sqlite3": true, "duckdb": true}

// DatabaseConfig declares a named database jobs can target.
type DatabaseConfig struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"` // sqlite3 (default) or duckdb
	Path   string `yaml:"path"`
}

// EnrichmentConfig declares a script-driven enrichment.
type EnrichmentConfig struct {
	Slug   string `yaml:"slug"`
	Script string `yaml:"script"` // path to a .star file, relative to the config file
}

// ScheduleConfig declares a cron-triggered enqueue.
type ScheduleConfig struct {
	Name       string         `yaml:"name"`
	Cron       string         `yaml:"cron"`
	Database   string         `yaml:"database"`
	Table      string         `yaml:"table"`
	Filter     string         `yaml:"filter"`
	Enrichment string         `yaml:"enrichment"`
	Config     map[string]any `yaml:"config"`
	Actor      string         `yaml:"actor"`
	MaxErrors  int            `yaml:"max_errors"`
}

// FileConfig is the YAML document referenced by ENRICH_CONFIG_FILE.
type FileConfig struct {
	Databases   []DatabaseConfig   `yaml:"databases"`
	Enrichments []EnrichmentConfig `yaml:"enrichments"`
	Schedules   []ScheduleConfig   `yaml:"schedules"`
}

// Config holds the configuration for the job store, runners and CLI.
type Config struct {
	StorePath  string // path to the SQLite job store (default "enrichd.sqlite")
	LogLevel   string // log level: debug, info, warn, error (default "info")
	LogFile    string // optional JSON log file, fanned out alongside stderr
	ConfigFile string // optional YAML file with databases, enrichments and schedules

	// Runner tuning
	BatchSize         int     // rows per batch when a processor has no preference (default 100)
	MaxConcurrentJobs int     // runners per process, 0 = unbounded (default 4)
	BatchesPerSecond  float64 // per-job batch throttle, 0 = unthrottled
	FetchAttempts     int     // page fetch attempts before pausing a job (default 3)

	PollInterval  time.Duration // completion poll interval (default 1s)
	ClaimInterval time.Duration // serve: interval between pending-job claims (default 2s)

	FileConfig

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads dotEnvPath and the environment, applies overrides (command-line
// flags), then reads the optional YAML file and validates the result.
func Load(dotEnvPath string, overrides ...func(*Config)) (*Config, error) {
	if err := LoadDotEnv(dotEnvPath); err != nil {
		return nil, err
	}
	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	if cfg.ConfigFile != "" {
		fc, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.FileConfig = *fc
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		StorePath:  os.Getenv("ENRICH_STORE_PATH"),
		LogLevel:   os.Getenv("ENRICH_LOG_LEVEL"),
		LogFile:    os.Getenv("ENRICH_LOG_FILE"),
		ConfigFile: os.Getenv("ENRICH_CONFIG_FILE"),
	}

	cfg.BatchSize = cfg.intEnv("ENRICH_BATCH_SIZE", 100)
	cfg.MaxConcurrentJobs = cfg.intEnv("ENRICH_MAX_CONCURRENT_JOBS", 4)
	cfg.FetchAttempts = cfg.intEnv("ENRICH_FETCH_ATTEMPTS", 3)
	cfg.PollInterval = cfg.durationEnv("ENRICH_POLL_INTERVAL", time.Second)
	cfg.ClaimInterval = cfg.durationEnv("ENRICH_CLAIM_INTERVAL", 2*time.Second)
	if v := os.Getenv("ENRICH_BATCHES_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring invalid ENRICH_BATCHES_PER_SECOND %q", v))
		} else {
			cfg.BatchesPerSecond = f
		}
	}

	// Defaults
	if cfg.StorePath == "" {
		cfg.StorePath = "enrichd.sqlite"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("ENRICH_BATCH_SIZE must be positive")
	}
	if cfg.MaxConcurrentJobs == 0 {
		cfg.Warnings = append(cfg.Warnings, "ENRICH_MAX_CONCURRENT_JOBS=0: runner concurrency is unbounded")
	}
	if cfg.MaxConcurrentJobs < 0 {
		return nil, fmt.Errorf("ENRICH_MAX_CONCURRENT_JOBS must not be negative")
	}
	if cfg.FetchAttempts <= 0 {
		return nil, fmt.Errorf("ENRICH_FETCH_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func (c *Config) intEnv(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring invalid %s %q", key, v))
		return defaultVal
	}
	return n
}

func (c *Config) durationEnv(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring invalid %s %q", key, v))
		return defaultVal
	}
	return d
}

// LoadFile parses the YAML config file at path. Relative database and
// script paths are resolved against the file's directory.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i := range fc.Databases {
		if fc.Databases[i].Driver == "" {
			fc.Databases[i].Driver = "sqlite3"
		}
		fc.Databases[i].Path = resolvePath(dir, fc.Databases[i].Path)
	}
	for i := range fc.Enrichments {
		fc.Enrichments[i].Script = resolvePath(dir, fc.Enrichments[i].Script)
	}
	return &fc, nil
}

func resolvePath(dir, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Validate checks that the declared databases, enrichments and schedules
// are internally consistent.
func (c *Config) Validate() error {
	var errs []error

	dbs := make(map[string]bool, len(c.Databases))
	for _, d := range c.Databases {
		switch {
		case d.Name == "":
			errs = append(errs, errors.New("database name is required"))
		case dbs[d.Name]:
			errs = append(errs, fmt.Errorf("duplicate database %q", d.Name))
		case !knownDrivers[d.Driver]:
			errs = append(errs, fmt.Errorf("database %q: unknown driver %q", d.Name, d.Driver))
		case d.Path == "":
			errs = append(errs, fmt.Errorf("database %q: path is required", d.Name))
		}
		dbs[d.Name] = true
	}

	slugs := make(map[string]bool, len(c.Enrichments))
	for _, e := range c.Enrichments {
		switch {
		case e.Slug == "":
			errs = append(errs, errors.New("enrichment slug is required"))
		case slugs[e.Slug]:
			errs = append(errs, fmt.Errorf("duplicate enrichment %q", e.Slug))
		case e.Script == "":
			errs = append(errs, fmt.Errorf("enrichment %q: script is required", e.Slug))
		}
		slugs[e.Slug] = true
	}

	names := make(map[string]bool, len(c.Schedules))
	for _, s := range c.Schedules {
		switch {
		case s.Name == "":
			errs = append(errs, errors.New("schedule name is required"))
		case names[s.Name]:
			errs = append(errs, fmt.Errorf("duplicate schedule %q", s.Name))
		case s.Cron == "":
			errs = append(errs, fmt.Errorf("schedule %q: cron is required", s.Name))
		case !dbs[s.Database]:
			errs = append(errs, fmt.Errorf("schedule %q: unknown database %q", s.Name, s.Database))
		case s.Table == "" || s.Enrichment == "":
			errs = append(errs, fmt.Errorf("schedule %q: table and enrichment are required", s.Name))
		case s.MaxErrors < 0:
			errs = append(errs, fmt.Errorf("schedule %q: max_errors must not be negative", s.Name))
		}
		names[s.Name] = true
	}

	return errors.Join(errs...)
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
