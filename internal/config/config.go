// Package config loads vrs settings from TOML files and the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	defaultSuite          = "Others"
	defaultPollAttempts   = 5
	defaultPollInterval   = 700 * time.Millisecond
	defaultRequestTimeout = 30 * time.Second
	defaultRetryMaxTries  = 1
	defaultLogLevel       = "info"

	// EnvPrefix prefixes every environment variable read by Load.
	EnvPrefix = "VRS_"
)

// Config stores runtime settings.
type Config struct {
	URL            string
	APIKey         string
	App            string
	Branch         string
	Suite          string
	PollAttempts   int
	PollInterval   time.Duration
	RequestTimeout time.Duration
	RetryMaxTries  int
	EnvPostfix     string
	LogLevel       string
	JournalPath    string
	OTel           OTelConfig
}

// OTelConfig stores the trace exporter target.
type OTelConfig struct {
	Endpoint string
}

type fileConfig struct {
	URL            *string     `toml:"url"`
	APIKey         *string     `toml:"api_key"`
	App            *string     `toml:"app"`
	Branch         *string     `toml:"branch"`
	Suite          *string     `toml:"suite"`
	PollAttempts   *int        `toml:"poll_attempts"`
	PollInterval   *string     `toml:"poll_interval"`
	RequestTimeout *string     `toml:"request_timeout"`
	RetryMaxTries  *int        `toml:"retry_max_tries"`
	EnvPostfix     *string     `toml:"env_postfix"`
	LogLevel       *string     `toml:"log_level"`
	JournalPath    *string     `toml:"journal_path"`
	OTel           *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// envConfig mirrors fileConfig for VRS_* variables; zero values mean unset.
type envConfig struct {
	URL            string        `env:"URL"`
	APIKey         string        `env:"API_KEY"`
	App            string        `env:"APP"`
	Branch         string        `env:"BRANCH"`
	Suite          string        `env:"SUITE"`
	PollAttempts   int           `env:"POLL_ATTEMPTS"`
	PollInterval   time.Duration `env:"POLL_INTERVAL"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT"`
	RetryMaxTries  int           `env:"RETRY_MAX_TRIES"`
	EnvPostfix     string        `env:"ENV_POSTFIX"`
	LogLevel       string        `env:"LOG_LEVEL"`
	JournalPath    string        `env:"JOURNAL_PATH"`
	OTelEndpoint   string        `env:"OTEL_ENDPOINT"`
}

// legacyEnv holds unprefixed variables honoured for existing CI setups.
type legacyEnv struct {
	EnvPostfix string `env:"ENV_POSTFIX"`
}

// Dir returns the per-user vrs directory.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".vrs"), nil
}

// Load reads ~/.vrs/config.toml, overlays a project-local .vrs/config.toml
// and then VRS_* environment variables.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".vrs", "config.toml"),
		filepath.Join(workingDir, ".vrs", "config.toml"),
	}

	_ = ctx
	return load(homeDir, paths, env.ToMap(os.Environ()))
}

func load(homeDir string, paths []string, environ map[string]string) (*Config, error) {
	cfg := defaults(homeDir)
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := overlayFromEnv(&cfg, environ); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults(homeDir string) Config {
	cfg := Config{
		Suite:          defaultSuite,
		PollAttempts:   defaultPollAttempts,
		PollInterval:   defaultPollInterval,
		RequestTimeout: defaultRequestTimeout,
		RetryMaxTries:  defaultRetryMaxTries,
		LogLevel:       defaultLogLevel,
	}
	if homeDir != "" {
		cfg.JournalPath = filepath.Join(homeDir, ".vrs", "journal.db")
	}
	return cfg
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("decode config file %q: unsupported keys: %s", path, strings.Join(keys, ", "))
	}

	applyStringOverrides(cfg, decoded)
	if err := applyNumericOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return applyDurationOverrides(cfg, decoded, path)
}

func applyStringOverrides(cfg *Config, decoded fileConfig) {
	set := func(target *string, value *string) {
		if value != nil {
			*target = strings.TrimSpace(*value)
		}
	}
	set(&cfg.URL, decoded.URL)
	set(&cfg.APIKey, decoded.APIKey)
	set(&cfg.App, decoded.App)
	set(&cfg.Branch, decoded.Branch)
	set(&cfg.Suite, decoded.Suite)
	set(&cfg.EnvPostfix, decoded.EnvPostfix)
	set(&cfg.LogLevel, decoded.LogLevel)
	set(&cfg.JournalPath, decoded.JournalPath)
	if decoded.OTel != nil {
		set(&cfg.OTel.Endpoint, decoded.OTel.Endpoint)
	}
}

func applyNumericOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.PollAttempts != nil {
		if *decoded.PollAttempts <= 0 {
			return fmt.Errorf("parse poll_attempts in %q: must be > 0", path)
		}
		cfg.PollAttempts = *decoded.PollAttempts
	}
	if decoded.RetryMaxTries != nil {
		if *decoded.RetryMaxTries <= 0 {
			return fmt.Errorf("parse retry_max_tries in %q: must be > 0", path)
		}
		cfg.RetryMaxTries = *decoded.RetryMaxTries
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.PollInterval != nil {
		value, err := parseDuration(*decoded.PollInterval, "poll_interval", path)
		if err != nil {
			return err
		}
		cfg.PollInterval = value
	}
	if decoded.RequestTimeout != nil {
		value, err := parseDuration(*decoded.RequestTimeout, "request_timeout", path)
		if err != nil {
			return err
		}
		cfg.RequestTimeout = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func overlayFromEnv(cfg *Config, environ map[string]string) error {
	var legacy legacyEnv
	if err := env.ParseWithOptions(&legacy, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if value := strings.TrimSpace(legacy.EnvPostfix); value != "" {
		cfg.EnvPostfix = value
	}

	var raw envConfig
	if err := env.ParseWithOptions(&raw, env.Options{Environment: environ, Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	for target, value := range map[*string]string{
		&cfg.URL:           raw.URL,
		&cfg.APIKey:        raw.APIKey,
		&cfg.App:           raw.App,
		&cfg.Branch:        raw.Branch,
		&cfg.Suite:         raw.Suite,
		&cfg.EnvPostfix:    raw.EnvPostfix,
		&cfg.LogLevel:      raw.LogLevel,
		&cfg.JournalPath:   raw.JournalPath,
		&cfg.OTel.Endpoint: raw.OTelEndpoint,
	} {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			*target = trimmed
		}
	}
	if raw.PollAttempts != 0 {
		cfg.PollAttempts = raw.PollAttempts
	}
	if raw.PollInterval != 0 {
		cfg.PollInterval = raw.PollInterval
	}
	if raw.RequestTimeout != 0 {
		cfg.RequestTimeout = raw.RequestTimeout
	}
	if raw.RetryMaxTries != 0 {
		cfg.RetryMaxTries = raw.RetryMaxTries
	}
	return nil
}

// Validate reports settings that can never work.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	switch {
	case c.PollAttempts <= 0:
		return fmt.Errorf("poll_attempts must be > 0, got %d", c.PollAttempts)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll_interval must be > 0, got %s", c.PollInterval)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request_timeout must be > 0, got %s", c.RequestTimeout)
	case c.RetryMaxTries <= 0:
		return fmt.Errorf("retry_max_tries must be > 0, got %d", c.RetryMaxTries)
	}
	return nil
}

// RequireService fails unless the service URL and API key are set.
func (c *Config) RequireService() error {
	var missing []string
	if strings.TrimSpace(c.URL) == "" {
		missing = append(missing, "url")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, "api_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing service settings: %s (set them in .vrs/config.toml or %sURL / %sAPI_KEY)",
			strings.Join(missing, ", "), EnvPrefix, EnvPrefix)
	}
	return nil
}
