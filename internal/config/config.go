// Package config loads sparksync settings from ~/.sparksync/config.toml
// and SPARKSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/sparkchat/sparksync/internal/merge"
)

// EnvPrefix prefixes every environment override, e.g. SPARKSYNC_URL or
// SPARKSYNC_RETRY_ATTEMPTS.
const EnvPrefix = "SPARKSYNC"

// Config is the full sparksync configuration.
type Config struct {
	URL         string `mapstructure:"url"`
	APIKey      string `mapstructure:"api_key"`
	RestPath    string `mapstructure:"rest_path"`
	RealtimeURL string `mapstructure:"realtime_url"`

	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
	UserID    string `mapstructure:"user_id"`

	DBPath string `mapstructure:"db_path"`

	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`

	Retry     RetryConfig     `mapstructure:"retry"`
	Merge     MergeConfig     `mapstructure:"merge"`
	Log       LogConfig       `mapstructure:"log"`
	Devserver DevserverConfig `mapstructure:"devserver"`
}

// RetryConfig bounds user-synchronous deletes.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// MergeConfig names the conflict rule per field: "remote" or "local".
type MergeConfig struct {
	TitlePolicy   string `mapstructure:"title_policy"`
	ContentPolicy string `mapstructure:"content_policy"`
}

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Quiet      bool   `mapstructure:"quiet"`
}

// DevserverConfig configures `sparksync devserver`.
type DevserverConfig struct {
	Port      int    `mapstructure:"port"`
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`
	JWTSecret string `mapstructure:"jwt_secret"`
	APIKey    string `mapstructure:"api_key"`
}

// Dir returns ~/.sparksync.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".sparksync"), nil
}

// DefaultPath returns ~/.sparksync/config.toml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	dbPath := "spark.db"
	if dir, err := Dir(); err == nil {
		dbPath = filepath.Join(dir, "spark.db")
	}
	return &Config{
		RestPath:       "/rest/v1",
		DBPath:         dbPath,
		PollInterval:   5 * time.Second,
		RequestTimeout: 30 * time.Second,
		RateLimit:      10,
		RateBurst:      20,
		Retry: RetryConfig{
			Attempts: 3,
			Delay:    time.Second,
		},
		Merge: MergeConfig{
			TitlePolicy:   "remote",
			ContentPolicy: "local",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Devserver: DevserverConfig{
			Port:   54321,
			Driver: "sqlite",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("url", d.URL)
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("rest_path", d.RestPath)
	v.SetDefault("realtime_url", "")
	v.SetDefault("token", "")
	v.SetDefault("token_file", "")
	v.SetDefault("user_id", "")
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("rate_limit", d.RateLimit)
	v.SetDefault("rate_burst", d.RateBurst)
	v.SetDefault("retry.attempts", d.Retry.Attempts)
	v.SetDefault("retry.delay", d.Retry.Delay)
	v.SetDefault("merge.title_policy", d.Merge.TitlePolicy)
	v.SetDefault("merge.content_policy", d.Merge.ContentPolicy)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.quiet", false)
	v.SetDefault("devserver.port", d.Devserver.Port)
	v.SetDefault("devserver.driver", d.Devserver.Driver)
	v.SetDefault("devserver.dsn", "")
	v.SetDefault("devserver.jwt_secret", "")
	v.SetDefault("devserver.api_key", "")
}

// Load reads path (or the default path when empty) and applies
// environment overrides. A missing file is not an error; the defaults and
// environment are used instead.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.TokenFile = expandHome(cfg.TokenFile)
	cfg.Log.File = expandHome(cfg.Log.File)

	if cfg.RealtimeURL == "" && cfg.URL != "" {
		rt, err := RealtimeURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		cfg.RealtimeURL = rt
	}
	return cfg, nil
}

// RealtimeURL derives the realtime websocket endpoint from a project URL:
// https://host becomes wss://host/realtime/v1/websocket.
func RealtimeURL(projectURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(projectURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", projectURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid url %q: scheme must be http or https", projectURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	u.RawQuery = ""
	return u.String(), nil
}

// MergePolicy returns the configured conflict policy.
func (c *Config) MergePolicy() (merge.Policy, error) {
	title, err := merge.ParseRule(c.Merge.TitlePolicy)
	if err != nil {
		return merge.Policy{}, fmt.Errorf("merge.title_policy: %w", err)
	}
	content, err := merge.ParseRule(c.Merge.ContentPolicy)
	if err != nil {
		return merge.Policy{}, fmt.Errorf("merge.content_policy: %w", err)
	}
	return merge.Policy{Title: title, Content: content}, nil
}

// Validate checks the settings needed to sync. Devserver and token
// commands do not call it.
func (c *Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	} else if _, err := RealtimeURL(c.URL); err != nil {
		errs = append(errs, err)
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %v", c.RequestTimeout))
	}
	if c.RateBurst < 1 && c.RateLimit > 0 {
		errs = append(errs, fmt.Errorf("rate_burst must be at least 1, got %d", c.RateBurst))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, fmt.Errorf("retry.delay must not be negative, got %v", c.Retry.Delay))
	}
	if _, err := c.MergePolicy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && rest[0] != '/' && rest[0] != filepath.Separator) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	fmt.Fprintln(file, "# sparksync configuration")
	fmt.Fprintln(file, "#")
	fmt.Fprintln(file, "# Every key can be overridden with SPARKSYNC_<KEY>, dots replaced by")
	fmt.Fprintln(file, "# underscores (SPARKSYNC_RETRY_ATTEMPTS=5). Durations use Go syntax.")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(document(Default())); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// document is the on-disk shape of Config, with durations as strings.
func document(c *Config) map[string]any {
	return map[string]any{
		"url":             c.URL,
		"api_key":         c.APIKey,
		"rest_path":       c.RestPath,
		"realtime_url":    c.RealtimeURL,
		"token_file":      c.TokenFile,
		"user_id":         c.UserID,
		"db_path":         c.DBPath,
		"poll_interval":   c.PollInterval.String(),
		"request_timeout": c.RequestTimeout.String(),
		"rate_limit":      c.RateLimit,
		"rate_burst":      c.RateBurst,
		"retry": map[string]any{
			"attempts": c.Retry.Attempts,
			"delay":    c.Retry.Delay.String(),
		},
		"merge": map[string]any{
			"title_policy":   c.Merge.TitlePolicy,
			"content_policy": c.Merge.ContentPolicy,
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"quiet":        c.Log.Quiet,
		},
		"devserver": map[string]any{
			"port":       c.Devserver.Port,
			"driver":     c.Devserver.Driver,
			"dsn":        c.Devserver.DSN,
			"jwt_secret": c.Devserver.JWTSecret,
			"api_key":    c.Devserver.APIKey,
		},
	}
}
