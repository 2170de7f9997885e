// Package config loads the command-line uploader's configuration from a YAML
// file with MEDIAUPLOAD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"gopkg.in/yaml.v3"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MEDIAUPLOAD_"

// DefaultCookieName is the backend's login session cookie.
const DefaultCookieName = "session"

// Duration is a time.Duration read from a YAML string such as "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the uploader configuration file.
type Config struct {
	Backend       string        `yaml:"backend"`
	SessionCookie string        `yaml:"session_cookie"`
	CookieName    string        `yaml:"cookie_name"`
	MetricsListen string        `yaml:"metrics_listen"` // e.g. ":9090"; empty disables
	Upload        UploadConfig  `yaml:"upload"`
	Storage       StorageConfig `yaml:"storage"`
	Log           LogConfig     `yaml:"log"`
}

// UploadConfig tunes sessions and transfers. Zero values take the library
// defaults.
type UploadConfig struct {
	ChunkThreshold         int64    `yaml:"chunk_threshold"`
	ChunkSize              int64    `yaml:"chunk_size"`
	PartConcurrency        int      `yaml:"part_concurrency"`
	MaxConcurrentFiles     int      `yaml:"max_concurrent_files"`
	MaxPartRetries         int      `yaml:"max_part_retries"`
	MaxCredentialRefreshes *int     `yaml:"max_credential_refreshes"`
	RetryBaseDelay         Duration `yaml:"retry_base_delay"`
	RefreshBuffer          Duration `yaml:"refresh_buffer"`
	CredentialDuration     Duration `yaml:"credential_duration"`
	RequestTimeout         Duration `yaml:"request_timeout"`
	EventBuffer            int      `yaml:"event_buffer"`
	ServerValidation       bool     `yaml:"server_validation"`
}

// StorageConfig overrides how the object store is reached.
type StorageConfig struct {
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// LogConfig selects the log level and format ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		CookieName: DefaultCookieName,
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path from fs, applies defaults and then the
// environment overrides returned by lookup (os.LookupEnv in production). An
// empty path skips the file.
func Load(fs billy.Filesystem, path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := util.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BACKEND":          &c.Backend,
		"SESSION_COOKIE":   &c.SessionCookie,
		"COOKIE_NAME":      &c.CookieName,
		"METRICS_LISTEN":   &c.MetricsListen,
		"STORAGE_ENDPOINT": &c.Storage.Endpoint,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FORMAT":       &c.Log.Format,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PART_CONCURRENCY":     &c.Upload.PartConcurrency,
		"MAX_CONCURRENT_FILES": &c.Upload.MaxConcurrentFiles,
		"MAX_PART_RETRIES":     &c.Upload.MaxPartRetries,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "CHUNK_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sCHUNK_SIZE: %w", EnvPrefix, err)
		}
		c.Upload.ChunkSize = n
	}
	if v, ok := lookup(EnvPrefix + "SERVER_VALIDATION"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSERVER_VALIDATION: %w", EnvPrefix, err)
		}
		c.Upload.ServerValidation = b
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Backend == "" {
		return errors.New("backend is required")
	}
	u, err := url.Parse(c.Backend)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend %q must be an http(s) URL", c.Backend)
	}
	if c.Upload.ChunkSize < 0 || c.Upload.ChunkThreshold < 0 {
		return errors.New("upload sizes must not be negative")
	}
	if c.Upload.MaxConcurrentFiles < 0 || c.Upload.PartConcurrency < 0 || c.Upload.MaxPartRetries < 0 {
		return errors.New("upload limits must not be negative")
	}
	if r := c.Upload.MaxCredentialRefreshes; r != nil && *r < 0 {
		return errors.New("max_credential_refreshes must not be negative")
	}
	if _, err := c.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// Apply copies the configured values onto cc, leaving library defaults in
// place for fields that are unset.
func (c *Config) Apply(cc *uploadtypes.ClientConfig) {
	u := c.Upload
	if u.ChunkThreshold > 0 {
		cc.ChunkThreshold = u.ChunkThreshold
	}
	if u.ChunkSize > 0 {
		cc.ChunkSize = u.ChunkSize
	}
	if u.PartConcurrency > 0 {
		cc.PartConcurrency = u.PartConcurrency
	}
	if u.MaxConcurrentFiles > 0 {
		cc.MaxConcurrentFiles = u.MaxConcurrentFiles
	}
	if u.MaxPartRetries > 0 {
		cc.MaxPartRetries = u.MaxPartRetries
	}
	if u.MaxCredentialRefreshes != nil {
		cc.MaxCredentialRefreshes = *u.MaxCredentialRefreshes
	}
	if u.RetryBaseDelay > 0 {
		cc.RetryBaseDelay = time.Duration(u.RetryBaseDelay)
	}
	if u.RefreshBuffer > 0 {
		cc.RefreshBuffer = time.Duration(u.RefreshBuffer)
	}
	if u.CredentialDuration > 0 {
		cc.CredentialDuration = time.Duration(u.CredentialDuration)
	}
	if u.RequestTimeout > 0 {
		cc.RequestTimeout = time.Duration(u.RequestTimeout)
	}
	if u.EventBuffer > 0 {
		cc.EventBuffer = u.EventBuffer
	}
	cc.ServerValidation = cc.ServerValidation || u.ServerValidation

	if c.Storage.Endpoint != "" {
		cc.StorageEndpoint = c.Storage.Endpoint
	}
	cc.ForcePathStyle = cc.ForcePathStyle || c.Storage.ForcePathStyle

	if c.SessionCookie != "" {
		cc.SessionCookie = &http.Cookie{Name: c.CookieName, Value: c.SessionCookie}
	}
}

// Option returns Apply as an uploader option.
func (c *Config) Option() uploadtypes.Option {
	return c.Apply
}

// Logger builds the configured logger writing to w.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func (c *Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
