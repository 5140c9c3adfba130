// Package config loads callmon settings from a TOML file with CALLMON_*
// environment overrides.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/vango-go/callmon/pkg/monitor/sampler"
	"github.com/vango-go/callmon/pkg/monitor/session"
	"github.com/vango-go/callmon/pkg/monitor/store"
)

//go:embed sample_config.toml
var sampleConfig string

const defaultConfigPath = "~/.config/callmon/config.toml"

// Session contains channel and serialization settings.
type Session struct {
	HandshakeTimeoutMS int `toml:"handshake_timeout_ms"`
	WriteTimeoutMS     int `toml:"write_timeout_ms"`
	ReadTimeoutMS      int `toml:"read_timeout_ms"`
	PingIntervalMS     int `toml:"ping_interval_ms"`
	OutboxSize         int `toml:"outbox_size"`
	QueueSize          int `toml:"queue_size"`
}

// Sampling contains frame capture settings.
type Sampling struct {
	IntervalMS       int `toml:"interval_ms"`
	CaptureTimeoutMS int `toml:"capture_timeout_ms"`
	MaxConcurrent    int `toml:"max_concurrent"`
}

// Retry contains the reconnect policy. max_retries = 0 retries forever.
type Retry struct {
	Strategy   string `toml:"strategy"`
	DelayMS    int    `toml:"delay_ms"`
	MaxDelayMS int    `toml:"max_delay_ms"`
	JitterMS   int    `toml:"jitter_ms"`
	MaxRetries int    `toml:"max_retries"`
}

// Store contains participant reconciliation limits.
type Store struct {
	PendingPerParticipant int `toml:"pending_per_participant"`
	PendingParticipants   int `toml:"pending_participants"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config is the full callmon configuration.
type Config struct {
	BackendURL string `toml:"backend_url"`
	UserID     string `toml:"user_id"`
	Token      string `toml:"token"`
	LockDir    string `toml:"lock_dir"`

	Session  Session  `toml:"session"`
	Sampling Sampling `toml:"sampling"`
	Retry    Retry    `toml:"retry"`
	Store    Store    `toml:"store"`
	Logging  Logging  `toml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BackendURL: "ws://localhost:8000",
		LockDir:    defaultLockDir(),
		Session: Session{
			HandshakeTimeoutMS: 10_000,
			WriteTimeoutMS:     5_000,
			ReadTimeoutMS:      60_000,
			PingIntervalMS:     20_000,
			OutboxSize:         256,
			QueueSize:          256,
		},
		Sampling: Sampling{
			IntervalMS:       int(sampler.DefaultInterval / time.Millisecond),
			CaptureTimeoutMS: int(sampler.DefaultCaptureTimeout / time.Millisecond),
			MaxConcurrent:    sampler.DefaultMaxConcurrent,
		},
		Retry: Retry{
			Strategy: session.StrategyConstant,
			DelayMS:  int(session.DefaultRetryDelay / time.Millisecond),
		},
		Store: Store{
			PendingPerParticipant: store.DefaultPendingPerParticipant,
			PendingParticipants:   store.DefaultPendingParticipants,
		},
		Logging: Logging{Format: "auto", Level: "info"},
	}
}

// DefaultConfigPath returns the per-user config location.
func DefaultConfigPath() (string, error) {
	return ExpandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file, then applies
// environment overrides. A missing file is not an error; the returned bool
// reports whether one was read.
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

		if err := Decode(file, &cfg); err != nil {
			return nil, "", false, err
		}
	}

	cfg.applyEnv()
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

// Decode reads TOML into cfg, rejecting unknown keys.
func Decode(r io.Reader, cfg *Config) error {
	decoder := toml.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("parse config: %s", strict.String())
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Encode writes cfg as TOML.
func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Token != "" {
		c.Token = "REDACTED"
	}
	return c
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = defaultConfigPath
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %q is a directory", expanded)
	}
	return expanded, true, nil
}

func (c *Config) normalize() error {
	c.BackendURL = strings.TrimRight(strings.TrimSpace(c.BackendURL), "/")
	c.UserID = strings.TrimSpace(c.UserID)
	c.Token = strings.TrimSpace(c.Token)
	c.Retry.Strategy = strings.ToLower(strings.TrimSpace(c.Retry.Strategy))
	if c.Retry.Strategy == "" {
		c.Retry.Strategy = session.StrategyConstant
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	var err error
	if c.LockDir, err = ExpandPath(c.LockDir); err != nil {
		return fmt.Errorf("lock_dir: %w", err)
	}
	return nil
}

// ExpandPath resolves a leading ~ and returns an absolute path.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

func defaultLockDir() string {
	if base, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "callmon")
	}
	return filepath.Join(os.TempDir(), "callmon")
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// SessionConfig maps the file settings onto the session package.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		BackendURL:       c.BackendURL,
		HandshakeTimeout: ms(c.Session.HandshakeTimeoutMS),
		WriteTimeout:     ms(c.Session.WriteTimeoutMS),
		ReadTimeout:      ms(c.Session.ReadTimeoutMS),
		PingInterval:     ms(c.Session.PingIntervalMS),
		OutboxSize:       c.Session.OutboxSize,
		Retry:            c.RetryPolicy(),
	}
}

func (c Config) RetryPolicy() session.RetryPolicy {
	return session.RetryPolicy{
		Strategy:   c.Retry.Strategy,
		Delay:      ms(c.Retry.DelayMS),
		MaxDelay:   ms(c.Retry.MaxDelayMS),
		Jitter:     ms(c.Retry.JitterMS),
		MaxRetries: uint64(max(c.Retry.MaxRetries, 0)),
	}
}

func (c Config) SamplerConfig() sampler.Config {
	return sampler.Config{
		Interval:       ms(c.Sampling.IntervalMS),
		CaptureTimeout: ms(c.Sampling.CaptureTimeoutMS),
		MaxConcurrent:  int64(c.Sampling.MaxConcurrent),
	}
}

func (c Config) StoreOptions() store.Options {
	return store.Options{
		PendingPerParticipant: c.Store.PendingPerParticipant,
		PendingParticipants:   c.Store.PendingParticipants,
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
