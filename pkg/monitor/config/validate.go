package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	if err := c.validateSampling(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateBackend() error {
	if c.BackendURL == "" {
		return errors.New("backend_url must not be empty")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return fmt.Errorf("backend_url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("backend_url scheme must be ws, wss, http, or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("backend_url must include a host")
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.Session.HandshakeTimeoutMS <= 0 {
		return errors.New("session.handshake_timeout_ms must be > 0")
	}
	if c.Session.WriteTimeoutMS <= 0 {
		return errors.New("session.write_timeout_ms must be > 0")
	}
	if c.Session.PingIntervalMS <= 0 {
		return errors.New("session.ping_interval_ms must be > 0")
	}
	if c.Session.ReadTimeoutMS < 0 {
		return errors.New("session.read_timeout_ms must be >= 0")
	}
	if c.Session.ReadTimeoutMS > 0 && c.Session.ReadTimeoutMS <= c.Session.PingIntervalMS {
		return errors.New("session.read_timeout_ms must be > session.ping_interval_ms")
	}
	if c.Session.OutboxSize <= 0 {
		return errors.New("session.outbox_size must be > 0")
	}
	if c.Session.QueueSize <= 0 {
		return errors.New("session.queue_size must be > 0")
	}
	return nil
}

func (c *Config) validateSampling() error {
	if c.Sampling.IntervalMS <= 0 {
		return errors.New("sampling.interval_ms must be > 0")
	}
	if c.Sampling.CaptureTimeoutMS <= 0 {
		return errors.New("sampling.capture_timeout_ms must be > 0")
	}
	if c.Sampling.MaxConcurrent <= 0 {
		return errors.New("sampling.max_concurrent must be > 0")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must be >= 0")
	}
	if c.Retry.MaxDelayMS < 0 {
		return errors.New("retry.max_delay_ms must be >= 0")
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.PendingPerParticipant <= 0 {
		return errors.New("store.pending_per_participant must be > 0")
	}
	if c.Store.PendingParticipants <= 0 {
		return errors.New("store.pending_participants must be > 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "", "auto", "text", "json":
	default:
		return fmt.Errorf("logging.format must be auto, text, or json (got %q)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error (got %q)", c.Logging.Level)
	}
	return nil
}

// RequireCredentials reports whether the fields needed to open a channel
// are present.
func (c *Config) RequireCredentials() error {
	if c.UserID == "" {
		return errors.New("user_id is required. Set CALLMON_USER_ID or edit the config file (create with 'callmon config init')")
	}
	if c.Token == "" {
		return errors.New("token is required. Set CALLMON_TOKEN or edit the config file")
	}
	return nil
}
