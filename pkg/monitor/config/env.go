package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnv overlays CALLMON_* variables on values read from the file.
func (c *Config) applyEnv() {
	c.BackendURL = envOr("CALLMON_BACKEND_URL", c.BackendURL)
	c.UserID = envOr("CALLMON_USER_ID", c.UserID)
	c.Token = envOr("CALLMON_TOKEN", c.Token)
	c.LockDir = envOr("CALLMON_LOCK_DIR", c.LockDir)

	c.Session.HandshakeTimeoutMS = envIntOr("CALLMON_HANDSHAKE_TIMEOUT_MS", c.Session.HandshakeTimeoutMS)
	c.Session.WriteTimeoutMS = envIntOr("CALLMON_WRITE_TIMEOUT_MS", c.Session.WriteTimeoutMS)
	c.Session.ReadTimeoutMS = envIntOr("CALLMON_READ_TIMEOUT_MS", c.Session.ReadTimeoutMS)
	c.Session.PingIntervalMS = envIntOr("CALLMON_PING_INTERVAL_MS", c.Session.PingIntervalMS)
	c.Session.OutboxSize = envIntOr("CALLMON_OUTBOX_SIZE", c.Session.OutboxSize)
	c.Session.QueueSize = envIntOr("CALLMON_QUEUE_SIZE", c.Session.QueueSize)

	c.Sampling.IntervalMS = envIntOr("CALLMON_SAMPLE_INTERVAL_MS", c.Sampling.IntervalMS)
	c.Sampling.CaptureTimeoutMS = envIntOr("CALLMON_CAPTURE_TIMEOUT_MS", c.Sampling.CaptureTimeoutMS)
	c.Sampling.MaxConcurrent = envIntOr("CALLMON_MAX_CONCURRENT_CAPTURES", c.Sampling.MaxConcurrent)

	c.Retry.Strategy = envOr("CALLMON_RETRY_STRATEGY", c.Retry.Strategy)
	c.Retry.DelayMS = envIntOr("CALLMON_RETRY_DELAY_MS", c.Retry.DelayMS)
	c.Retry.MaxDelayMS = envIntOr("CALLMON_RETRY_MAX_DELAY_MS", c.Retry.MaxDelayMS)
	c.Retry.JitterMS = envIntOr("CALLMON_RETRY_JITTER_MS", c.Retry.JitterMS)
	c.Retry.MaxRetries = envIntOr("CALLMON_RETRY_MAX_RETRIES", c.Retry.MaxRetries)

	c.Logging.Level = envOr("CALLMON_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOr("CALLMON_LOG_FORMAT", c.Logging.Format)
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
