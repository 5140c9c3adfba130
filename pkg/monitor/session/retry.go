package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	StrategyConstant    = "constant"
	StrategyExponential = "exponential"

	DefaultRetryDelay = 5 * time.Second
)

// RetryPolicy describes the delay between reconnect attempts. A fresh
// Backoff is built every time a connection succeeds.
type RetryPolicy struct {
	Strategy string
	Delay    time.Duration
	// MaxDelay caps exponential growth. Zero means uncapped.
	MaxDelay time.Duration
	Jitter   time.Duration
	// MaxRetries is the number of consecutive failed attempts before the
	// loop gives up. Zero means retry forever.
	MaxRetries uint64
}

// DefaultRetryPolicy retries every 5s forever.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Strategy: StrategyConstant, Delay: DefaultRetryDelay}
}

func (p RetryPolicy) Validate() error {
	switch strings.ToLower(strings.TrimSpace(p.Strategy)) {
	case "", StrategyConstant, StrategyExponential:
	default:
		return fmt.Errorf("retry strategy must be %q or %q", StrategyConstant, StrategyExponential)
	}
	if p.Delay <= 0 {
		return fmt.Errorf("retry delay must be > 0")
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("retry max_delay must be >= 0")
	}
	if p.Jitter < 0 {
		return fmt.Errorf("retry jitter must be >= 0")
	}
	return nil
}

// Backoff returns a new backoff sequence for this policy.
func (p RetryPolicy) Backoff() retry.Backoff {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	var b retry.Backoff
	switch strings.ToLower(strings.TrimSpace(p.Strategy)) {
	case StrategyExponential:
		b = retry.NewExponential(delay)
		if p.MaxDelay > 0 {
			b = retry.WithCappedDuration(p.MaxDelay, b)
		}
	default:
		b = retry.NewConstant(delay)
	}
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	if p.MaxRetries > 0 {
		b = retry.WithMaxRetries(p.MaxRetries, b)
	}
	return b
}
