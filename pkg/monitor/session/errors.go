package session

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrClosed is returned by operations on a Manager that is shutting down.
var ErrClosed = errors.New("session: shutting down")

// TransportError represents a channel-level failure (DNS, timeout,
// handshake, connection reset) while talking to the backend. These are
// always retried through the backoff loop.
//
// Use errors.As(err, &TransportError{}) to tell them apart from
// *AuthRejectedError.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURL(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AuthRejectedError means the backend explicitly refused the credentials,
// either at the handshake (HTTP 401/403) or with an auth close code.
// Reconnecting stops until new credentials are supplied.
type AuthRejectedError struct {
	Status int
	Reason string
}

func (e *AuthRejectedError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return fmt.Sprintf("backend rejected credentials (status %d)", e.Status)
	}
	return fmt.Sprintf("backend rejected credentials (status %d): %s", e.Status, e.Reason)
}

const redacted = "REDACTED"

// redactURL strips user info and the token query parameter.
func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return "<unparseable url>"
	}
	parsed.User = nil
	q := parsed.Query()
	if q.Has("token") {
		q.Set("token", redacted)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
