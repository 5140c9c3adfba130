package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes the backend uses to reject a session's credentials.
const (
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a channel to rawURL. Implementations return
// *AuthRejectedError for an explicit credential rejection and
// *TransportError for everything else.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebSocketDialer dials the backend with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, d.Header.Clone())
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, &AuthRejectedError{Status: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
			}
			return nil, &TransportError{Op: "dial", URL: rawURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: "dial", URL: rawURL, Err: err}
	}
	return conn, nil
}

// Endpoint builds the per-user channel URL. http(s) base URLs are mapped
// to ws(s).
func Endpoint(baseURL, userID, token string) (string, error) {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return "", errors.New("backend url must not be empty")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id must not be empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("backend url scheme %q is not supported", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/call/" + url.PathEscape(userID) + "/"
	u.RawPath = ""
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// authCloseError reports whether err is a close frame rejecting the
// session's credentials.
func authCloseError(err error) (*AuthRejectedError, bool) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return nil, false
	}
	switch ce.Code {
	case CloseUnauthorized, CloseForbidden, websocket.ClosePolicyViolation:
		return &AuthRejectedError{Status: ce.Code, Reason: ce.Text}, true
	default:
		return nil, false
	}
}
