package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/callmon/pkg/core/clock"
	"github.com/vango-go/callmon/pkg/core/types"
	"github.com/vango-go/callmon/pkg/monitor/config"
	"github.com/vango-go/callmon/pkg/monitor/sampler"
	"github.com/vango-go/callmon/pkg/monitor/session"
)

var errConnClosed = errors.New("use of closed network connection")

// fakeConn is a backend channel whose server side is driven by the test.
type fakeConn struct {
	mu    sync.Mutex
	texts []string

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.texts = append(c.texts, string(data))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(appData string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) serverSends(msg string) { c.inbound <- []byte(msg) }

// frames returns the type and call id of every frame written so far.
func (c *fakeConn) frames() []wireFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wireFrame, 0, len(c.texts))
	for _, raw := range c.texts {
		var f wireFrame
		_ = json.Unmarshal([]byte(raw), &f)
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) count(typ string) int {
	n := 0
	for _, f := range c.frames() {
		if f.Type == typ {
			n++
		}
	}
	return n
}

type wireFrame struct {
	Type     string `json:"type"`
	CallID   string `json:"call_id"`
	SourceID string `json:"source_id"`
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (session.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type fakeSource struct {
	id    string
	kind  types.MediaKind
	calls atomic.Int32
}

func (s *fakeSource) ID() string            { return s.id }
func (s *fakeSource) Kind() types.MediaKind { return s.kind }
func (s *fakeSource) Ready() bool           { return true }

func (s *fakeSource) Capture(context.Context) ([]byte, error) {
	s.calls.Add(1)
	return []byte("jpeg-" + s.id), nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BackendURL = "wss://backend.example"
	cfg.UserID = "u1"
	cfg.Token = "tok"
	cfg.Session.PingIntervalMS = int(time.Hour / time.Millisecond)
	cfg.Session.ReadTimeoutMS = 0
	return cfg
}

type harness struct {
	t      *testing.T
	clk    *clock.FakeClock
	dialer *fakeDialer
	source *fakeSource
	m      *Monitor

	cancel context.CancelFunc
	runErr chan error

	mu       sync.Mutex
	authErrs []*session.AuthRejectedError
}

type harnessOption func(*Deps, *config.Config)

func withoutHost() harnessOption { return func(d *Deps, _ *config.Config) { d.Host = nil } }

func withCredentials(src CredentialSource) harnessOption {
	return func(d *Deps, _ *config.Config) { d.Credentials = src }
}

func withBackendURL(url string) harnessOption {
	return func(_ *Deps, cfg *config.Config) { cfg.BackendURL = url }
}

func newHarness(t *testing.T, dialer *fakeDialer, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clk:    clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		dialer: dialer,
		source: &fakeSource{id: "video-1", kind: types.MediaVideo},
		runErr: make(chan error, 1),
	}
	deps := Deps{
		Dialer: dialer,
		Clock:  h.clk,
		Host:   sampler.HostFunc(func() []sampler.Source { return []sampler.Source{h.source} }),
		Logger: discardLogger(),
		OnAuthRejected: func(err *session.AuthRejectedError) {
			h.mu.Lock()
			h.authErrs = append(h.authErrs, err)
			h.mu.Unlock()
		},
	}
	cfg := testConfig()
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	m, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.m = m

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- m.Run(ctx) }()
	t.Cleanup(func() {
		m.Shutdown()
		cancel()
		<-m.Done()
	})
	return h
}

func (h *harness) status() Status {
	h.t.Helper()
	st, err := h.m.Status(context.Background())
	if err != nil {
		h.t.Fatalf("Status() error: %v", err)
	}
	return st
}

func (h *harness) start() string {
	h.t.Helper()
	if err := h.m.SignalStart(context.Background()); err != nil {
		h.t.Fatalf("SignalStart() error: %v", err)
	}
	return h.status().CallID
}

// barrier waits for work the loop already has queued.
func (h *harness) barrier() {
	h.t.Helper()
	_ = h.status()
}

func (h *harness) rejections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.authErrs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
