package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/callmon/pkg/core/clock"
	"github.com/vango-go/callmon/pkg/monitor/actor"
)

var errConnClosed = errors.New("use of closed network connection")

type inboundMsg struct {
	messageType int
	data        []byte
	err         error
}

type fakeConn struct {
	mu       sync.Mutex
	texts    []string
	controls []int
	writeErr error

	inbound   chan inboundMsg
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan inboundMsg, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		if msg.err != nil {
			return 0, nil, msg.err
		}
		return msg.messageType, msg.data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.texts = append(c.texts, string(data))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(appData string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.texts))
	copy(out, c.texts)
	return out
}

func (c *fakeConn) controlTypes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.controls))
	copy(out, c.controls)
	return out
}

func (c *fakeConn) serverSends(messageType int, data string) {
	c.inbound <- inboundMsg{messageType: messageType, data: []byte(data)}
}

func (c *fakeConn) drop(err error) { c.inbound <- inboundMsg{err: err} }

type dialResult struct {
	conn  Conn
	err   error
	block bool
}

type fakeDialer struct {
	mu       sync.Mutex
	results  []dialResult
	fallback dialResult
	urls     []string
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, rawURL)
	res := d.fallback
	if len(d.results) > 0 {
		res = d.results[0]
		d.results = d.results[1:]
	}
	d.mu.Unlock()

	if res.block {
		<-ctx.Done()
		return nil, &TransportError{Op: "dial", URL: rawURL, Err: ctx.Err()}
	}
	return res.conn, res.err
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type harness struct {
	t      *testing.T
	loop   *actor.Loop
	clk    *clock.FakeClock
	dialer *fakeDialer
	mgr    *Manager

	mu       sync.Mutex
	messages []string
	authErrs []*AuthRejectedError
}

func newHarness(t *testing.T, cfg Config, dialer *fakeDialer) *harness {
	t.Helper()
	if cfg.BackendURL == "" {
		cfg.BackendURL = "wss://backend.example"
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		t:      t,
		loop:   actor.New(64, discardLogger()),
		clk:    clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		dialer: dialer,
	}
	go h.loop.Run(ctx)

	mgr, err := NewManager(cfg, Deps{
		Loop:   h.loop,
		Dialer: dialer,
		Clock:  h.clk,
		Logger: discardLogger(),
		OnMessage: func(data []byte) {
			h.mu.Lock()
			h.messages = append(h.messages, string(data))
			h.mu.Unlock()
		},
		OnAuthRejected: func(err *AuthRejectedError) {
			h.mu.Lock()
			h.authErrs = append(h.authErrs, err)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	h.mgr = mgr
	t.Cleanup(func() { _ = h.loop.Do(context.Background(), mgr.Shutdown) })
	return h
}

// do runs fn on the loop and waits; it doubles as a barrier for work the
// loop already has queued.
func (h *harness) do(fn func()) {
	h.t.Helper()
	if err := h.loop.Do(context.Background(), fn); err != nil {
		h.t.Fatalf("loop.Do() error: %v", err)
	}
}

func (h *harness) ensure(creds Credentials) error {
	h.t.Helper()
	var err error
	h.do(func() { err = h.mgr.EnsureConnected(creds) })
	return err
}

func (h *harness) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
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
