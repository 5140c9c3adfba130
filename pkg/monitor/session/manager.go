// Package session owns the persistent channel between one user and the
// backend: lazy establishment, liveness, reconnect with backoff, and the
// bounded outbox that carries frames across disconnects.
//
// Every Manager method except the read-only accessors must run on the
// user's actor loop. Network I/O happens on per-connection goroutines
// that report back to the loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/callmon/pkg/core/clock"
)

// Executor is the actor loop the Manager reports back to.
type Executor interface {
	Submit(ctx context.Context, fn func()) error
}

// Credentials identify the user whose channel this is.
type Credentials struct {
	UserID string
	Token  string
}

// Config holds connection parameters.
type Config struct {
	BackendURL       string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout must exceed PingInterval; every pong extends it.
	ReadTimeout  time.Duration
	PingInterval time.Duration
	OutboxSize   int
	Retry        RetryPolicy
}

// Deps are the Manager's collaborators. Loop and Dialer are required.
type Deps struct {
	Loop   Executor
	Dialer Dialer
	Clock  clock.Clock
	Logger *slog.Logger

	// OnMessage receives every inbound text message, on the loop, in
	// arrival order.
	OnMessage func(data []byte)
	// OnAuthRejected is called on the loop once per rejected token.
	OnAuthRejected func(err *AuthRejectedError)
	// OnStateChange is called on the loop after every state transition.
	OnStateChange func(State)
}

// Stats are cumulative counters.
type Stats struct {
	Sent     uint64
	Dropped  uint64
	Connects uint64
	Queued   int
}

type connection struct {
	gen    uint64
	cancel context.CancelFunc
}

// Manager is the SessionManager for one user.
type Manager struct {
	cfg            Config
	loop           Executor
	dialer         Dialer
	clock          clock.Clock
	logger         *slog.Logger
	onMessage      func([]byte)
	onAuthRejected func(*AuthRejectedError)
	onStateChange  func(State)

	ctx     context.Context
	cancel  context.CancelFunc
	out     *outbox
	writers sync.WaitGroup

	// Loop-owned.
	creds      Credentials
	gen        uint64
	conn       *connection
	cancelDial context.CancelFunc
	timer      *clock.Timer
	timerSeq   uint64
	backoff    retry.Backoff
	exhausted  bool
	authToken  string

	state      atomic.Int32
	retryCount atomic.Int64
	sent       atomic.Uint64
	dropped    atomic.Uint64
	connects   atomic.Uint64
	authErr    atomic.Pointer[AuthRejectedError]
}

// NewManager returns a Disconnected Manager. Nothing is dialed until
// EnsureConnected.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Loop == nil {
		return nil, errors.New("session: loop is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if strings.TrimSpace(cfg.BackendURL) == "" {
		return nil, errors.New("session: backend url is required")
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:            cfg,
		loop:           deps.Loop,
		dialer:         deps.Dialer,
		clock:          deps.Clock,
		logger:         deps.Logger,
		onMessage:      deps.OnMessage,
		onAuthRejected: deps.OnAuthRejected,
		onStateChange:  deps.OnStateChange,
		ctx:            ctx,
		cancel:         cancel,
		out:            newOutbox(cfg.OutboxSize),
	}
	m.backoff = cfg.Retry.Backoff()
	return m, nil
}

// State is safe from any goroutine.
func (m *Manager) State() State { return State(m.state.Load()) }

// RetryCount is the number of consecutive failed attempts since the last
// successful connection. Safe from any goroutine.
func (m *Manager) RetryCount() int { return int(m.retryCount.Load()) }

// AuthError returns the last credential rejection, or nil once a new
// token has been supplied. Safe from any goroutine.
func (m *Manager) AuthError() *AuthRejectedError { return m.authErr.Load() }

// Stats is safe from any goroutine.
func (m *Manager) Stats() Stats {
	return Stats{
		Sent:     m.sent.Load(),
		Dropped:  m.dropped.Load(),
		Connects: m.connects.Load(),
		Queued:   m.out.len(),
	}
}

// EnsureConnected starts connecting if the channel is Disconnected and no
// reconnect is already scheduled. It is a no-op while Connecting or
// Connected, and while the same token is halted by an auth rejection.
func (m *Manager) EnsureConnected(creds Credentials) error {
	if m.State() == ShuttingDown {
		return ErrClosed
	}
	if strings.TrimSpace(creds.UserID) == "" {
		return errors.New("session: user id must not be empty")
	}
	if m.creds.UserID != "" && m.creds.UserID != creds.UserID {
		m.logger.Warn("ensure connected for a different user ignored", "user_id", m.creds.UserID)
		return nil
	}

	switch m.State() {
	case Connecting, Connected:
		// Keep the newest token for the next reconnect.
		m.creds = creds
		return nil
	}

	if m.authErr.Load() != nil {
		if creds.Token == m.authToken {
			return nil
		}
		m.authErr.Store(nil)
		m.authToken = ""
		m.backoff = m.cfg.Retry.Backoff()
	}
	m.creds = creds
	if m.timer != nil {
		return nil
	}
	if m.exhausted {
		m.backoff = m.cfg.Retry.Backoff()
		m.exhausted = false
	}
	return m.dial()
}

// Enqueue queues one encoded frame for sending. It never blocks; media
// frames are dropped first when the outbox is full. Safe from any
// goroutine.
func (m *Manager) Enqueue(data []byte, media bool) error {
	if m.State() == ShuttingDown {
		return ErrClosed
	}
	if dropped, ok := m.out.push(data, media); ok {
		m.dropped.Add(1)
		m.logger.Warn("outbox full, frame dropped", "media", dropped.media, "queued", m.out.len())
	}
	return nil
}

// Shutdown closes the channel and cancels every pending reconnect. Safe
// to call in any state, any number of times.
func (m *Manager) Shutdown() {
	if m.State() == ShuttingDown {
		return
	}
	m.setState(ShuttingDown)
	m.timerSeq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		m.conn.cancel()
		m.conn = nil
	}
	m.cancel()
	m.logger.Info("session shut down", "user_id", m.creds.UserID)
}

// Wait blocks until every connection writer has exited or ctx is done,
// and reports whether they all exited. After Shutdown this covers the
// final flush of queued lifecycle edges. Safe from any goroutine.
func (m *Manager) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.writers.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) dial() error {
	rawURL, err := Endpoint(m.cfg.BackendURL, m.creds.UserID, m.creds.Token)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	m.gen++
	gen := m.gen
	m.setState(Connecting)

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelDial = cancel
	handshake := m.cfg.HandshakeTimeout
	m.logger.Debug("dialing backend", "url", redactURL(rawURL), "attempt", m.RetryCount()+1)

	go func() {
		dialCtx := ctx
		if handshake > 0 {
			var dialCancel context.CancelFunc
			dialCtx, dialCancel = context.WithTimeout(ctx, handshake)
			defer dialCancel()
		}
		conn, err := m.dialer.Dial(dialCtx, rawURL)
		if submitErr := m.loop.Submit(m.ctx, func() { m.onDialResult(gen, conn, err) }); submitErr != nil && conn != nil {
			_ = conn.Close()
		}
	}()
	return nil
}

func (m *Manager) onDialResult(gen uint64, conn Conn, err error) {
	if gen != m.gen || m.State() != Connecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}

	if err != nil {
		var auth *AuthRejectedError
		if errors.As(err, &auth) {
			m.rejectAuth(auth)
			return
		}
		m.logger.Warn("backend connection failed", "error", err, "retry_count", m.RetryCount()+1)
		m.scheduleReconnect()
		return
	}

	m.retryCount.Store(0)
	m.backoff = m.cfg.Retry.Backoff()
	m.connects.Add(1)
	m.conn = m.startConnection(gen, conn)
	m.setState(Connected)
	m.logger.Info("backend connected", "user_id", m.creds.UserID, "queued", m.out.len())
}

func (m *Manager) startConnection(gen uint64, conn Conn) *connection {
	ctx, cancel := context.WithCancel(m.ctx)
	w := &outboundWriter{
		ws:           conn,
		ctx:          ctx,
		out:          m.out,
		clock:        m.clock,
		pingInterval: m.cfg.PingInterval,
		writeTimeout: m.cfg.WriteTimeout,
		onSent:       func(frame) { m.sent.Add(1) },
		flushOnExit:  func() bool { return m.State() == ShuttingDown },
	}

	m.writers.Add(1)
	go func() {
		defer m.writers.Done()
		err := w.Run()
		_ = conn.Close()
		if err != nil && ctx.Err() == nil {
			lost := &TransportError{Op: "write", Err: err}
			_ = m.loop.Submit(m.ctx, func() { m.onLost(gen, lost) })
		}
	}()
	go m.readLoop(ctx, gen, conn)

	return &connection{gen: gen, cancel: cancel}
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	extend := func() {
		if m.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = m.loop.Submit(m.ctx, func() { m.onLost(gen, err) })
			return
		}
		if messageType != websocket.TextMessage {
			m.logger.Debug("non-text frame ignored", "message_type", messageType)
			continue
		}
		if err := m.loop.Submit(ctx, func() { m.deliver(gen, data) }); err != nil {
			return
		}
	}
}

func (m *Manager) deliver(gen uint64, data []byte) {
	if gen != m.gen || m.onMessage == nil {
		return
	}
	m.onMessage(data)
}

func (m *Manager) onLost(gen uint64, err error) {
	if gen != m.gen || m.State() != Connected {
		return
	}
	if m.conn != nil {
		m.conn.cancel()
		m.conn = nil
	}
	if auth, ok := authCloseError(err); ok {
		m.rejectAuth(auth)
		return
	}
	m.logger.Warn("backend connection lost", "error", err, "retry_count", m.RetryCount()+1)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.retryCount.Add(1)
	m.setState(Disconnected)

	delay, stop := m.backoff.Next()
	if stop {
		m.exhausted = true
		m.logger.Error("reconnect attempts exhausted", "retry_count", m.RetryCount())
		return
	}

	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(delay, func() {
		_ = m.loop.Submit(m.ctx, func() { m.onReconnectDue(seq) })
	})
	m.logger.Info("reconnect scheduled", "delay", delay, "retry_count", m.RetryCount())
}

func (m *Manager) onReconnectDue(seq uint64) {
	if seq != m.timerSeq || m.State() != Disconnected {
		return
	}
	m.timer = nil
	if err := m.dial(); err != nil {
		m.logger.Error("reconnect abandoned", "error", err)
	}
}

func (m *Manager) rejectAuth(err *AuthRejectedError) {
	m.authToken = m.creds.Token
	m.authErr.Store(err)
	m.setState(Disconnected)
	m.logger.Error("backend rejected credentials, reconnect halted", "user_id", m.creds.UserID, "status", err.Status)
	if m.onAuthRejected != nil {
		m.onAuthRejected(err)
	}
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	if m.onStateChange != nil {
		m.onStateChange(s)
	}
}
