// Package monitor assembles the per-user call monitoring session: one actor
// loop feeding the call lifecycle, the sampler, the backend channel, the
// message router, and the participant store.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/callmon/pkg/core/clock"
	"github.com/vango-go/callmon/pkg/core/types"
	"github.com/vango-go/callmon/pkg/monitor/actor"
	"github.com/vango-go/callmon/pkg/monitor/config"
	"github.com/vango-go/callmon/pkg/monitor/lifecycle"
	"github.com/vango-go/callmon/pkg/monitor/router"
	"github.com/vango-go/callmon/pkg/monitor/sampler"
	"github.com/vango-go/callmon/pkg/monitor/session"
	"github.com/vango-go/callmon/pkg/monitor/store"
)

// flushGrace bounds how long Run waits for queued lifecycle edges to be
// written after shutdown.
const flushGrace = 2 * time.Second

// CredentialSource resolves the user id and token used to open the
// channel. It is consulted on every call start so a refreshed token is
// picked up without rebuilding the Monitor.
type CredentialSource interface {
	Credentials(ctx context.Context) (session.Credentials, error)
}

// StaticCredentials never change.
type StaticCredentials session.Credentials

func (c StaticCredentials) Credentials(context.Context) (session.Credentials, error) {
	return session.Credentials(c), nil
}

type Deps struct {
	// Dialer defaults to a gorilla/websocket dialer.
	Dialer session.Dialer
	Clock  clock.Clock
	// Host supplies capturable sources. Without one, SignalStart reports
	// sampler.ErrNoHost and the call proceeds unsampled.
	Host sampler.Host
	// Credentials defaults to the user id and token from the config.
	Credentials CredentialSource
	Logger      *slog.Logger

	// OnAuthRejected and OnStateChange run on the actor loop and must
	// not block.
	OnAuthRejected func(*session.AuthRejectedError)
	OnStateChange  func(session.State)
}

// Status is a point-in-time view for indicators and the CLI.
type Status struct {
	UserID     string
	Call       lifecycle.State
	CallID     string
	Channel    session.State
	RetryCount int
	AuthError  *session.AuthRejectedError
	Sampling   bool
	// IgnoredSignals counts repeated start/end signals that changed nothing.
	IgnoredSignals int

	Participants   int
	InboundDropped uint64

	Session session.Stats
	Router  router.Stats
	Store   store.Stats
	Sampler sampler.Stats
}

// Monitor is the session object for one user. All component state is
// mutated on its actor loop; public methods hop onto the loop and are safe
// from any goroutine.
type Monitor struct {
	userID string
	logger *slog.Logger
	clock  clock.Clock
	creds  CredentialSource

	loop    *actor.Loop
	session *session.Manager
	router  *router.Router
	store   *store.Store
	sampler *sampler.Scheduler
	call    *lifecycle.Machine

	onAuthRejected func(*session.AuthRejectedError)

	running      atomic.Bool
	closed       atomic.Bool
	requested    atomic.Bool
	shutdownOnce sync.Once
	stopped      chan struct{}

	inboundDropped atomic.Uint64

	// Loop-owned.
	torn bool
}

// New builds every component. Nothing touches the network until the first
// SignalStart.
func New(cfg config.Config, deps Deps) (*Monitor, error) {
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errors.New("monitor: user id is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Credentials == nil {
		deps.Credentials = StaticCredentials{UserID: userID, Token: cfg.Token}
	}
	if deps.Dialer == nil {
		sc := cfg.SessionConfig()
		deps.Dialer = &session.WebSocketDialer{HandshakeTimeout: sc.HandshakeTimeout}
	}
	logger := deps.Logger.With("user_id", userID)

	m := &Monitor{
		userID:         userID,
		logger:         logger,
		clock:          deps.Clock,
		creds:          deps.Credentials,
		loop:           actor.New(cfg.Session.QueueSize, logger),
		call:           lifecycle.New(deps.Clock.Now),
		onAuthRejected: deps.OnAuthRejected,
		stopped:        make(chan struct{}),
	}

	storeOpts := cfg.StoreOptions()
	storeOpts.Logger = logger
	m.store = store.New(storeOpts)

	mgr, err := session.NewManager(cfg.SessionConfig(), session.Deps{
		Loop:           m.loop,
		Dialer:         deps.Dialer,
		Clock:          deps.Clock,
		Logger:         logger,
		OnMessage:      m.onMessage,
		OnAuthRejected: m.authRejected,
		OnStateChange:  deps.OnStateChange,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	m.session = mgr

	m.router = router.New(mgr, router.Options{Logger: logger, Now: deps.Clock.Now})
	m.router.Subscribe(router.HandlerFunc(m.handleInbound))

	m.sampler = sampler.New(cfg.SamplerConfig(), sampler.Deps{
		Loop:   m.loop,
		Host:   deps.Host,
		Clock:  deps.Clock,
		Logger: logger,
		Emit:   m.emit,
	})
	return m, nil
}

func (m *Monitor) UserID() string { return m.userID }

// Run drives the actor loop until ctx is done or Shutdown is called. It
// returns nil after Shutdown and ctx.Err() otherwise.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.stopped)

	m.logger.Debug("monitor started")
	m.loop.Run(ctx)
	m.closed.Store(true)

	// The loop has stopped, so this goroutine now owns the components.
	m.teardown()
	flushCtx, cancel := context.WithTimeout(context.Background(), flushGrace)
	if !m.session.Wait(flushCtx) {
		m.logger.Warn("channel writer still running after shutdown", "grace", flushGrace)
	}
	cancel()
	m.logger.Debug("monitor stopped")

	if err := ctx.Err(); err != nil && !m.requested.Load() {
		return err
	}
	return nil
}

// Done is closed when Run returns, after the final flush.
func (m *Monitor) Done() <-chan struct{} { return m.stopped }

// Shutdown ends any active call, closes the channel, and stops the loop.
// Idempotent and safe from any goroutine.
func (m *Monitor) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.requested.Store(true)
		m.closed.Store(true)
		err := m.loop.Post(func() {
			m.teardown()
			m.loop.Close()
		})
		if err != nil {
			m.loop.Close()
		}
	})
}

// SignalStart reports the start of a call. A start while a call is already
// active is ignored. The returned error is non-nil when credentials could
// not be resolved or sampling is unavailable; the call still starts.
func (m *Monitor) SignalStart(ctx context.Context) error {
	creds, credErr := m.creds.Credentials(ctx)
	if credErr != nil {
		credErr = fmt.Errorf("resolve credentials: %w", credErr)
	}
	var err error
	if doErr := m.do(ctx, func() { err = m.startCall(creds, credErr) }); doErr != nil {
		return doErr
	}
	return err
}

// SignalEnd reports the end of a call. An end while idle is ignored.
func (m *Monitor) SignalEnd(ctx context.Context) error {
	return m.do(ctx, m.endCall)
}

// SendAudio forwards one encoded audio segment captured outside the
// sampler.
func (m *Monitor) SendAudio(ctx context.Context, sourceID string, payload []byte) error {
	var err error
	if doErr := m.do(ctx, func() {
		if m.call.State() != lifecycle.Active {
			err = ErrNoCall
			return
		}
		err = m.router.Send(types.AudioChunk{
			CallID:     m.call.CallID(),
			SourceID:   sourceID,
			Payload:    payload,
			CapturedAt: m.clock.Now(),
		})
	}); doErr != nil {
		return doErr
	}
	return err
}

// Snapshot returns the current participant view. Safe from any goroutine.
func (m *Monitor) Snapshot() store.Snapshot { return m.store.Snapshot() }

// Watch registers fn for every participant view change.
func (m *Monitor) Watch(fn func(store.Snapshot)) (cancel func()) { return m.store.Watch(fn) }

// Status collects state from every component.
func (m *Monitor) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.do(ctx, func() {
		st.Call = m.call.State()
		st.CallID = m.call.CallID()
		st.Sampling = m.sampler.Running()
		st.IgnoredSignals = m.call.Duplicates()
	})
	if err != nil {
		return Status{}, err
	}
	st.UserID = m.userID
	st.Channel = m.session.State()
	st.RetryCount = m.session.RetryCount()
	st.AuthError = m.session.AuthError()
	st.Participants = m.store.Snapshot().Len()
	st.InboundDropped = m.inboundDropped.Load()
	st.Session = m.session.Stats()
	st.Router = m.router.Stats()
	st.Store = m.store.Stats()
	st.Sampler = m.sampler.Stats()
	return st, nil
}

func (m *Monitor) do(ctx context.Context, fn func()) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	err := m.loop.Do(ctx, fn)
	if errors.Is(err, actor.ErrClosed) {
		return ErrShutdown
	}
	return err
}

func (m *Monitor) startCall(creds session.Credentials, credErr error) error {
	tr, ok := m.call.SignalStart()
	if !ok {
		m.logger.Debug("call start ignored, call already active", "call_id", m.call.CallID())
		return nil
	}
	m.logger.Info("call started", "call_id", tr.CallID)

	m.store.Reset(tr.CallID)

	var errs []error
	if credErr != nil {
		m.logger.Error("cannot open backend channel", "error", credErr)
		errs = append(errs, credErr)
	} else if err := m.session.EnsureConnected(creds); err != nil {
		m.logger.Error("cannot open backend channel", "error", err)
		errs = append(errs, err)
	}

	if err := m.router.Send(types.CallStart{CallID: tr.CallID, At: tr.At}); err != nil {
		m.logger.Warn("call start not queued", "call_id", tr.CallID, "error", err)
	}

	if err := m.sampler.Start(tr.CallID); err != nil {
		m.logger.Warn("sampling unavailable for this call", "call_id", tr.CallID, "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Monitor) endCall() {
	tr, ok := m.call.SignalEnd()
	if !ok {
		m.logger.Debug("call end ignored, no active call")
		return
	}
	m.sampler.Stop()
	if err := m.router.Send(types.CallEnd{CallID: tr.CallID, At: tr.At}); err != nil {
		m.logger.Warn("call end not queued", "call_id", tr.CallID, "error", err)
	}
	m.store.Clear()
	m.logger.Info("call ended", "call_id", tr.CallID)
}

// teardown runs once, on the loop or after it has stopped.
func (m *Monitor) teardown() {
	if m.torn {
		return
	}
	m.torn = true
	m.endCall()
	m.session.Shutdown()
}

func (m *Monitor) onMessage(data []byte) { m.router.HandleMessage(data) }

func (m *Monitor) handleInbound(ev types.InboundEvent) {
	if m.call.State() != lifecycle.Active {
		m.inboundDropped.Add(1)
		m.logger.Debug("inbound event dropped, no active call", "type", ev.InboundType())
		return
	}
	if id := ev.Call(); id != "" && id != m.call.CallID() {
		m.inboundDropped.Add(1)
		m.logger.Debug("inbound event for another call dropped", "type", ev.InboundType(), "event_call_id", id, "call_id", m.call.CallID())
		return
	}
	res := m.store.Apply(ev)
	m.logger.Debug("inbound event applied", "type", ev.InboundType(), "result", res.String())
}

func (m *Monitor) emit(ev types.OutboundEvent) {
	if err := m.router.Send(ev); err != nil {
		m.logger.Debug("sampled frame not queued", "type", ev.OutboundType(), "error", err)
	}
}

func (m *Monitor) authRejected(err *session.AuthRejectedError) {
	if m.onAuthRejected != nil {
		m.onAuthRejected(err)
	}
}
