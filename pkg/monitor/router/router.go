// Package router turns outbound domain events into wire frames and
// inbound wire frames into typed events for subscribers.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/callmon/pkg/core/types"
	"github.com/vango-go/callmon/pkg/monitor/protocol"
)

// Sink accepts encoded frames. The session Manager is the production
// sink; it either writes them or buffers them while disconnected.
type Sink interface {
	Enqueue(data []byte, media bool) error
}

// Handler receives decoded inbound events.
type Handler interface {
	HandleInbound(ev types.InboundEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev types.InboundEvent)

func (f HandlerFunc) HandleInbound(ev types.InboundEvent) { f(ev) }

// Stats are cumulative counters.
type Stats struct {
	Sent         uint64
	Received     uint64
	Dispatched   uint64
	DecodeErrors uint64
	UnknownTypes uint64
}

type Options struct {
	Logger *slog.Logger
	// Now stamps inbound events that carry no timestamp.
	Now func() time.Time
}

// Router is the MessageRouter. Dispatch is synchronous: HandleMessage
// returns after every subscriber has seen the event, so calling it from
// one goroutine preserves arrival order.
type Router struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers []Handler

	sent         atomic.Uint64
	received     atomic.Uint64
	dispatched   atomic.Uint64
	decodeErrors atomic.Uint64
	unknownTypes atomic.Uint64
}

func New(sink Sink, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{sink: sink, logger: opts.Logger, now: opts.Now}
}

// Subscribe adds h. Handlers are called in registration order.
func (r *Router) Subscribe(h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
}

// Send encodes ev and hands it to the sink.
func (r *Router) Send(ev types.OutboundEvent) error {
	if r.sink == nil {
		return errors.New("router: no sink")
	}
	data, err := protocol.EncodeOutbound(ev)
	if err != nil {
		return err
	}
	if err := r.sink.Enqueue(data, types.IsMedia(ev)); err != nil {
		return fmt.Errorf("enqueue %s: %w", ev.OutboundType(), err)
	}
	r.sent.Add(1)
	return nil
}

// HandleMessage decodes one inbound frame and dispatches it. A frame that
// cannot be decoded is logged and dropped; it never affects the channel.
func (r *Router) HandleMessage(raw []byte) {
	r.received.Add(1)
	ev, err := protocol.DecodeInbound(raw, r.now())
	if err != nil {
		if protocol.IsUnknownType(err) {
			r.unknownTypes.Add(1)
			r.logger.Debug("inbound message of unknown type ignored", "error", err)
			return
		}
		r.decodeErrors.Add(1)
		r.logger.Warn("malformed inbound message dropped", "error", err, "bytes", len(raw))
		return
	}

	r.mu.RLock()
	handlers := r.handlers
	r.mu.RUnlock()
	for _, h := range handlers {
		h.HandleInbound(ev)
	}
	r.dispatched.Add(1)
}

func (r *Router) Stats() Stats {
	return Stats{
		Sent:         r.sent.Load(),
		Received:     r.received.Load(),
		Dispatched:   r.dispatched.Load(),
		DecodeErrors: r.decodeErrors.Load(),
		UnknownTypes: r.unknownTypes.Load(),
	}
}
