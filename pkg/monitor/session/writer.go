package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/callmon/pkg/core/clock"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// outboundWriter is the only goroutine writing to one connection. It
// drains the outbox in order and removes a frame only after it was
// written, so a frame whose write failed goes out on the next connection.
type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	out          *outbox
	clock        clock.Clock
	pingInterval time.Duration
	writeTimeout time.Duration
	onSent       func(frame)
	// flushOnExit reports whether queued edges should be written before
	// the close frame. A lost connection must not swallow them.
	flushOnExit func() bool
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil || w.out == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	if w.writeTimeout <= 0 {
		w.writeTimeout = defaultWriteTimeout
	}
	clk := w.clock
	if clk == nil {
		clk = clock.Real()
	}

	pingTicker := clk.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			if w.flushOnExit != nil && w.flushOnExit() {
				w.flushEdgesOnShutdown()
			}
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.writeTimeout))
			return nil
		default:
		}

		if f, ok := w.out.front(); ok {
			if err := w.writeFrame(f); err != nil {
				return err
			}
			continue
		}

		select {
		case <-w.ctx.Done():
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.writeTimeout)); err != nil {
				return err
			}
		case <-w.out.ready():
		}
	}
}

// flushEdgesOnShutdown gives queued lifecycle edges (a trailing call_end,
// typically) a short, bounded chance to go out before the close frame.
func (w *outboundWriter) flushEdgesOnShutdown() {
	flushTimeout := 100 * time.Millisecond
	if w.writeTimeout < flushTimeout {
		flushTimeout = w.writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		f, ok := w.out.frontEdge()
		if !ok {
			return
		}
		if err := w.writeFrame(f); err != nil {
			return
		}
	}
}

func (w *outboundWriter) writeFrame(f frame) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	if err := w.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
		return err
	}
	w.out.remove(f.seq)
	if w.onSent != nil {
		w.onSent(f)
	}
	return nil
}
