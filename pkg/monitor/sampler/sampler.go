// Package sampler periodically captures media from the host while a call
// is active and hands each capture to the session as an outbound event.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vango-go/callmon/pkg/core/clock"
	"github.com/vango-go/callmon/pkg/core/types"
)

const (
	DefaultInterval       = 2 * time.Second
	DefaultCaptureTimeout = 1500 * time.Millisecond
	DefaultMaxConcurrent  = 4
)

// ErrNoHost is returned by Start when no capture host is attached.
var ErrNoHost = errors.New("sampler: no capture host")

var errEmptyCapture = errors.New("capture returned no data")

// Source is one capturable element on the host, a video tile for example.
// Ready and ID must not block; Capture must honor ctx.
type Source interface {
	ID() string
	Kind() types.MediaKind
	Ready() bool
	Capture(ctx context.Context) ([]byte, error)
}

// Host enumerates the sources that exist right now.
type Host interface {
	Sources() []Source
}

// HostFunc adapts a function to Host.
type HostFunc func() []Source

func (f HostFunc) Sources() []Source { return f() }

// CaptureError is one failed capture. It never stops the scheduler.
type CaptureError struct {
	SourceID string
	Err      error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.SourceID, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Executor is the actor loop ticks and results are funneled through.
type Executor interface {
	Post(fn func()) error
	Submit(ctx context.Context, fn func()) error
}

type Config struct {
	Interval       time.Duration
	CaptureTimeout time.Duration
	// MaxConcurrent bounds captures in flight across all sources.
	MaxConcurrent int64
}

type Deps struct {
	Loop   Executor
	Host   Host
	Clock  clock.Clock
	Logger *slog.Logger
	// Emit receives every captured frame, on the loop.
	Emit func(types.OutboundEvent)
}

// Stats are cumulative counters.
type Stats struct {
	Ticks     uint64
	Captured  uint64
	Failed    uint64
	Skipped   uint64
	Discarded uint64
}

// Scheduler is the SamplingScheduler. Start and Stop must run on the loop.
type Scheduler struct {
	cfg    Config
	loop   Executor
	host   Host
	clock  clock.Clock
	logger *slog.Logger
	emit   func(types.OutboundEvent)
	sem    *semaphore.Weighted

	// Loop-owned.
	running  bool
	gen      uint64
	callID   string
	ticker   *clock.Ticker
	stop     chan struct{}
	inflight map[string]uint64

	ticks     atomic.Uint64
	captured  atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
	discarded atomic.Uint64
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = DefaultCaptureTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		loop:     deps.Loop,
		host:     deps.Host,
		clock:    deps.Clock,
		logger:   deps.Logger,
		emit:     deps.Emit,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		inflight: make(map[string]uint64),
	}
}

// Running reports whether the timer is armed.
func (s *Scheduler) Running() bool { return s.running }

func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:     s.ticks.Load(),
		Captured:  s.captured.Load(),
		Failed:    s.failed.Load(),
		Skipped:   s.skipped.Load(),
		Discarded: s.discarded.Load(),
	}
}

// Start arms the recurring timer for callID. Calling it while armed is a
// no-op.
func (s *Scheduler) Start(callID string) error {
	if s.host == nil || s.loop == nil {
		return ErrNoHost
	}
	if s.running {
		return nil
	}
	s.running = true
	s.gen++
	s.callID = callID
	s.ticker = s.clock.NewTicker(s.cfg.Interval)
	s.stop = make(chan struct{})
	go s.forward(s.gen, s.ticker, s.stop)
	s.logger.Debug("sampling started", "call_id", callID, "interval", s.cfg.Interval)
	return nil
}

// Stop disarms the timer. Captures already running finish on their own
// and their results are discarded. Idempotent.
func (s *Scheduler) Stop() {
	if !s.running {
		return
	}
	s.running = false
	s.gen++
	s.ticker.Stop()
	close(s.stop)
	s.ticker, s.stop = nil, nil
	s.logger.Debug("sampling stopped", "call_id", s.callID)
	s.callID = ""
}

// forward moves ticks onto the loop. A tick that finds the loop queue
// full is dropped rather than delaying the timer.
func (s *Scheduler) forward(gen uint64, t *clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := s.loop.Post(func() { s.tick(gen) }); err != nil {
				s.skipped.Add(1)
				s.logger.Warn("sampling tick dropped", "error", err)
			}
		}
	}
}

func (s *Scheduler) tick(gen uint64) {
	if !s.running || gen != s.gen {
		return
	}
	s.ticks.Add(1)
	callID := s.callID
	for _, src := range s.host.Sources() {
		if src == nil {
			continue
		}
		id := src.ID()
		if _, busy := s.inflight[id]; busy {
			s.skipped.Add(1)
			continue
		}
		if !src.Ready() {
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.skipped.Add(1)
			s.logger.Debug("capture skipped, too many in flight", "source_id", id)
			continue
		}
		s.inflight[id] = gen
		go s.capture(gen, callID, id, src)
	}
}

func (s *Scheduler) capture(gen uint64, callID, id string, src Source) {
	defer s.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CaptureTimeout)
	data, err := src.Capture(ctx)
	cancel()
	if err == nil && len(data) == 0 {
		err = errEmptyCapture
	}
	at := s.clock.Now()
	kind := src.Kind()

	_ = s.loop.Submit(context.Background(), func() {
		s.finish(gen, callID, id, kind, data, at, err)
	})
}

func (s *Scheduler) finish(gen uint64, callID, id string, kind types.MediaKind, data []byte, at time.Time, err error) {
	if s.inflight[id] == gen {
		delete(s.inflight, id)
	}
	if !s.running || gen != s.gen {
		s.discarded.Add(1)
		return
	}
	if err != nil {
		s.failed.Add(1)
		cerr := &CaptureError{SourceID: id, Err: err}
		s.logger.Warn("capture failed", "error", cerr)
		return
	}
	s.captured.Add(1)
	if s.emit == nil {
		return
	}
	if kind == types.MediaAudio {
		s.emit(types.AudioChunk{CallID: callID, SourceID: id, Payload: data, CapturedAt: at})
		return
	}
	s.emit(types.VideoFrame{CallID: callID, SourceID: id, Payload: data, CapturedAt: at})
}
