package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// Factory builds the Monitor for one user.
type Factory func(userID string) (*Monitor, error)

// Registry holds at most one running Monitor per user id.
type Registry struct {
	ctx     context.Context
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	monitors map[string]*trackedMonitor
	wg       sync.WaitGroup
}

type trackedMonitor struct {
	m    *Monitor
	once sync.Once
}

// NewRegistry returns a Registry whose monitors run until ctx is done or
// they are removed.
func NewRegistry(ctx context.Context, factory Factory, logger *slog.Logger) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ctx:      ctx,
		factory:  factory,
		logger:   logger,
		monitors: make(map[string]*trackedMonitor),
	}
}

// Ensure returns the running Monitor for userID, creating and starting one
// on first need.
func (r *Registry) Ensure(userID string) (*Monitor, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("monitor: user id is required")
	}
	if r.factory == nil {
		return nil, errors.New("monitor: registry has no factory")
	}

	for {
		r.mu.Lock()
		entry := r.monitors[userID]
		if entry == nil {
			break
		}
		if !entry.m.closed.Load() {
			r.mu.Unlock()
			return entry.m, nil
		}
		r.mu.Unlock()

		// A previous Monitor for this user is still stopping; never run two
		// channels for one user.
		select {
		case <-entry.m.Done():
			r.unregister(userID, entry)
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		}
	}
	defer r.mu.Unlock()

	m, err := r.factory(userID)
	if err != nil {
		return nil, err
	}
	entry := &trackedMonitor{m: m}
	r.monitors[userID] = entry
	r.wg.Add(1)

	go func() {
		if err := m.Run(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("monitor stopped", "user_id", userID, "error", err)
		}
		r.unregister(userID, entry)
	}()
	return m, nil
}

func (r *Registry) Get(userID string) (*Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.monitors[userID]
	if entry == nil {
		return nil, false
	}
	return entry.m, true
}

// Remove shuts down the Monitor for userID, as on logout. It reports
// whether one was registered.
func (r *Registry) Remove(userID string) bool {
	m, ok := r.Get(userID)
	if !ok {
		return false
	}
	m.Shutdown()
	return true
}

func (r *Registry) unregister(userID string, entry *trackedMonitor) {
	entry.once.Do(func() {
		r.mu.Lock()
		if r.monitors[userID] == entry {
			delete(r.monitors, userID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}

// ShutdownAll asks every Monitor to stop and returns how many were asked.
func (r *Registry) ShutdownAll() (n int) {
	var monitors []*Monitor
	r.mu.Lock()
	for _, entry := range r.monitors {
		monitors = append(monitors, entry.m)
	}
	r.mu.Unlock()

	for _, m := range monitors {
		m.Shutdown()
		n++
	}
	return n
}

// Wait blocks until every Monitor has stopped or ctx is done. It reports
// whether all stopped.
func (r *Registry) Wait(ctx context.Context) bool {
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
