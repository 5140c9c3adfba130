package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/vango-go/callmon/internal/logging"
	"github.com/vango-go/callmon/pkg/monitor"
	"github.com/vango-go/callmon/pkg/monitor/config"
	"github.com/vango-go/callmon/pkg/monitor/overlay"
	"github.com/vango-go/callmon/pkg/monitor/session"
	"github.com/vango-go/callmon/pkg/monitor/store"
)

const shutdownWait = 5 * time.Second

type monitorOptions struct {
	framesDir string
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	now       func() time.Time
	// dialer overrides the websocket dialer in tests.
	dialer session.Dialer
}

func newMonitorCommand(ctx *commandContext) *cobra.Command {
	var framesDir string
	var userFlag string

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Monitor calls signaled on stdin",
		Long: `Connects to the backend for one user and shows who is on the call.

Commands are read from stdin, one per line:
  start    a call started
  end      the call ended
  status   print channel and call status
  quit     end any active call and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			effective := *cfg
			if u := strings.TrimSpace(userFlag); u != "" {
				effective.UserID = u
			}
			if err := effective.RequireCredentials(); err != nil {
				return err
			}
			logger, err := ctx.logger(cmd)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runMonitor(runCtx, effective, monitorOptions{
				framesDir: framesDir,
				logger:    logger,
				in:        cmd.InOrStdin(),
				out:       cmd.OutOrStdout(),
				now:       time.Now,
			})
		},
	}

	cmd.Flags().StringVar(&framesDir, "frames-dir", "", "Directory whose .jpg/.jpeg files are sampled as video and .wav files as audio")
	cmd.Flags().StringVar(&userFlag, "user", "", "User id (overrides user_id from the config)")
	return cmd
}

func runMonitor(ctx context.Context, cfg config.Config, opts monitorOptions) error {
	logger := opts.logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	lock, err := acquireUserLock(cfg.LockDir, cfg.UserID)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release user lock", "path", lock.Path(), "error", err)
		}
	}()

	deps := monitor.Deps{
		Dialer: opts.dialer,
		Logger: logger,
		OnAuthRejected: func(err *session.AuthRejectedError) {
			logger.Error("backend rejected the token; update it and restart callmon", "error", err)
		},
		OnStateChange: func(s session.State) {
			logger.Info("channel state changed", "state", s.String())
		},
	}
	if opts.framesDir != "" {
		info, err := os.Stat(opts.framesDir)
		if err != nil {
			return fmt.Errorf("frames dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("frames dir %s is not a directory", opts.framesDir)
		}
		deps.Host = &dirHost{dir: opts.framesDir, logger: logger}
	}

	m, err := monitor.New(cfg, deps)
	if err != nil {
		return err
	}

	out := &syncWriter{w: opts.out}
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()
	defer func() {
		m.Shutdown()
		select {
		case <-m.Done():
		case <-time.After(shutdownWait):
			logger.Warn("monitor did not stop in time")
		}
	}()

	printer := &overlayPrinter{out: out, now: opts.now, clear: logging.IsTerminal(opts.out)}
	cancelWatch := m.Watch(printer.update)
	defer cancelWatch()

	lines := make(chan string)
	scanDone := make(chan struct{})
	defer close(scanDone)
	go scanLines(opts.in, lines, scanDone)

	logger.Info("monitor ready", "backend_url", cfg.BackendURL, "frames_dir", opts.framesDir)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return nil
		case err := <-runErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleCommand(ctx, m, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleCommand(ctx context.Context, m *monitor.Monitor, line string, out io.Writer) (quit bool, err error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return false, nil
	case "start":
		return false, m.SignalStart(ctx)
	case "end":
		return false, m.SignalEnd(ctx)
	case "status":
		st, err := m.Status(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, renderStatus(st))
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (want start, end, status, or quit)", strings.TrimSpace(line))
	}
}

func scanLines(in io.Reader, lines chan<- string, done <-chan struct{}) {
	defer close(lines)
	if in == nil {
		return
	}
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-done:
			return
		}
	}
}

func acquireUserLock(dir, userID string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := filepath.Join(dir, "monitor-"+lockName(userID)+".lock")
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("another callmon monitor is already running for user " + userID)
	}
	return lock, nil
}

func lockName(userID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, userID)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type overlayPrinter struct {
	out   io.Writer
	now   func() time.Time
	clear bool

	mu      sync.Mutex
	version uint64
}

// update runs on the monitor loop; it skips snapshots older than the
// last one printed.
func (p *overlayPrinter) update(snap store.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.Version != 0 && snap.Version <= p.version {
		return
	}
	p.version = snap.Version
	if p.clear {
		fmt.Fprint(p.out, "\033[H\033[2J")
	}
	fmt.Fprintln(p.out, overlay.Render(snap, p.now()))
}
