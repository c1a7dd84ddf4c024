package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"
)

// ShutdownHandler runs registered hooks in priority order when the process
// receives a termination signal or Shutdown is called.
type ShutdownHandler struct {
	mu           sync.Mutex
	hooks        []ShutdownHook
	timeout      time.Duration
	signals      []os.Signal
	logger       *slog.Logger
	shutdownCh   chan struct{}
	doneCh       chan struct{}
	started      bool
	shutdownOnce sync.Once
	doneOnce     sync.Once
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook struct {
	Name     string
	Priority int // lower runs first
	Fn       func(ctx context.Context) error
}

// ShutdownConfig configures the shutdown handler.
type ShutdownConfig struct {
	Timeout time.Duration
	Signals []os.Signal
	Logger  *slog.Logger
}

// DefaultShutdownConfig waits 30s for hooks and listens for SIGTERM and SIGINT.
func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

// NewShutdownHandler creates a new shutdown handler.
func NewShutdownHandler(config *ShutdownConfig) *ShutdownHandler {
	if config == nil {
		config = DefaultShutdownConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownHandler{
		timeout:    config.Timeout,
		signals:    config.Signals,
		logger:     logger,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// RegisterHook adds a shutdown hook. Hooks with equal priority run in
// registration order.
func (s *ShutdownHandler) RegisterHook(name string, priority int, fn func(ctx context.Context) error) {
	s.Add(ShutdownHook{Name: name, Priority: priority, Fn: fn})
}

// Add registers a prepared hook.
func (s *ShutdownHandler) Add(h ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
	slices.SortStableFunc(s.hooks, func(a, b ShutdownHook) int { return a.Priority - b.Priority })
}

// Start begins listening for shutdown signals.
func (s *ShutdownHandler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	if len(s.signals) > 0 {
		signal.Notify(sigCh, s.signals...)
	}

	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info("shutdown signal received", "signal", sig.String())
		case <-s.shutdownCh:
		}
		signal.Stop(sigCh)
		s.shutdown()
	}()
}

// Shutdown triggers a manual shutdown. It is a no-op before Start.
func (s *ShutdownHandler) Shutdown() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Wait blocks until shutdown is complete.
func (s *ShutdownHandler) Wait() {
	<-s.doneCh
}

// WaitWithTimeout blocks until shutdown is complete or timeout, reporting
// whether it completed.
func (s *ShutdownHandler) WaitWithTimeout(timeout time.Duration) bool {
	select {
	case <-s.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done returns a channel that closes when shutdown is complete.
func (s *ShutdownHandler) Done() <-chan struct{} {
	return s.doneCh
}

func (s *ShutdownHandler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.mu.Lock()
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	for _, hook := range hooks {
		if err := hook.Fn(ctx); err != nil {
			s.logger.Warn("shutdown hook failed", "hook", hook.Name, "error", err)
		}
	}
	s.doneOnce.Do(func() { close(s.doneCh) })
}

// HTTPServerShutdownHook stops an HTTP server first so no request observes
// half-closed dependencies.
func HTTPServerShutdownHook(name string, shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{Name: name, Priority: 10, Fn: shutdownFn}
}

// WatcherShutdownHook stops the file watcher event loop.
func WatcherShutdownHook(stopFn func()) ShutdownHook {
	return ShutdownHook{
		Name:     "file-watcher",
		Priority: 15,
		Fn: func(context.Context) error {
			stopFn()
			return nil
		},
	}
}

// TemporalWorkerShutdownHook stops a Temporal worker.
func TemporalWorkerShutdownHook(stopFn func()) ShutdownHook {
	return ShutdownHook{
		Name:     "temporal-worker",
		Priority: 20,
		Fn: func(context.Context) error {
			stopFn()
			return nil
		},
	}
}

// TracingShutdownHook flushes and stops the tracer provider.
func TracingShutdownHook(shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{Name: "tracing", Priority: 80, Fn: shutdownFn}
}

// GraphShutdownHook closes the graph mirror after everything that writes to it.
func GraphShutdownHook(closeFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{Name: "graph", Priority: 90, Fn: closeFn}
}
