package replicator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownHandler manages graceful shutdown of the replicator service
type ShutdownHandler struct {
	service         *Service
	logger          *logrus.Logger
	shutdownTimeout time.Duration
	signals         []os.Signal
	hooks           []ShutdownHook
	mu              sync.RWMutex
	isShuttingDown  bool
}

// ShutdownHook runs before the service is stopped.
type ShutdownHook struct {
	Name     string
	Priority int // Lower numbers execute first
	Timeout  time.Duration
	Fn       func(ctx context.Context) error
}

// ShutdownHandlerOptions configures the shutdown handler
type ShutdownHandlerOptions struct {
	Service         *Service
	Logger          *logrus.Logger
	ShutdownTimeout time.Duration
	Signals         []os.Signal
}

// NewShutdownHandler creates a new shutdown handler
func NewShutdownHandler(opts ShutdownHandlerOptions) *ShutdownHandler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Signals == nil {
		opts.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
	}

	return &ShutdownHandler{
		service:         opts.Service,
		logger:          opts.Logger,
		shutdownTimeout: opts.ShutdownTimeout,
		signals:         opts.Signals,
	}
}

// AddHook adds a shutdown hook to be executed during graceful shutdown
func (sh *ShutdownHandler) AddHook(hook ShutdownHook) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	sh.hooks = append(sh.hooks, hook)
	sort.SliceStable(sh.hooks, func(i, j int) bool {
		return sh.hooks[i].Priority < sh.hooks[j].Priority
	})

	sh.logger.WithFields(logrus.Fields{
		"hook":     hook.Name,
		"priority": hook.Priority,
		"timeout":  hook.Timeout,
	}).Debug("Added shutdown hook")
}

/*
Wait blocks until a shutdown signal arrives, the service reports a fatal
event source error, or ctx is done, then shuts down. A fatal source error
is returned even if shutdown itself succeeds so the process exits non-zero.
*/
func (sh *ShutdownHandler) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sh.signals...)
	defer signal.Stop(sigChan)

	var fatal <-chan error
	if sh.service != nil {
		fatal = sh.service.Fatal()
	}

	sh.logger.WithField("signals", sh.signals).Info("Waiting for shutdown signal")

	var cause error
	select {
	case sig := <-sigChan:
		sh.logger.WithField("signal", sig).Info("Received shutdown signal")
	case err := <-fatal:
		sh.logger.WithError(err).Error("Shutting down after fatal event source error")
		cause = err
	case <-ctx.Done():
		sh.logger.Info("Context done, shutting down")
	}

	if err := sh.Shutdown(); err != nil {
		if cause != nil {
			return errors.Join(cause, err)
		}
		return err
	}
	return cause
}

// Shutdown runs the hooks and then stops the service. It may run only once.
func (sh *ShutdownHandler) Shutdown() error {
	sh.mu.Lock()
	if sh.isShuttingDown {
		sh.mu.Unlock()
		return errors.New("shutdown already in progress")
	}
	sh.isShuttingDown = true
	hooks := append([]ShutdownHook(nil), sh.hooks...)
	sh.mu.Unlock()

	began := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), sh.shutdownTimeout)
	defer cancel()
	sh.logger.WithField("timeout", sh.shutdownTimeout).Info("Shutting down")

	var errs []error
	for _, hook := range hooks {
		if err := sh.runHook(ctx, hook); err != nil {
			errs = append(errs, err)
		}
	}
	if sh.service != nil {
		if err := sh.service.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop service: %w", err))
		}
	}

	err := errors.Join(errs...)
	entry := sh.logger.WithField("took", time.Since(began).Round(time.Millisecond))
	if err != nil {
		entry.WithError(err).Error("Shutdown finished with errors")
		return err
	}
	entry.Info("Shutdown complete")
	return nil
}

func (sh *ShutdownHandler) runHook(ctx context.Context, hook ShutdownHook) error {
	hookCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	began := time.Now()
	err := hook.Fn(hookCtx)
	entry := sh.logger.WithFields(logrus.Fields{"hook": hook.Name, "took": time.Since(began)})
	if err != nil {
		entry.WithError(err).Error("Shutdown hook failed")
		return fmt.Errorf("hook %s: %w", hook.Name, err)
	}
	entry.Debug("Shutdown hook done")
	return nil
}

// IsShuttingDown returns true if shutdown is in progress
func (sh *ShutdownHandler) IsShuttingDown() bool {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.isShuttingDown
}

// GetHooks returns a copy of all registered hooks
func (sh *ShutdownHandler) GetHooks() []ShutdownHook {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	hooks := make([]ShutdownHook, len(sh.hooks))
	copy(hooks, sh.hooks)
	return hooks
}

// CreateStatsLogHook logs the final consumer counters.
func CreateStatsLogHook(service *Service, logger *logrus.Logger) ShutdownHook {
	return ShutdownHook{
		Name:     "stats_log",
		Priority: 5,
		Timeout:  time.Second,
		Fn: func(ctx context.Context) error {
			st := service.Stats()
			logger.WithFields(logrus.Fields{
				"state":       st.State,
				"received":    st.Received,
				"upserts":     st.Upserts,
				"deletes":     st.Deletes,
				"skipped":     st.Skipped,
				"malformed":   st.Malformed,
				"sink_errors": st.SinkErrors,
			}).Info("Final consumer stats")
			return nil
		},
	}
}
