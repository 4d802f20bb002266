package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cohenjo/readmodel/pkg/api"
	"github.com/cohenjo/readmodel/pkg/config"
	"github.com/cohenjo/readmodel/pkg/estuary"
	"github.com/cohenjo/readmodel/pkg/metrics"
	"github.com/cohenjo/readmodel/pkg/position"
	"github.com/cohenjo/readmodel/pkg/streams"
)

// ServiceStatus represents the current status of the service
type ServiceStatus string

const (
	StatusStopped  ServiceStatus = "stopped"
	StatusStarting ServiceStatus = "starting"
	StatusRunning  ServiceStatus = "running"
	StatusStopping ServiceStatus = "stopping"
	StatusError    ServiceStatus = "error"
)

// ServiceOptions configures a Service. Source, Sink and Tracker are built
// from Config when nil.
type ServiceOptions struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Version string

	Source  streams.EventSource
	Sink    estuary.Sink
	Tracker position.Tracker
}

// Service owns the consumer and everything around it: checkpoint store,
// sink, telemetry and the HTTP API.
type Service struct {
	config    *config.Config
	logger    *logrus.Logger
	telemetry *metrics.Telemetry
	tracker   position.Tracker
	sink      estuary.Sink
	consumer  *Consumer
	apiServer *api.Server

	fatal       chan error
	status      ServiceStatus
	startTime   time.Time
	wg          sync.WaitGroup
	mu          sync.RWMutex
	releaseOnce sync.Once
	released    bool
}

// ServiceStatusReport is served on /status.
type ServiceStatusReport struct {
	Status    ServiceStatus `json:"status"`
	StartTime time.Time     `json:"start_time,omitempty"`
	Uptime    string        `json:"uptime,omitempty"`
	Table     string        `json:"table"`
	Consumer  Stats         `json:"consumer"`
}

// NewService creates a new replicator service instance
func NewService(ctx context.Context, opts ServiceOptions) (*Service, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	cfg := opts.Config

	telemetry, err := metrics.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry: %w", err)
	}

	s := &Service{
		config:    cfg,
		logger:    opts.Logger,
		telemetry: telemetry,
		tracker:   opts.Tracker,
		sink:      opts.Sink,
		fatal:     make(chan error, 1),
		status:    StatusStopped,
	}

	// Anything built before a failure is released again.
	fail := func(err error) (*Service, error) {
		s.release(context.Background())
		return nil, err
	}

	if s.tracker == nil {
		if s.tracker, err = position.NewTracker(ctx, cfg.Checkpoint, opts.Logger); err != nil {
			return fail(fmt.Errorf("failed to create checkpoint store: %w", err))
		}
	}

	source := opts.Source
	if source == nil {
		if source, err = streams.NewEventSource(cfg.Source, s.tracker, cfg.Checkpoint.StreamID); err != nil {
			return fail(fmt.Errorf("failed to create event source: %w", err))
		}
	}

	if s.sink == nil {
		if s.sink, err = estuary.NewSink(ctx, cfg.Sink, cfg.Consumer.PrimaryKey); err != nil {
			return fail(fmt.Errorf("failed to create sink: %w", err))
		}
	}

	s.consumer = NewConsumer(source, s.sink, ConsumerOptions{
		PrimaryKey:   cfg.Consumer.PrimaryKey,
		ApplyTimeout: cfg.Consumer.ApplyTimeout,
		Telemetry:    telemetry,
	})

	if cfg.Server.Enabled {
		s.apiServer = api.NewServer(cfg.Server, opts.Version, s, telemetry)
	}

	s.logger.WithFields(logrus.Fields{
		"source":     source.Name(),
		"sink":       s.sink.Name(),
		"table":      cfg.Source.Table,
		"checkpoint": cfg.Checkpoint.Type,
		"stream_id":  cfg.Checkpoint.StreamID,
	}).Info("Replicator service created")

	return s, nil
}

// Start starts the consumer and the API server and returns immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusStopped {
		s.mu.Unlock()
		return fmt.Errorf("service is not stopped (current status: %s)", s.status)
	}
	if s.released {
		s.mu.Unlock()
		return errors.New("service resources already released")
	}
	s.status = StatusStarting
	s.startTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("Starting replicator service")

	if s.apiServer != nil {
		if err := s.apiServer.Start(); err != nil {
			s.setStatus(StatusError)
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	if err := s.consumer.Start(ctx); err != nil {
		s.setStatus(StatusError)
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	s.wg.Add(1)
	go s.watchConsumer()

	s.setStatus(StatusRunning)
	s.logger.Info("Replicator service started")
	return nil
}

// watchConsumer forwards a source failure to Fatal.
func (s *Service) watchConsumer() {
	defer s.wg.Done()
	<-s.consumer.Done()

	err := s.consumer.Err()
	if err == nil {
		return
	}
	s.setStatus(StatusError)
	s.logger.WithError(err).Error("Stream consumer failed")
	select {
	case s.fatal <- err:
	default:
	}
}

// Fatal delivers the consumer's *SourceFatalError if the event source dies.
func (s *Service) Fatal() <-chan error {
	return s.fatal
}

// Stop shuts down the API, the consumer, then the sink, checkpoint store and
// telemetry. If the consumer worker outlives ctx those stay open until it
// exits, since it may still be applying a change or saving a position.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusStopping:
		s.mu.Unlock()
		return nil
	case StatusStopped:
		s.mu.Unlock()
		// Never started, or already stopped. Either way release is idempotent.
		s.release(ctx)
		return nil
	}
	s.status = StatusStopping
	s.mu.Unlock()

	s.logger.Info("Stopping replicator service")

	var errs []error
	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.WithError(err).Warn("Failed to stop API server")
			errs = append(errs, err)
		}
	}

	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.WithError(err).Warn("Consumer still running, sink and checkpoint store stay open until it exits")
		go func() {
			s.wg.Wait()
			s.release(context.Background())
			s.setStatus(StatusStopped)
		}()
		return errors.Join(append(errs, err)...)
	}
	s.wg.Wait()

	s.release(ctx)
	s.setStatus(StatusStopped)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.WithField("uptime", time.Since(s.startTime).Round(time.Second)).Info("Replicator service stopped")
	return nil
}

// release closes the sink, tracker and telemetry once, logging failures.
func (s *Service) release(ctx context.Context) {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()

		if s.sink != nil {
			if err := s.sink.Close(); err != nil {
				s.logger.WithError(err).Warn("Failed to close sink")
			}
		}
		if s.tracker != nil {
			if err := s.tracker.Close(); err != nil {
				s.logger.WithError(err).Warn("Failed to close checkpoint store")
			}
		}
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Warn("Failed to shut down telemetry")
		}
	})
}

func (s *Service) setStatus(status ServiceStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// GetStatus returns the current service status
func (s *Service) GetStatus() ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) Stats() Stats {
	return s.consumer.Stats()
}

// Healthy reports whether the consumer is still applying changes.
func (s *Service) Healthy() (bool, string) {
	switch state := s.consumer.State(); state {
	case StateRunning:
		return true, ""
	case StateFailed:
		if err := s.consumer.Err(); err != nil {
			return false, err.Error()
		}
		return false, "event source failed"
	default:
		return false, "consumer " + state.String()
	}
}

func (s *Service) Status() interface{} {
	s.mu.RLock()
	report := ServiceStatusReport{
		Status:    s.status,
		StartTime: s.startTime,
		Table:     s.config.Source.Table,
	}
	s.mu.RUnlock()

	if !report.StartTime.IsZero() {
		report.Uptime = time.Since(report.StartTime).Round(time.Second).String()
	}
	report.Consumer = s.consumer.Stats()
	return report
}
