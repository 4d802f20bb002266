package streams

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cohenjo/readmodel/pkg/config"
	"github.com/cohenjo/readmodel/pkg/events"
	"github.com/cohenjo/readmodel/pkg/position"
)

// Handler receives notifications one at a time, in source order. A source
// does not deliver the next notification until the handler returns.
type Handler func(ctx context.Context, n *events.RawChangeNotification)

/*
EventSource pushes change notifications for a single table to a handler.

Run blocks until RequestStop is called (returning nil) or the source fails
(returning the error). RequestStop may be called from any goroutine and
more than once. Close releases connections and persists the last
checkpoint; it is safe to call more than once.
*/
type EventSource interface {
	Run(ctx context.Context, handler Handler) error
	RequestStop()
	Close() error
	Name() string
}

// ErrSourceClosed is returned by Run on a source that has been closed.
var ErrSourceClosed = errors.New("event source closed")

// NewEventSource builds the source selected by cfg.Type. tracker may be nil,
// in which case the source starts from its default position and never checkpoints.
func NewEventSource(cfg config.SourceConfig, tracker position.Tracker, streamID string) (EventSource, error) {
	switch cfg.Type {
	case config.SourcePostgreSQL:
		return NewPostgreSQLSource(cfg, tracker, streamID), nil
	case config.SourceMySQL:
		return NewMySQLSource(cfg, tracker, streamID), nil
	case config.SourceKafka:
		return NewKafkaDebeziumSource(cfg)
	default:
		return nil, fmt.Errorf("unsupported source type %q", cfg.Type)
	}
}

// stopSignal is a close-once channel shared by the sources.
type stopSignal struct {
	ch   chan struct{}
	once sync.Once
}

func newStopSignal() *stopSignal {
	return &stopSignal{ch: make(chan struct{})}
}

func (s *stopSignal) request() {
	s.once.Do(func() { close(s.ch) })
}

func (s *stopSignal) requested() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// runContext returns a context cancelled when ctx is done or stop is requested.
func (s *stopSignal) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.ch:
			cancel()
		case <-runCtx.Done():
		}
	}()
	return runCtx, cancel
}
