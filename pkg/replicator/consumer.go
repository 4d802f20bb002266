package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"github.com/cohenjo/readmodel/pkg/estuary"
	"github.com/cohenjo/readmodel/pkg/events"
	"github.com/cohenjo/readmodel/pkg/metrics"
	"github.com/cohenjo/readmodel/pkg/streams"
)

// State is the consumer lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	// StateFailed means the event source died on its own. Only Stop is valid.
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrConsumerStopped is returned by Start once the consumer has been stopped.
	ErrConsumerStopped = errors.New("consumer stopped")
	ErrAlreadyStarted  = errors.New("consumer already started")
	errSourceReturned  = errors.New("event source returned without a stop request")
)

// SourceFatalError reports that the event source run loop ended on its own.
type SourceFatalError struct {
	Source string
	Err    error
}

func (e *SourceFatalError) Error() string {
	return fmt.Sprintf("event source %s failed: %v", e.Source, e.Err)
}

func (e *SourceFatalError) Unwrap() error { return e.Err }

// ConsumerOptions tunes a Consumer. The zero value is usable.
type ConsumerOptions struct {
	// PrimaryKey names the field used as the document id. Defaults to "id".
	PrimaryKey string

	// ApplyTimeout bounds each sink call. Zero means no bound.
	ApplyTimeout time.Duration

	Telemetry *metrics.Telemetry
}

// Stats is a snapshot of the consumer counters.
type Stats struct {
	State         string    `json:"state"`
	Source        string    `json:"source"`
	Sink          string    `json:"sink"`
	Received      uint64    `json:"received"`
	Applied       uint64    `json:"applied"`
	Upserts       uint64    `json:"upserts"`
	Deletes       uint64    `json:"deletes"`
	Skipped       uint64    `json:"skipped"`
	Malformed     uint64    `json:"malformed"`
	SinkErrors    uint64    `json:"sink_errors"`
	LastAppliedAt time.Time `json:"last_applied_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

/*
Consumer connects one event source to one sink.

Notifications are normalized and applied one at a time, in the order the
source delivers them. A malformed notification or a failed sink call is
logged and counted and the consumer moves on; neither is retried.
*/
type Consumer struct {
	source     streams.EventSource
	sink       estuary.Sink
	normalizer *events.Normalizer
	opts       ConsumerOptions

	mu            sync.Mutex
	state         State
	stopRequested bool
	done          chan struct{}
	err           error
	fatal         error // set when the handler itself hit something fatal
	lastError     string

	received   atomic.Uint64
	upserts    atomic.Uint64
	deletes    atomic.Uint64
	skipped    atomic.Uint64
	malformed  atomic.Uint64
	sinkErrors atomic.Uint64
	lastApply  atomic.Int64
}

// NewConsumer wires source to sink. Nothing runs until Start.
func NewConsumer(source streams.EventSource, sink estuary.Sink, opts ConsumerOptions) *Consumer {
	if opts.PrimaryKey == "" {
		opts.PrimaryKey = events.DefaultPrimaryKey
	}
	return &Consumer{
		source:     source,
		sink:       sink,
		normalizer: events.NewNormalizer(opts.PrimaryKey),
		opts:       opts,
		done:       make(chan struct{}),
	}
}

// Start launches the worker and returns immediately.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateCreated:
	case StateStopped:
		return ErrConsumerStopped
	default:
		return ErrAlreadyStarted
	}

	c.state = StateRunning
	metrics.SetConsumerRunning(true)
	log.Info().Str("source", c.source.Name()).Str("sink", c.sink.Name()).Str("primary_key", c.opts.PrimaryKey).Msg("Starting stream consumer")

	go c.run(ctx)
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in event source: %v", r)
			}
		}()
		err = c.source.Run(ctx, c.handle)
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fatal != nil {
		err = c.fatal
	}
	if c.stopRequested && c.fatal == nil {
		if err != nil {
			log.Warn().Err(err).Str("source", c.source.Name()).Msg("Event source returned an error while stopping")
		}
		return
	}
	if err == nil {
		err = errSourceReturned
	}

	c.err = &SourceFatalError{Source: c.source.Name(), Err: err}
	c.lastError = c.err.Error()
	if c.state == StateRunning {
		c.state = StateFailed
	}
	metrics.SetConsumerRunning(false)
	metrics.RecordSourceFailure(c.source.Name())
	log.Error().Err(err).Str("source", c.source.Name()).Str("sink", c.sink.Name()).Msg("EVENT SOURCE FAILED: read model is no longer being updated")
}

/*
Stop requests the source to stop, waits for the worker to finish its
current notification, then closes the source. Close errors are logged
only. Stop is idempotent and may be called before Start.
*/
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	started := c.state != StateCreated
	c.state = StateStopped
	c.stopRequested = true
	c.mu.Unlock()

	log.Info().Str("source", c.source.Name()).Msg("Stopping stream consumer")
	c.source.RequestStop()

	var joinErr error
	if started {
		select {
		case <-c.done:
		case <-ctx.Done():
			joinErr = fmt.Errorf("timed out waiting for consumer worker: %w", ctx.Err())
			log.Error().Err(joinErr).Str("source", c.source.Name()).Msg("Consumer worker did not finish in time")
		}
	}

	if err := c.source.Close(); err != nil {
		log.Warn().Err(err).Str("source", c.source.Name()).Msg("Failed to close event source")
	}
	metrics.SetConsumerRunning(false)

	if joinErr == nil {
		log.Info().Str("source", c.source.Name()).Msg("Stream consumer stopped")
	}
	return joinErr
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the worker exits, for whatever reason.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Err returns the *SourceFatalError if the source died on its own.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	state, lastError := c.state, c.lastError
	c.mu.Unlock()

	s := Stats{
		State:      state.String(),
		Source:     c.source.Name(),
		Sink:       c.sink.Name(),
		Received:   c.received.Load(),
		Upserts:    c.upserts.Load(),
		Deletes:    c.deletes.Load(),
		Skipped:    c.skipped.Load(),
		Malformed:  c.malformed.Load(),
		SinkErrors: c.sinkErrors.Load(),
		LastError:  lastError,
	}
	s.Applied = s.Upserts + s.Deletes
	if ts := c.lastApply.Load(); ts > 0 {
		s.LastAppliedAt = time.Unix(0, ts).UTC()
	}
	return s
}

// handle is the source handler: normalize, then apply synchronously.
func (c *Consumer) handle(ctx context.Context, n *events.RawChangeNotification) {
	defer func() {
		if r := recover(); r != nil {
			c.abort(fmt.Errorf("panic while handling notification: %v", r))
		}
	}()

	tel := c.opts.Telemetry
	c.received.Add(1)
	if n != nil {
		tel.RecordReceived(ctx, n.Op)
	}

	rec, err := c.normalizer.Normalize(n)
	if err != nil {
		c.malformed.Add(1)
		tel.RecordMalformed(ctx)
		c.setLastError(err)
		log.Warn().Err(err).Str("source", c.source.Name()).Msg("Skipping malformed change event")
		return
	}
	if rec == nil {
		c.skipped.Add(1)
		tel.RecordSkipped(ctx, "read")
		log.Debug().Str("source", c.source.Name()).Str("table", n.Source.QualifiedTable()).Msg("Skipping snapshot read")
		return
	}

	id, _ := rec.Key(c.opts.PrimaryKey)
	idStr := estuary.FormatID(id)

	// A stop request must not cut an in-flight write short.
	applyCtx := context.WithoutCancel(ctx)
	if c.opts.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		applyCtx, cancel = context.WithTimeout(applyCtx, c.opts.ApplyTimeout)
		defer cancel()
	}
	applyCtx, span := tel.StartApplySpan(applyCtx, rec.Kind.String(), rec.Table, idStr)
	defer span.End()

	start := time.Now()
	switch rec.Kind {
	case events.OperationDelete:
		err = c.sink.Delete(applyCtx, id)
	default:
		err = c.sink.Upsert(applyCtx, id, rec.Fields)
	}
	elapsed := time.Since(start)

	if err != nil {
		c.sinkErrors.Add(1)
		tel.RecordSinkError(ctx, rec.Kind.String(), elapsed)
		c.setLastError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "sink apply failed")
		log.Error().Err(err).
			Str("source", c.source.Name()).
			Str("sink", c.sink.Name()).
			Str("kind", rec.Kind.String()).
			Str("table", rec.Table).
			Str("id", idStr).
			Msg("Sink apply failed; read model may have diverged from the source")
		return
	}

	if rec.Kind == events.OperationDelete {
		c.deletes.Add(1)
	} else {
		c.upserts.Add(1)
	}
	c.lastApply.Store(time.Now().UnixNano())
	tel.RecordApplied(ctx, rec.Kind.String(), elapsed)
	log.Debug().Str("kind", rec.Kind.String()).Str("table", rec.Table).Str("id", idStr).Dur("took", elapsed).Msg("Applied change")
}

// abort records a fatal handler error and asks the source to stop.
func (c *Consumer) abort(err error) {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.mu.Unlock()
	log.Error().Err(err).Str("source", c.source.Name()).Msg("Aborting stream consumer")
	c.source.RequestStop()
}

func (c *Consumer) setLastError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}
