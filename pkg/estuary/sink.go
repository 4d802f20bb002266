package estuary

// estuary means "mouth of river"
// Noun, the tidal mouth of a large river, where the tide meets the stream

// Sinks here apply change records to a read-model store as upsert-by-id
// and delete-by-id. Both must be idempotent: last write wins.

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cohenjo/readmodel/pkg/config"
)

// Operations reported in errors and metrics.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Sink is a key/document read-model store.
type Sink interface {
	Upsert(ctx context.Context, id interface{}, fields map[string]interface{}) error
	Delete(ctx context.Context, id interface{}) error
	Close() error
	Name() string
}

var sinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "readmodel_sink_writes_total",
	Help: "Sink calls by sink, operation and result",
}, []string{"sink", "operation", "result"})

// NewSink builds the sink selected by cfg, wrapped with write counters.
// primaryKey names the key column for stores that address rows by column.
func NewSink(ctx context.Context, cfg config.SinkConfig, primaryKey string) (Sink, error) {
	var (
		sink Sink
		err  error
	)
	switch cfg.Type {
	case config.SinkElasticsearch:
		var es *ElasticSink
		es, err = NewElasticSink(cfg)
		if err == nil {
			err = es.EnsureIndex(ctx)
		}
		sink = es
	case config.SinkMongoDB:
		sink, err = NewMongoSink(ctx, cfg)
	case config.SinkCosmosDB:
		sink, err = NewCosmosSink(cfg)
	case config.SinkMySQL:
		var ms *MySQLSink
		ms, err = NewMySQLSink(ctx, cfg)
		if err == nil {
			ms.WithPrimaryKey(primaryKey)
		}
		sink = ms
	case config.SinkKafka:
		sink, err = NewKafkaSink(cfg)
	case config.SinkStdout:
		sink = NewStdoutSink(nil)
	default:
		return nil, fmt.Errorf("unsupported sink type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s sink: %w", cfg.Type, err)
	}
	return Instrument(sink), nil
}

type countingSink struct {
	Sink
}

// Instrument counts every call made through s.
func Instrument(s Sink) Sink {
	return countingSink{Sink: s}
}

func (c countingSink) Upsert(ctx context.Context, id interface{}, fields map[string]interface{}) error {
	err := c.Sink.Upsert(ctx, id, fields)
	sinkWrites.WithLabelValues(c.Name(), OpUpsert, result(err)).Inc()
	return err
}

func (c countingSink) Delete(ctx context.Context, id interface{}) error {
	err := c.Sink.Delete(ctx, id)
	sinkWrites.WithLabelValues(c.Name(), OpDelete, result(err)).Inc()
	return err
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// FormatID renders a primary key for stores that key documents by string.
func FormatID(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
