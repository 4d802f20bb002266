package streams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/pquerna/ffjson/ffjson"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/readmodel/pkg/config"
	"github.com/cohenjo/readmodel/pkg/events"
)

/*
KafkaDebeziumSource consumes a topic written by a Debezium connector.

Partitions are consumed concurrently by sarama but handler calls are
serialized, and a message offset is marked only after the handler returned.
Committed group offsets are this source's checkpoint.
*/
type KafkaDebeziumSource struct {
	cfg    config.SourceConfig
	schema string
	table  string
	group  sarama.ConsumerGroup
	stop   *stopSignal

	handlerMu sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewKafkaDebeziumSource joins the consumer group.
func NewKafkaDebeziumSource(cfg config.SourceConfig) (*KafkaDebeziumSource, error) {
	sc := sarama.NewConfig()
	sc.ClientID = "readmodel"
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true
	sc.Consumer.Group.Session.Timeout = 10 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	sc.Version = sarama.V2_6_0_0
	if cfg.Username != "" && cfg.Password != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = cfg.Username
		sc.Net.SASL.Password = cfg.Password
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	return newKafkaDebeziumSource(cfg, group), nil
}

func newKafkaDebeziumSource(cfg config.SourceConfig, group sarama.ConsumerGroup) *KafkaDebeziumSource {
	schema, table := cfg.SchemaAndTable()
	return &KafkaDebeziumSource{
		cfg:    cfg,
		schema: schema,
		table:  table,
		group:  group,
		stop:   newStopSignal(),
	}
}

func (s *KafkaDebeziumSource) Name() string { return config.SourceKafka }

func (s *KafkaDebeziumSource) RequestStop() { s.stop.request() }

// Run consumes until RequestStop, rejoining the group after rebalances.
func (s *KafkaDebeziumSource) Run(ctx context.Context, handler Handler) error {
	runCtx, cancel := s.stop.runContext(ctx)
	defer cancel()

	go func() {
		for err := range s.group.Errors() {
			log.Error().Err(err).Str("source", s.Name()).Str("topic", s.cfg.Topic).Msg("Kafka consumer error")
		}
	}()

	log.Info().Str("source", s.Name()).Str("topic", s.cfg.Topic).Str("group", s.cfg.ConsumerGroup).Msg("Starting Kafka consumption")

	gh := &debeziumGroupHandler{source: s, ctx: runCtx, handler: handler}
	for {
		err := s.group.Consume(runCtx, []string{s.cfg.Topic}, gh)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			if s.stop.requested() {
				return nil
			}
			return ErrSourceClosed
		}
		if runCtx.Err() != nil {
			if s.stop.requested() {
				return nil
			}
			return ctx.Err()
		}
		if err != nil {
			log.Error().Err(err).Str("source", s.Name()).Msg("Kafka consumption error")
			select {
			case <-runCtx.Done():
				continue
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (s *KafkaDebeziumSource) Close() error {
	s.closeOnce.Do(func() {
		s.stop.request()
		s.closeErr = s.group.Close()
	})
	return s.closeErr
}

// deliver decodes one message and hands it to the handler. Undecodable
// messages and tombstones are logged and skipped.
func (s *KafkaDebeziumSource) deliver(ctx context.Context, msg *sarama.ConsumerMessage, handler Handler) {
	n, err := decodeDebeziumMessage(msg.Value)
	if err != nil {
		log.Error().Err(err).Str("source", s.Name()).Str("topic", msg.Topic).Int32("partition", msg.Partition).Int64("offset", msg.Offset).Msg("Skipping undecodable message")
		return
	}
	if n == nil {
		log.Debug().Str("source", s.Name()).Int64("offset", msg.Offset).Msg("Skipping tombstone")
		return
	}
	if !s.wants(n.Source) {
		return
	}
	n.Source.Position = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)

	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	handler(ctx, n)
}

// wants filters by the configured table when the envelope names one.
func (s *KafkaDebeziumSource) wants(src events.SourceInfo) bool {
	if src.Table == "" || s.table == "" {
		return true
	}
	if src.Table != s.table {
		return false
	}
	return src.Schema == "" || s.schema == "" || src.Schema == s.schema
}

type debeziumGroupHandler struct {
	source  *KafkaDebeziumSource
	ctx     context.Context
	handler Handler
}

func (h *debeziumGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Debug().Str("source", h.source.Name()).Msg("Kafka consumer session setup")
	return nil
}

func (h *debeziumGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Debug().Str("source", h.source.Name()).Msg("Kafka consumer session cleanup")
	return nil
}

func (h *debeziumGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if h.ctx.Err() != nil {
				return nil
			}
			h.source.deliver(h.ctx, msg, h.handler)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// Debezium JSON envelope, with or without the schema block.
type debeziumEnvelope struct {
	Schema  *debeziumSchema `json:"schema"`
	Payload json.RawMessage `json:"payload"`
}

type debeziumSchema struct {
	Type   string          `json:"type"`
	Field  string          `json:"field"`
	Fields []debeziumField `json:"fields"`
}

type debeziumField struct {
	Field  string          `json:"field"`
	Type   string          `json:"type"`
	Fields []debeziumField `json:"fields"`
}

type debeziumPayload struct {
	Op     string          `json:"op"`
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Source debeziumSource  `json:"source"`
	TsMs   int64           `json:"ts_ms"`
}

type debeziumSource struct {
	Connector string          `json:"connector"`
	Name      string          `json:"name"`
	DB        string          `json:"db"`
	Schema    string          `json:"schema"`
	Table     string          `json:"table"`
	TsMs      int64           `json:"ts_ms"`
	Snapshot  json.RawMessage `json:"snapshot"`
}

/*
decodeDebeziumMessage turns a Debezium change event into a notification.
A nil or empty value is a tombstone and yields (nil, nil). Field order
follows the schema block when present, and is alphabetical otherwise.
*/
func decodeDebeziumMessage(value []byte) (*events.RawChangeNotification, error) {
	if len(bytes.TrimSpace(value)) == 0 {
		return nil, nil
	}

	var env debeziumEnvelope
	if err := ffjson.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	raw := json.RawMessage(value)
	if env.Schema != nil || len(env.Payload) > 0 {
		raw = env.Payload
	}
	if isJSONNull(raw) {
		return nil, nil
	}

	var p debeziumPayload
	if err := ffjson.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	n := &events.RawChangeNotification{
		Op: p.Op,
		Source: events.SourceInfo{
			Connector: p.Source.Connector,
			Database:  p.Source.DB,
			Schema:    p.Source.Schema,
			Table:     p.Source.Table,
			Snapshot:  snapshotFlag(p.Source.Snapshot),
		},
	}
	if p.Source.TsMs > 0 {
		n.Source.CommitTime = time.UnixMilli(p.Source.TsMs).UTC()
	}

	var err error
	if n.Before, err = decodeImage(p.Before, env.Schema.imageFields("before")); err != nil {
		return nil, fmt.Errorf("invalid before image: %w", err)
	}
	if n.After, err = decodeImage(p.After, env.Schema.imageFields("after")); err != nil {
		return nil, fmt.Errorf("invalid after image: %w", err)
	}
	return n, nil
}

// imageFields returns the declared field names of the named struct.
func (s *debeziumSchema) imageFields(name string) []string {
	if s == nil {
		return nil
	}
	for _, f := range s.Fields {
		if f.Field != name {
			continue
		}
		names := make([]string, len(f.Fields))
		for i, col := range f.Fields {
			names[i] = col.Field
		}
		return names
	}
	return nil
}

// decodeImage decodes a row object, keeping numbers exact.
func decodeImage(raw json.RawMessage, order []string) (*events.RowImage, error) {
	if isJSONNull(raw) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row map[string]interface{}
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(row))
	seen := make(map[string]bool, len(row))
	for _, name := range order {
		if _, ok := row[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range row {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	img := &events.RowImage{Fields: make([]events.Field, len(names))}
	for i, name := range names {
		img.Fields[i] = events.Field{Name: name, Value: plainNumber(row[name])}
	}
	return img, nil
}

func plainNumber(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func isJSONNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// snapshotFlag reads source.snapshot, which Debezium sends as a bool or as
// "true", "last", "incremental" or "false".
func snapshotFlag(raw json.RawMessage) bool {
	v := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	switch v {
	case "", "null", "false":
		return false
	default:
		return true
	}
}
