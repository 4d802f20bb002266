package estuary

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/pquerna/ffjson/ffjson"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/readmodel/pkg/config"
)

/*
KafkaSink publishes the read model to a compacted topic: one message per
change keyed by primary key, the full document as value, and a tombstone
(nil value) for deletes so compaction drops the key.
*/
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects a synchronous producer to cfg.Brokers.
func NewKafkaSink(cfg config.SinkConfig) (*KafkaSink, error) {
	// Strong consistency: wait for all in-sync replicas and retry before
	// reporting a failure to the consumer.
	sc := sarama.NewConfig()
	sc.ClientID = "readmodel"
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 10
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Version = sarama.V2_6_0_0
	if cfg.Username != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.Username
		sc.Net.SASL.Password = cfg.Password
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to start producer: %w", err)
	}
	return newKafkaSink(producer, cfg.Target), nil
}

func newKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) Name() string { return config.SinkKafka }

func (k *KafkaSink) Upsert(ctx context.Context, id interface{}, fields map[string]interface{}) error {
	data, err := ffjson.Marshal(fields)
	if err != nil {
		return newApplyError(k.Name(), OpUpsert, id, ErrCodeEncodeFailed, "failed to encode document", err)
	}
	return k.send(OpUpsert, id, sarama.ByteEncoder(data))
}

// Delete publishes a tombstone for id.
func (k *KafkaSink) Delete(ctx context.Context, id interface{}) error {
	return k.send(OpDelete, id, nil)
}

func (k *KafkaSink) send(op string, id interface{}, value sarama.Encoder) error {
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(FormatID(id)),
		Value: value,
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return newApplyError(k.Name(), op, id, ErrCodeUnavailable, "produce failed", err)
	}
	log.Debug().Str("topic", k.topic).Int32("partition", partition).Int64("offset", offset).Str("op", op).Msg("Published document")
	return nil
}

func (k *KafkaSink) Close() error {
	if err := k.producer.Close(); err != nil {
		return fmt.Errorf("failed to shut down producer cleanly: %w", err)
	}
	return nil
}
