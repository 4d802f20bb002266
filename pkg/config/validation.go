package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// formatValidationErrors flattens validator output into one readable error.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value()))
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// validateCustomRules checks the fields each backend type needs.
func validateCustomRules(cfg *Config) error {
	var problems []string
	need := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	src := cfg.Source
	switch src.Type {
	case SourcePostgreSQL:
		need(src.Host != "", "source.host is required for postgresql")
		need(src.Database != "", "source.database is required for postgresql")
		need(src.Username != "", "source.username is required for postgresql")
		need(src.SlotName != "", "source.slot_name is required for postgresql")
		need(src.Publication != "", "source.publication is required for postgresql")
		schema, _ := src.SchemaAndTable()
		need(schema != "", "source.table must be schema-qualified for postgresql")
	case SourceMySQL:
		need(src.Host != "", "source.host is required for mysql")
		need(src.Username != "", "source.username is required for mysql")
		need(src.ServerID != 0, "source.server_id is required for mysql")
	case SourceKafka:
		need(len(src.Brokers) > 0, "source.brokers is required for kafka")
		need(src.Topic != "", "source.topic is required for kafka")
		need(src.ConsumerGroup != "", "source.consumer_group is required for kafka")
	}

	sink := cfg.Sink
	if sink.Type != SinkStdout {
		need(sink.Target != "", "sink.target is required")
	}
	switch sink.Type {
	case SinkElasticsearch:
		need(len(sink.Addresses) > 0, "sink.addresses is required for elasticsearch")
	case SinkMongoDB:
		need(sink.URI != "", "sink.uri is required for mongodb")
		need(sink.Database != "", "sink.database is required for mongodb")
	case SinkCosmosDB:
		need(sink.Endpoint != "", "sink.endpoint is required for cosmosdb")
		need(sink.Database != "", "sink.database is required for cosmosdb")
		need(sink.AuthMethod != "key" || sink.Key != "", "sink.key is required for cosmosdb key auth")
	case SinkMySQL:
		need(sink.Host != "", "sink.host is required for mysql")
		need(sink.Database != "", "sink.database is required for mysql")
	case SinkKafka:
		need(len(sink.Brokers) > 0, "sink.brokers is required for kafka")
	}

	cp := cfg.Checkpoint
	switch cp.Type {
	case CheckpointFile:
		need(cp.Directory != "", "checkpoint.directory is required for file")
	case CheckpointBolt:
		need(cp.Path != "", "checkpoint.path is required for bolt")
	case CheckpointMongoDB:
		need(cp.MongoURI != "", "checkpoint.mongo_uri is required for mongodb")
		need(cp.MongoDatabase != "", "checkpoint.mongo_database is required for mongodb")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
