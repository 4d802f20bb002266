package config

import (
	"fmt"
	"strings"
	"time"
)

// Source types
const (
	SourcePostgreSQL = "postgresql"
	SourceMySQL      = "mysql"
	SourceKafka      = "kafka"
)

// Sink types
const (
	SinkElasticsearch = "elasticsearch"
	SinkMongoDB       = "mongodb"
	SinkCosmosDB      = "cosmosdb"
	SinkMySQL         = "mysql"
	SinkKafka         = "kafka"
	SinkStdout        = "stdout"
)

// Checkpoint store types
const (
	CheckpointFile    = "file"
	CheckpointBolt    = "bolt"
	CheckpointMongoDB = "mongodb"
)

// Config is the full process configuration.
type Config struct {
	Source     SourceConfig     `mapstructure:"source" yaml:"source" json:"source"`
	Sink       SinkConfig       `mapstructure:"sink" yaml:"sink" json:"sink"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint" json:"checkpoint"`
	Consumer   ConsumerConfig   `mapstructure:"consumer" yaml:"consumer" json:"consumer"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server" json:"server"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging" json:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`
}

// SourceConfig describes the captured table and how to reach it.
type SourceConfig struct {
	Type     string `mapstructure:"type" yaml:"type" json:"type" validate:"required,oneof=postgresql mysql kafka"`
	Host     string `mapstructure:"host" yaml:"host" json:"host"`
	Port     int    `mapstructure:"port" yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	Database string `mapstructure:"database" yaml:"database" json:"database"`
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" yaml:"password,omitempty" json:"-"`
	SSLMode  string `mapstructure:"ssl_mode" yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty"`

	// Table is schema-qualified, e.g. public.student.
	Table string `mapstructure:"table" yaml:"table" json:"table" validate:"required"`

	// PostgreSQL logical replication
	SlotName    string `mapstructure:"slot_name" yaml:"slot_name,omitempty" json:"slot_name,omitempty"`
	Publication string `mapstructure:"publication" yaml:"publication,omitempty" json:"publication,omitempty"`

	// MySQL binlog
	ServerID uint32 `mapstructure:"server_id" yaml:"server_id,omitempty" json:"server_id,omitempty"`
	Flavor   string `mapstructure:"flavor" yaml:"flavor,omitempty" json:"flavor,omitempty" validate:"omitempty,oneof=mysql mariadb"`

	// Kafka topic carrying Debezium envelopes
	Brokers       []string `mapstructure:"brokers" yaml:"brokers,omitempty" json:"brokers,omitempty"`
	Topic         string   `mapstructure:"topic" yaml:"topic,omitempty" json:"topic,omitempty"`
	ConsumerGroup string   `mapstructure:"consumer_group" yaml:"consumer_group,omitempty" json:"consumer_group,omitempty"`

	StatusInterval time.Duration `mapstructure:"status_interval" yaml:"status_interval" json:"status_interval"`
	FlushInterval  time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" json:"flush_interval"`
}

// SchemaAndTable splits Table into its schema and table parts.
func (s SourceConfig) SchemaAndTable() (string, string) {
	if i := strings.LastIndex(s.Table, "."); i >= 0 {
		return s.Table[:i], s.Table[i+1:]
	}
	return "", s.Table
}

// Addr returns host:port.
func (s SourceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SinkConfig describes the read-model store.
type SinkConfig struct {
	Type string `mapstructure:"type" yaml:"type" json:"type" validate:"required,oneof=elasticsearch mongodb cosmosdb mysql kafka stdout"`

	// Target is the index, collection, container, table or topic written to.
	Target string `mapstructure:"target" yaml:"target" json:"target"`

	Addresses []string `mapstructure:"addresses" yaml:"addresses,omitempty" json:"addresses,omitempty"`
	URI       string   `mapstructure:"uri" yaml:"uri,omitempty" json:"-"`
	Host      string   `mapstructure:"host" yaml:"host,omitempty" json:"host,omitempty"`
	Port      int      `mapstructure:"port" yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Database  string   `mapstructure:"database" yaml:"database,omitempty" json:"database,omitempty"`
	Username  string   `mapstructure:"username" yaml:"username,omitempty" json:"username,omitempty"`
	Password  string   `mapstructure:"password" yaml:"password,omitempty" json:"-"`
	Brokers   []string `mapstructure:"brokers" yaml:"brokers,omitempty" json:"brokers,omitempty"`

	// Cosmos DB
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Key        string `mapstructure:"key" yaml:"key,omitempty" json:"-"`
	AuthMethod string `mapstructure:"auth_method" yaml:"auth_method,omitempty" json:"auth_method,omitempty" validate:"omitempty,oneof=key entra"`

	// Elasticsearch index settings applied when the index is created.
	Refresh         string `mapstructure:"refresh" yaml:"refresh,omitempty" json:"refresh,omitempty" validate:"omitempty,oneof=true false wait_for"`
	Replicas        int    `mapstructure:"replicas" yaml:"replicas" json:"replicas" validate:"min=0"`
	RefreshInterval string `mapstructure:"refresh_interval" yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`

	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// CheckpointConfig selects where event sources keep their read position.
type CheckpointConfig struct {
	Type     string `mapstructure:"type" yaml:"type" json:"type" validate:"required,oneof=file bolt mongodb"`
	StreamID string `mapstructure:"stream_id" yaml:"stream_id" json:"stream_id" validate:"required"`

	Directory string `mapstructure:"directory" yaml:"directory,omitempty" json:"directory,omitempty"`
	Path      string `mapstructure:"path" yaml:"path,omitempty" json:"path,omitempty"`

	MongoURI        string `mapstructure:"mongo_uri" yaml:"mongo_uri,omitempty" json:"-"`
	MongoDatabase   string `mapstructure:"mongo_database" yaml:"mongo_database,omitempty" json:"mongo_database,omitempty"`
	MongoCollection string `mapstructure:"mongo_collection" yaml:"mongo_collection,omitempty" json:"mongo_collection,omitempty"`
}

// ConsumerConfig tunes the dispatch loop.
type ConsumerConfig struct {
	PrimaryKey string `mapstructure:"primary_key" yaml:"primary_key" json:"primary_key" validate:"required"`
	// ApplyTimeout bounds a single sink call. Zero means no bound.
	ApplyTimeout time.Duration `mapstructure:"apply_timeout" yaml:"apply_timeout" json:"apply_timeout" validate:"min=0"`
}

// ServerConfig is the health and metrics HTTP endpoint.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host" json:"host"`
	Port            int           `mapstructure:"port" yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig controls zerolog and logrus output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" json:"format" validate:"oneof=json console"`
}

// TelemetryConfig controls OpenTelemetry metrics and tracing.
type TelemetryConfig struct {
	Enabled         bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	ServiceName     string  `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	ServiceVersion  string  `mapstructure:"service_version" yaml:"service_version" json:"service_version"`
	TraceSampleRate float64 `mapstructure:"trace_sample_rate" yaml:"trace_sample_rate" json:"trace_sample_rate" validate:"min=0,max=1"`
}

// DefaultConfig mirrors the original connector setup: a Postgres student
// table mirrored into an Elasticsearch index, offsets in a local file
// flushed every minute.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Type:           SourcePostgreSQL,
			Host:           "localhost",
			Port:           5432,
			Database:       "postgres",
			Username:       "postgres",
			SSLMode:        "disable",
			Table:          "public.student",
			SlotName:       "readmodel_slot",
			Publication:    "readmodel_publication",
			ServerID:       1001,
			Flavor:         "mysql",
			ConsumerGroup:  "readmodel",
			StatusInterval: 10 * time.Second,
			FlushInterval:  60 * time.Second,
		},
		Sink: SinkConfig{
			Type:            SinkElasticsearch,
			Target:          "student",
			Addresses:       []string{"http://localhost:9200"},
			AuthMethod:      "key",
			Refresh:         "false",
			Replicas:        0,
			RefreshInterval: "-1",
			Timeout:         10 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Type:            CheckpointFile,
			StreamID:        "student-connector",
			Directory:       "./data",
			Path:            "./data/offsets.db",
			MongoCollection: "stream_positions",
		},
		Consumer: ConsumerConfig{
			PrimaryKey: "id",
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:         true,
			ServiceName:     "readmodel",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
		},
	}
}
