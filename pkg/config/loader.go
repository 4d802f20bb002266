package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// READMODEL_SOURCE_PASSWORD overrides source.password.
const EnvPrefix = "READMODEL"

// DefaultPaths are searched for readmodel.{yaml,yml,json} when no file is given.
var DefaultPaths = []string{".", "./conf", "/etc/readmodel"}

// Loader reads configuration from file, environment and defaults.
type Loader struct {
	v         *viper.Viper
	validator *validator.Validate
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	return &Loader{
		v:         v,
		validator: validator.New(),
	}
}

// Load reads the file at path, or searches DefaultPaths when path is empty.
// A missing file is only an error when path was given explicitly.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("readmodel")
		for _, p := range DefaultPaths {
			l.v.AddConfigPath(p)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Info().Msg("No config file found, using defaults and environment")
	} else {
		log.Info().Str("file", l.v.ConfigFileUsed()).Msg("Loaded configuration file")
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct tag validation followed by per-backend rules.
func (l *Loader) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := l.validator.Struct(cfg); err != nil {
		return formatValidationErrors(err)
	}
	return validateCustomRules(cfg)
}

// ConfigFileUsed returns the path of the file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the config file whenever it is written and hands the
// decoded result to onChange. Edits that fail validation are logged and
// dropped.
func (l *Loader) Watch(onChange func(next *Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		next, err := l.decode()
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		log.Info().Str("file", e.Name).Msg("Config file changed")
		if onChange != nil {
			onChange(next)
		}
	})
	l.v.WatchConfig()
}

// NeedsRestart reports whether next differs from cur in anything besides
// the log level, which SetLogLevel can apply to a running process.
func NeedsRestart(cur, next *Config) bool {
	a, b := *cur, *next
	a.Logging.Level, b.Logging.Level = "", ""
	return !reflect.DeepEqual(a, b)
}

// WriteTemplate writes cfg as YAML.
func WriteTemplate(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// WriteTemplateFile writes cfg to path, refusing to overwrite unless force is set.
func WriteTemplateFile(path string, cfg *Config, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	return WriteTemplate(f, cfg)
}

// setDefaults registers every key so environment overrides apply even
// when the file omits them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("source.type", d.Source.Type)
	v.SetDefault("source.host", d.Source.Host)
	v.SetDefault("source.port", d.Source.Port)
	v.SetDefault("source.database", d.Source.Database)
	v.SetDefault("source.username", d.Source.Username)
	v.SetDefault("source.password", d.Source.Password)
	v.SetDefault("source.ssl_mode", d.Source.SSLMode)
	v.SetDefault("source.table", d.Source.Table)
	v.SetDefault("source.slot_name", d.Source.SlotName)
	v.SetDefault("source.publication", d.Source.Publication)
	v.SetDefault("source.server_id", d.Source.ServerID)
	v.SetDefault("source.flavor", d.Source.Flavor)
	v.SetDefault("source.brokers", d.Source.Brokers)
	v.SetDefault("source.topic", d.Source.Topic)
	v.SetDefault("source.consumer_group", d.Source.ConsumerGroup)
	v.SetDefault("source.status_interval", d.Source.StatusInterval)
	v.SetDefault("source.flush_interval", d.Source.FlushInterval)

	v.SetDefault("sink.type", d.Sink.Type)
	v.SetDefault("sink.target", d.Sink.Target)
	v.SetDefault("sink.addresses", d.Sink.Addresses)
	v.SetDefault("sink.uri", d.Sink.URI)
	v.SetDefault("sink.host", d.Sink.Host)
	v.SetDefault("sink.port", d.Sink.Port)
	v.SetDefault("sink.database", d.Sink.Database)
	v.SetDefault("sink.username", d.Sink.Username)
	v.SetDefault("sink.password", d.Sink.Password)
	v.SetDefault("sink.brokers", d.Sink.Brokers)
	v.SetDefault("sink.endpoint", d.Sink.Endpoint)
	v.SetDefault("sink.key", d.Sink.Key)
	v.SetDefault("sink.auth_method", d.Sink.AuthMethod)
	v.SetDefault("sink.refresh", d.Sink.Refresh)
	v.SetDefault("sink.replicas", d.Sink.Replicas)
	v.SetDefault("sink.refresh_interval", d.Sink.RefreshInterval)
	v.SetDefault("sink.timeout", d.Sink.Timeout)

	v.SetDefault("checkpoint.type", d.Checkpoint.Type)
	v.SetDefault("checkpoint.stream_id", d.Checkpoint.StreamID)
	v.SetDefault("checkpoint.directory", d.Checkpoint.Directory)
	v.SetDefault("checkpoint.path", d.Checkpoint.Path)
	v.SetDefault("checkpoint.mongo_uri", d.Checkpoint.MongoURI)
	v.SetDefault("checkpoint.mongo_database", d.Checkpoint.MongoDatabase)
	v.SetDefault("checkpoint.mongo_collection", d.Checkpoint.MongoCollection)

	v.SetDefault("consumer.primary_key", d.Consumer.PrimaryKey)
	v.SetDefault("consumer.apply_timeout", d.Consumer.ApplyTimeout)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.service_version", d.Telemetry.ServiceVersion)
	v.SetDefault("telemetry.trace_sample_rate", d.Telemetry.TraceSampleRate)
}
