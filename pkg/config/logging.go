package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
)

// SetupLogging configures the global zerolog logger used by the pipeline
// and the logrus standard logger used by the service layer. It returns
// the logrus logger so callers can hand it to components explicitly.
func SetupLogging(cfg LoggingConfig) *logrus.Logger {
	return setupLogging(cfg, os.Stderr)
}

func setupLogging(cfg LoggingConfig, out io.Writer) *logrus.Logger {
	logger := logrus.StandardLogger()
	logger.SetOutput(out)
	SetLogLevel(cfg.Level, logger)

	if cfg.Format == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}

// SetLogLevel changes the level of both loggers in place. Unknown levels mean info.
func SetLogLevel(level string, logger *logrus.Logger) {
	zl, ll := zerolog.InfoLevel, logrus.InfoLevel
	switch level {
	case "debug":
		zl, ll = zerolog.DebugLevel, logrus.DebugLevel
	case "warn":
		zl, ll = zerolog.WarnLevel, logrus.WarnLevel
	case "error":
		zl, ll = zerolog.ErrorLevel, logrus.ErrorLevel
	}
	zerolog.SetGlobalLevel(zl)
	if logger != nil {
		logger.SetLevel(ll)
	}
}
