package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/cohenjo/readmodel/pkg/config"
)

func TestOnConfigChange(t *testing.T) {
	t.Run("log level applied in place", func(t *testing.T) {
		cur := config.DefaultConfig()
		cur.Logging.Level = "info"
		logger := logrus.New()
		logger.SetOutput(&bytes.Buffer{})
		logger.SetLevel(logrus.InfoLevel)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		next := config.DefaultConfig()
		next.Logging.Level = "debug"
		onConfigChange(cur, logger, cancel)(next)

		assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
		assert.NoError(t, ctx.Err())
		config.SetLogLevel("info", nil)
	})

	t.Run("pipeline change restarts", func(t *testing.T) {
		cur := config.DefaultConfig()
		logger := logrus.New()
		logger.SetOutput(&bytes.Buffer{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		next := config.DefaultConfig()
		next.Source.Table = "public.course"
		onConfigChange(cur, logger, cancel)(next)

		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})
}
