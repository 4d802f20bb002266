package estuary

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/cohenjo/readmodel/pkg/config"
)

// StdoutSink logs every applied change. Useful for dry runs.
type StdoutSink struct {
	logger zerolog.Logger
}

// NewStdoutSink writes to w, or stdout when w is nil.
func NewStdoutSink(w io.Writer) *StdoutSink {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutSink{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (s *StdoutSink) Name() string { return config.SinkStdout }

func (s *StdoutSink) Upsert(ctx context.Context, id interface{}, fields map[string]interface{}) error {
	s.logger.Info().Str("op", OpUpsert).Str("id", FormatID(id)).Fields(fields).Msg("record")
	return nil
}

func (s *StdoutSink) Delete(ctx context.Context, id interface{}) error {
	s.logger.Info().Str("op", OpDelete).Str("id", FormatID(id)).Msg("record")
	return nil
}

func (s *StdoutSink) Close() error { return nil }
