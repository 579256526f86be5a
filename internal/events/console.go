package events

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// ConsoleSink renders records as human-readable structured log lines.
type ConsoleSink struct {
	logger zerolog.Logger
}

// NewConsoleSink writes to out through zerolog's console writer. Output
// records are rendered at debug level so they can be filtered with minLevel.
// Writes to out are serialized; loops emit concurrently.
func NewConsoleSink(out io.Writer, noColor bool, minLevel zerolog.Level) *ConsoleSink {
	writer := zerolog.ConsoleWriter{
		Out:        zerolog.SyncWriter(out),
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	logger := zerolog.New(writer).Level(minLevel).With().Str("app", "runlevel").Logger()
	return &ConsoleSink{logger: logger}
}

// Emit satisfies Sink.
func (c *ConsoleSink) Emit(r Record) {
	var event *zerolog.Event
	switch r.Kind {
	case KindCrashed:
		event = c.logger.Error()
	case KindWaiting, KindReadiness:
		event = c.logger.Warn()
	case KindOutput:
		event = c.logger.Debug()
	default:
		event = c.logger.Info()
	}
	if r.Worker != "" {
		event = event.Str("worker", r.Worker)
	}
	event.Time(zerolog.TimestampFieldName, r.Timestamp).
		Str("kind", string(r.Kind)).
		Msg(r.Detail)
}
