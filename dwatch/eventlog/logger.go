// Package eventlog appends classified change events and per-run statistics
// to one or more sinks. Logging is side-effect only: a failing sink is
// reported and skipped, it never blocks or rolls back the diff/apply
// pipeline.
package eventlog

import (
	"context"
	"time"

	"github.com/fleetops/driftwatch/dwatch/diffing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventSink is an append-only structured writer for change events. No read
// contract is required.
type EventSink interface {
	AppendEvent(ctx context.Context, runID string, ev diffing.ChangeEvent) error
}

// StatsSink is an append-only writer for run summaries.
type StatsSink interface {
	AppendStats(ctx context.Context, st RunStats) error
}

// RunStats is the one summary record every invocation appends.
type RunStats struct {
	RunID         uuid.UUID     `json:"run_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Bootstrap     bool          `json:"bootstrap,omitempty"`
	RecordsSeen   int64         `json:"records_seen"`
	Skipped       int64         `json:"skipped"`
	Collisions    int64         `json:"collisions"`
	Added         int64         `json:"added"`
	Removed       int64         `json:"removed"`
	ChangedConfig int64         `json:"changed_config"`
	ChangedLive   int64         `json:"changed_live"`
	Anomalies     int64         `json:"anomalies"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Logger fans change events out to the configured sinks.
type Logger struct {
	events []EventSink
	stats  []StatsSink
	log    zerolog.Logger
}

// NewLogger builds a fan-out logger. The zerolog logger is the fallback
// channel for sink failures.
func NewLogger(log zerolog.Logger, events []EventSink, stats []StatsSink) *Logger {
	return &Logger{
		events: events,
		stats:  stats,
		log:    log.With().Str("component", "eventlog").Logger(),
	}
}

// LogEvents appends events in emission order to every event sink. Sink
// errors are counted and logged to the fallback channel only.
func (l *Logger) LogEvents(ctx context.Context, runID uuid.UUID, events []diffing.ChangeEvent) {
	for _, ev := range events {
		for _, sink := range l.events {
			if err := sink.AppendEvent(ctx, runID.String(), ev); err != nil {
				l.log.Error().Err(err).Str("key", ev.Key).Str("type", string(ev.Type)).Msg("event sink append failed")
			}
		}
	}
}

// LogStats appends the run summary to every stats sink.
func (l *Logger) LogStats(ctx context.Context, st RunStats) {
	for _, sink := range l.stats {
		if err := sink.AppendStats(ctx, st); err != nil {
			l.log.Error().Err(err).Str("run_id", st.RunID.String()).Msg("stats sink append failed")
		}
	}
}
