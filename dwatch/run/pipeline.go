// Package run orchestrates one dataset refresh: ingest the latest export,
// diff it against the persisted snapshot, log the classified changes, and
// push the latest rows into the snapshot store through the resumable
// applier.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fleetops/driftwatch/dwatch/config"
	"github.com/fleetops/driftwatch/dwatch/diffing"
	"github.com/fleetops/driftwatch/dwatch/eventlog"
	"github.com/fleetops/driftwatch/dwatch/normalize"
	"github.com/fleetops/driftwatch/dwatch/record"
	"github.com/fleetops/driftwatch/dwatch/snapshot"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Result of one invocation. Cursor is non-nil when the snapshot apply did
// not finish within the invocation's budget and is resumable.
type Result struct {
	Stats     eventlog.RunStats
	Events    []diffing.ChangeEvent
	Cursor    *snapshot.Cursor
	Bootstrap bool
}

// Runner wires the pipeline. All collaborators are passed in; the runner
// holds no global state.
type Runner struct {
	profile record.FieldProfile
	indexer *record.Indexer
	source  record.Source
	store   *snapshot.Store
	logger  *eventlog.Logger
	budget  snapshot.Budget
	log     zerolog.Logger
	clock   func() time.Time
}

// NewRunner builds a runner from config and collaborators.
func NewRunner(cfg *config.Config, src record.Source, store *snapshot.Store, logger *eventlog.Logger, log zerolog.Logger) (*Runner, error) {
	profile, err := record.NewFieldProfile(cfg.Fields.Identity, cfg.Fields.Comparison, cfg.Fields.Volatile)
	if err != nil {
		return nil, fmt.Errorf("invalid field profile: %w", err)
	}
	normalizer, err := normalize.FromSpecs(cfg.Fields.Normalize)
	if err != nil {
		return nil, fmt.Errorf("invalid normalize rules: %w", err)
	}
	return &Runner{
		profile: profile,
		indexer: record.NewIndexer(profile, normalizer),
		source:  src,
		store:   store,
		logger:  logger,
		budget: snapshot.Budget{
			Time:       cfg.Apply.TimeBudget,
			MaxLockAge: cfg.Apply.MaxLockAge,
		},
		log:   log.With().Str("component", "runner").Logger(),
		clock: time.Now,
	}, nil
}

// RunOnce performs one full refresh. A failed run leaves the previous
// snapshot and cursor state exactly as before, except for chunk progress
// already persisted by the applier.
func (r *Runner) RunOnce(ctx context.Context) (*Result, error) {
	start := r.clock()
	runID := uuid.New()
	log := r.log.With().Str("run_id", runID.String()).Logger()

	// A pending transfer means a previous run never finished: its diff is
	// already logged, and classifying against the stale live rows would
	// append the same events again. Abort before touching the sinks.
	if err := r.store.Admit(r.budget.MaxLockAge); err != nil {
		return nil, err
	}

	latestRows, err := r.materialize(ctx)
	if err != nil {
		// Fatal: nothing has been mutated, the whole run retries next time.
		return nil, err
	}

	latest, buildStats, err := r.indexer.Build(ctx, &rowsIterator{rows: latestRows})
	if err != nil {
		return nil, fmt.Errorf("failed to index latest records: %w", err)
	}
	log.Info().
		Int64("rows_seen", buildStats.RowsSeen).
		Int64("skipped", buildStats.Skipped).
		Int64("collisions", buildStats.Collisions).
		Int("keys", latest.Len()).
		Msg("latest index built")

	stats := eventlog.RunStats{
		RunID:       runID,
		Timestamp:   start,
		RecordsSeen: buildStats.RowsSeen,
		Skipped:     buildStats.Skipped,
		Collisions:  buildStats.Collisions,
	}

	empty, err := r.store.IsEmpty(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to probe snapshot store: %w", err)
	}

	if empty {
		// First run seeds the snapshot and emits no change events.
		cur, err := r.store.Bootstrap(ctx, snapshot.SliceReader(latestRows), int64(len(latestRows)), r.budget)
		if err != nil {
			return nil, fmt.Errorf("bootstrap failed: %w", err)
		}
		stats.Bootstrap = true
		stats.Elapsed = r.clock().Sub(start)
		r.logger.LogStats(ctx, stats)
		log.Info().Int("rows", len(latestRows)).Msg("snapshot bootstrapped")
		return &Result{Stats: stats, Cursor: pending(cur), Bootstrap: true}, nil
	}

	prevRecords, err := r.store.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read previous snapshot: %w", err)
	}
	prev, _, err := r.indexer.Build(ctx, prevRecords)
	if err != nil {
		return nil, fmt.Errorf("failed to index previous snapshot: %w", err)
	}

	events, diffStats := diffing.Classify(prev, latest, start)
	stats.Added = diffStats.Added
	stats.Removed = diffStats.Removed
	stats.ChangedConfig = diffStats.ChangedConfig
	stats.ChangedLive = diffStats.ChangedLive
	stats.Anomalies = diffStats.Anomalies

	r.logger.LogEvents(ctx, runID, events)

	cur, err := r.store.Replace(ctx, snapshot.SliceReader(latestRows), int64(len(latestRows)), r.budget)
	if err != nil {
		return nil, fmt.Errorf("snapshot replace failed: %w", err)
	}

	stats.Elapsed = r.clock().Sub(start)
	r.logger.LogStats(ctx, stats)

	log.Info().
		Int64("added", diffStats.Added).
		Int64("removed", diffStats.Removed).
		Int64("changed_config", diffStats.ChangedConfig).
		Int64("changed_live", diffStats.ChangedLive).
		Int64("anomalies", diffStats.Anomalies).
		Dur("elapsed", stats.Elapsed).
		Msg("run complete")

	return &Result{Stats: stats, Events: events, Cursor: pending(cur)}, nil
}

// Resume continues an interrupted snapshot apply, re-reading the export
// from the persisted offset. It is the tail of a previous logical run and
// appends no new run summary.
func (r *Runner) Resume(ctx context.Context) (*snapshot.Cursor, error) {
	cur, err := r.store.Resume(ctx, snapshot.SourceReader{Source: r.source}, r.budget)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoCursor) {
			return nil, fmt.Errorf("nothing to resume: %w", err)
		}
		return cur, err
	}
	return cur, nil
}

// Status reports the persisted transfer cursor, if any.
func (r *Runner) Status() (*snapshot.Cursor, error) {
	return r.store.Cursor()
}

// Keys lists the composite keys of the live snapshot in sorted order,
// optionally narrowed to keys sharing a prefix (leading identity values).
func (r *Runner) Keys(ctx context.Context, prefix string) ([]string, error) {
	recs, err := r.store.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	ix, _, err := r.indexer.Build(ctx, recs)
	if err != nil {
		return nil, fmt.Errorf("failed to index snapshot: %w", err)
	}
	if prefix == "" {
		return ix.Keys(), nil
	}
	return ix.KeysWithPrefix(prefix), nil
}

// materialize reads the whole export into memory. The diff and the replace
// of one invocation must see the same rows.
func (r *Runner) materialize(ctx context.Context) ([]record.Record, error) {
	it, err := r.source.ReadFrom(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", record.ErrSourceUnavailable, err)
	}
	defer it.Close()

	var rows []record.Record
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", record.ErrSourceUnavailable, err)
		}
		rows = append(rows, rec.Clone())
	}
}

// pending returns the cursor only while it still needs attention.
func pending(cur *snapshot.Cursor) *snapshot.Cursor {
	if cur == nil || cur.State == snapshot.StateDone {
		return nil
	}
	return cur
}

type rowsIterator struct {
	rows []record.Record
	pos  int
}

func (it *rowsIterator) Next() (record.Record, error) {
	if it.pos >= len(it.rows) {
		return record.Record{}, io.EOF
	}
	rec := it.rows[it.pos]
	it.pos++
	return rec, nil
}

func (it *rowsIterator) Close() error { return nil }
