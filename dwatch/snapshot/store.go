package snapshot

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fleetops/driftwatch/dwatch/record"

	"github.com/rs/zerolog"
)

// DefaultDestination names the cursor destination for the snapshot table.
const DefaultDestination = "snapshot"

// readPageSize is how many rows one ReadRange pulls when streaming the live
// generation back out.
const readPageSize = 512

// Store is the durable home of the previous run's rows. A replace never
// mutates the live generation: rows land in a staging generation through
// the applier and become visible in one Commit once the cursor completes.
type Store struct {
	provider  BackingProvider
	applier   *Applier
	log       zerolog.Logger
	dest      string
	chunkSize int64
}

// NewStore wires a backing provider to an applier.
func NewStore(provider BackingProvider, applier *Applier, log zerolog.Logger, chunkSize int64) *Store {
	return &Store{
		provider:  provider,
		applier:   applier,
		log:       log.With().Str("component", "snapshot-store").Logger(),
		dest:      DefaultDestination,
		chunkSize: chunkSize,
	}
}

// IsEmpty reports whether no snapshot generation has ever been committed.
// A committed empty snapshot is not empty in this sense: the next refresh
// diffs against it instead of re-seeding.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	live, err := s.provider.LiveGeneration(ctx)
	if err != nil {
		return false, err
	}
	return live == 0, nil
}

// Admit reports whether a new transfer may begin, without mutating
// anything. It fails with ErrConcurrentRun while a previous transfer is
// still pending and its lock has not gone stale.
func (s *Store) Admit(maxLockAge time.Duration) error {
	return s.applier.Admissible(s.dest, maxLockAge)
}

// Bootstrap seeds an empty store with the latest rows verbatim. A first run
// is a seed, not a diff: the caller emits no change events for it.
func (s *Store) Bootstrap(ctx context.Context, src RowReader, total int64, budget Budget) (*Cursor, error) {
	empty, err := s.IsEmpty(ctx)
	if err != nil {
		return nil, err
	}
	if !empty {
		return nil, fmt.Errorf("bootstrap on non-empty snapshot store")
	}
	return s.transferIntoStaging(ctx, src, total, budget)
}

// Replace supersedes the stored rows wholesale with the latest rows. For
// row counts beyond one chunk this runs through the resumable applier; an
// interrupted replace leaves the staging generation guarded by the cursor
// and the live generation untouched.
func (s *Store) Replace(ctx context.Context, src RowReader, total int64, budget Budget) (*Cursor, error) {
	return s.transferIntoStaging(ctx, src, total, budget)
}

// Resume continues an interrupted bootstrap or replace from the persisted
// cursor and commits when the transfer completes.
func (s *Store) Resume(ctx context.Context, src RowReader, budget Budget) (*Cursor, error) {
	cur, err := s.applier.Status(s.dest)
	if err != nil {
		return nil, err
	}
	t := NewTransfer(src, s.provider.Generation(cur.Generation))
	cur, err = s.applier.Continue(ctx, s.dest, t, budget)
	if err != nil {
		return cur, err
	}
	if cur.State == StateDone {
		if err := s.provider.Commit(ctx, cur.Generation); err != nil {
			return cur, fmt.Errorf("failed to commit generation %d: %w", cur.Generation, err)
		}
	}
	return cur, nil
}

// Cursor reports the persisted transfer cursor, if any.
func (s *Store) Cursor() (*Cursor, error) {
	return s.applier.Status(s.dest)
}

// ReadAll streams every row of the live generation, in offset order.
func (s *Store) ReadAll(ctx context.Context) ([]record.Record, error) {
	live, err := s.provider.LiveGeneration(ctx)
	if err != nil {
		return nil, err
	}
	if live == 0 {
		return nil, nil
	}
	gen := s.provider.Generation(live)
	total, err := gen.RowCount(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]record.Record, 0, total)
	for offset := int64(0); offset < total; offset += readPageSize {
		page, err := gen.ReadRange(ctx, offset, readPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot rows at %d: %w", offset, err)
		}
		rows = append(rows, page...)
	}
	return rows, nil
}

// Records adapts the live generation to a record iterator for index
// rebuilding.
func (s *Store) Records(ctx context.Context) (record.Iterator, error) {
	rows, err := s.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return &sliceIterator{rows: rows}, nil
}

func (s *Store) transferIntoStaging(ctx context.Context, src RowReader, total int64, budget Budget) (*Cursor, error) {
	live, err := s.provider.LiveGeneration(ctx)
	if err != nil {
		return nil, err
	}
	staging := live + 1

	cur, err := s.applier.Start(s.dest, staging, total, s.chunkSize, budget.MaxLockAge)
	if err != nil {
		return nil, err
	}

	// A fresh transfer starts from row zero. An earlier failed transfer may
	// have left rows in this staging generation; with a smaller total they
	// would survive past the new tail and leak into the commit.
	dest := s.provider.Generation(staging)
	if err := dest.Clear(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear staging generation %d: %w", staging, err)
	}

	t := NewTransfer(src, dest)
	cur, err = s.applier.Continue(ctx, s.dest, t, budget)
	if err != nil {
		return cur, err
	}
	if cur.State == StateDone {
		if err := s.provider.Commit(ctx, staging); err != nil {
			return cur, fmt.Errorf("failed to commit generation %d: %w", staging, err)
		}
	}
	return cur, nil
}

type sliceIterator struct {
	rows []record.Record
	pos  int
}

func (it *sliceIterator) Next() (record.Record, error) {
	if it.pos >= len(it.rows) {
		return record.Record{}, io.EOF
	}
	rec := it.rows[it.pos]
	it.pos++
	return rec, nil
}

func (it *sliceIterator) Close() error { return nil }
