package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrConcurrentRun means a second Start or Continue targeted a
	// destination whose cursor is not terminal. Nothing was mutated.
	ErrConcurrentRun = errors.New("concurrent run detected for destination")
	// ErrChunkWrite means a chunk append failed after retries. The cursor
	// stays at its last persisted value and the transfer is safe to retry
	// via Continue.
	ErrChunkWrite = errors.New("chunk write failed")
	// ErrOffsetReplayed means a chunk offset was about to be applied twice
	// within one process. This is a correctness bug, never expected.
	ErrOffsetReplayed = errors.New("chunk offset applied twice")
)

// Transfer binds the reading and writing side of one bulk copy. The applied
// bitmap tracks chunk ordinals written by this process and trips
// ErrOffsetReplayed on any repeat.
type Transfer struct {
	Source  RowReader
	Dest    BackingStore
	applied *roaring64.Bitmap
}

// NewTransfer pairs a source and a destination.
func NewTransfer(src RowReader, dest BackingStore) *Transfer {
	return &Transfer{Source: src, Dest: dest, applied: roaring64.New()}
}

// Budget bounds one Continue invocation. The time budget is soft: the
// applier checks it between chunks and returns cleanly instead of being
// killed mid-write by the host's hard limit. Zero values mean unbounded.
type Budget struct {
	Time      time.Duration
	MaxChunks int64
	// MaxLockAge is how long a run lock may go without progress before a
	// new invocation is allowed to take the transfer over.
	MaxLockAge time.Duration
}

// Applier is the resumable chunk-copy state machine. All mutation of
// persisted state happens at chunk boundaries: the advanced cursor is
// written strictly before control is yielded, which is what makes
// resumption exactly-once rather than at-least-once.
type Applier struct {
	kv            KVStore
	log           zerolog.Logger
	clock         func() time.Time
	retryMaxTries uint64
	retryInterval time.Duration
}

// NewApplier builds an applier over a cursor store.
func NewApplier(kv KVStore, log zerolog.Logger, retryMaxTries uint64, retryInterval time.Duration) *Applier {
	return &Applier{
		kv:            kv,
		log:           log.With().Str("component", "applier").Logger(),
		clock:         time.Now,
		retryMaxTries: retryMaxTries,
		retryInterval: retryInterval,
	}
}

// Start initializes a cursor for a new transfer. It fails with
// ErrConcurrentRun when a non-terminal cursor already exists for the
// destination, unless that cursor's lock has gone stale past maxLockAge.
func (a *Applier) Start(dest string, gen, total, chunkSize int64, maxLockAge time.Duration) (*Cursor, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if total < 0 {
		return nil, fmt.Errorf("total rows must be non-negative, got %d", total)
	}

	if err := a.Admissible(dest, maxLockAge); err != nil {
		return nil, err
	}
	if existing, err := loadCursor(a.kv, dest); err == nil {
		if !existing.State.Terminal() {
			a.log.Warn().Str("destination", dest).Msg("taking over abandoned transfer")
		}
	} else if !errors.Is(err, ErrNoCursor) {
		return nil, err
	}

	now := a.clock()
	cur := &Cursor{
		Destination: dest,
		Generation:  gen,
		TotalRows:   total,
		ChunkSize:   chunkSize,
		State:       StateIdle,
		RunID:       uuid.New(),
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := saveLock(a.kv, dest, runLock{RunID: cur.RunID, AcquiredAt: now}); err != nil {
		return nil, fmt.Errorf("failed to acquire run lock for %s: %w", dest, err)
	}
	if err := saveCursor(a.kv, cur); err != nil {
		return nil, err
	}
	a.log.Info().Str("destination", dest).Int64("total", total).Int64("chunk_size", chunkSize).Msg("transfer started")
	return cur, nil
}

// Admissible reports whether a new transfer may begin for a destination.
// It mutates nothing: no cursor, a terminal cursor, or a non-terminal
// cursor whose lock has gone stale past maxLockAge all admit; a live
// in-flight transfer fails with ErrConcurrentRun.
func (a *Applier) Admissible(dest string, maxLockAge time.Duration) error {
	existing, err := loadCursor(a.kv, dest)
	if errors.Is(err, ErrNoCursor) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.State.Terminal() {
		return nil
	}
	fresh, err := a.lockFresh(dest, maxLockAge)
	if err != nil {
		return err
	}
	if fresh {
		return fmt.Errorf("%w: %s is %s at %d/%d rows", ErrConcurrentRun, dest, existing.State, existing.RowsWritten, existing.TotalRows)
	}
	return nil
}

// Continue resumes the transfer for a destination, applying chunks in
// strictly increasing offset order until the transfer completes or a budget
// runs out. The returned cursor reflects the state as persisted.
func (a *Applier) Continue(ctx context.Context, dest string, t *Transfer, budget Budget) (*Cursor, error) {
	cur, err := loadCursor(a.kv, dest)
	if err != nil {
		return nil, err
	}
	if cur.State == StateRunning {
		fresh, ferr := a.lockFresh(dest, budget.MaxLockAge)
		if ferr != nil {
			return nil, ferr
		}
		if fresh {
			return nil, fmt.Errorf("%w: %s is RUNNING", ErrConcurrentRun, dest)
		}
		a.log.Warn().Str("destination", dest).Msg("resuming transfer abandoned mid-run")
	}

	now := a.clock()
	if err := saveLock(a.kv, dest, runLock{RunID: cur.RunID, AcquiredAt: now}); err != nil {
		return nil, fmt.Errorf("failed to refresh run lock for %s: %w", dest, err)
	}
	cur.State = StateRunning
	cur.UpdatedAt = now
	if err := saveCursor(a.kv, cur); err != nil {
		return nil, err
	}

	var deadline time.Time
	if budget.Time > 0 {
		deadline = now.Add(budget.Time)
	}

	var chunksApplied int64
	for cur.RowsWritten < cur.TotalRows {
		if err := ctx.Err(); err != nil {
			return a.pause(cur, "context canceled")
		}
		if !deadline.IsZero() && !a.clock().Before(deadline) {
			return a.pause(cur, ReasonTimeBudget)
		}
		if budget.MaxChunks > 0 && chunksApplied >= budget.MaxChunks {
			return a.pause(cur, ReasonChunkBudget)
		}

		n := cur.ChunkSize
		if remaining := cur.Remaining(); n > remaining {
			n = remaining
		}

		rows, err := t.Source.ReadRange(ctx, cur.RowsWritten, n)
		if err != nil {
			return a.fail(cur, fmt.Sprintf("source read at offset %d failed: %v", cur.RowsWritten, err), err)
		}
		if int64(len(rows)) < n {
			shortErr := fmt.Errorf("source returned %d rows at offset %d, wanted %d", len(rows), cur.RowsWritten, n)
			return a.fail(cur, shortErr.Error(), shortErr)
		}

		ordinal := uint64(cur.RowsWritten / cur.ChunkSize)
		if t.applied.Contains(ordinal) {
			replayErr := fmt.Errorf("%w: offset %d", ErrOffsetReplayed, cur.RowsWritten)
			return a.fail(cur, replayErr.Error(), replayErr)
		}

		offset := cur.RowsWritten
		appendOp := func() error { return t.Dest.AppendRange(ctx, offset, rows) }
		if err := backoff.Retry(appendOp, a.newBackoff()); err != nil {
			return a.fail(cur, fmt.Sprintf("append at offset %d: %v", offset, err), fmt.Errorf("%w: %w", ErrChunkWrite, err))
		}
		t.applied.Add(ordinal)

		// The advanced cursor is persisted before anything else happens.
		// A crash from here on still sees this chunk reflected in
		// RowsWritten, so resumption never repeats it.
		cur.RowsWritten += n
		cur.UpdatedAt = a.clock()
		if err := saveCursor(a.kv, cur); err != nil {
			return nil, err
		}
		chunksApplied++

		a.log.Debug().Str("destination", dest).Int64("rows_written", cur.RowsWritten).Int64("total", cur.TotalRows).Msg("chunk applied")
	}

	return a.finish(cur)
}

// Status reports the persisted cursor for a destination.
func (a *Applier) Status(dest string) (*Cursor, error) {
	return loadCursor(a.kv, dest)
}

func (a *Applier) pause(cur *Cursor, reason string) (*Cursor, error) {
	cur.State = StatePaused
	cur.LastExitReason = reason
	cur.UpdatedAt = a.clock()
	if err := saveCursor(a.kv, cur); err != nil {
		return nil, err
	}
	a.log.Info().Str("destination", cur.Destination).Str("reason", reason).Int64("rows_written", cur.RowsWritten).Int64("total", cur.TotalRows).Msg("transfer paused")
	return cur, nil
}

func (a *Applier) fail(cur *Cursor, reason string, cause error) (*Cursor, error) {
	cur.State = StateFailed
	cur.LastExitReason = reason
	cur.UpdatedAt = a.clock()
	if err := saveCursor(a.kv, cur); err != nil {
		return nil, err
	}
	if err := clearLock(a.kv, cur.Destination); err != nil {
		a.log.Warn().Err(err).Str("destination", cur.Destination).Msg("failed to release run lock")
	}
	a.log.Error().Str("destination", cur.Destination).Str("reason", reason).Msg("transfer failed")
	return cur, cause
}

func (a *Applier) finish(cur *Cursor) (*Cursor, error) {
	cur.State = StateDone
	cur.LastExitReason = ReasonComplete
	cur.UpdatedAt = a.clock()
	if err := clearCursor(a.kv, cur.Destination); err != nil {
		return nil, fmt.Errorf("failed to clear cursor for %s: %w", cur.Destination, err)
	}
	if err := clearLock(a.kv, cur.Destination); err != nil {
		a.log.Warn().Err(err).Str("destination", cur.Destination).Msg("failed to release run lock")
	}
	a.log.Info().Str("destination", cur.Destination).Int64("rows", cur.TotalRows).Msg("transfer complete")
	return cur, nil
}

// lockFresh reports whether the run lock for dest exists and is younger
// than maxLockAge. A missing lock counts as stale.
func (a *Applier) lockFresh(dest string, maxLockAge time.Duration) (bool, error) {
	lock, err := loadLock(a.kv, dest)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	if maxLockAge <= 0 {
		return true, nil
	}
	return a.clock().Sub(lock.AcquiredAt) < maxLockAge, nil
}

func (a *Applier) newBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(a.retryInterval), a.retryMaxTries)
}
