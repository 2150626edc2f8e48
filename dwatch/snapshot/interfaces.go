// Package snapshot owns the persisted previous-version table and the
// resumable chunked transfer that rewrites it. All durable state flows
// through the interfaces below; serialization and storage live with the
// implementations.
package snapshot

import (
	"context"

	"github.com/fleetops/driftwatch/dwatch/record"
)

// RowReader reads a bounded contiguous slice of rows starting at offset.
// Both backing stores and record sources can act as the reading side of a
// transfer.
type RowReader interface {
	ReadRange(ctx context.Context, offset, count int64) ([]record.Record, error)
}

// BackingStore is one generation of the snapshot table.
type BackingStore interface {
	RowReader
	RowCount(ctx context.Context) (int64, error)
	// AppendRange writes rows at the given offset. It must be idempotent
	// for the same offset and content, so a replayed chunk is harmless.
	AppendRange(ctx context.Context, offset int64, rows []record.Record) error
	Clear(ctx context.Context) error
}

// BackingProvider hands out generation views of the snapshot table. A
// replace writes into a staging generation and commits it; readers only
// ever see the live generation, which makes the swap atomic from their
// perspective.
type BackingProvider interface {
	LiveGeneration(ctx context.Context) (int64, error)
	Generation(gen int64) BackingStore
	// Commit makes gen the live generation and drops older rows.
	Commit(ctx context.Context, gen int64) error
}

// KVStore is the small durable key-value store holding transfer cursors and
// run locks across invocations.
type KVStore interface {
	Get(key string) (value []byte, found bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// SliceReader adapts an in-memory row slice to a RowReader.
type SliceReader []record.Record

func (s SliceReader) ReadRange(_ context.Context, offset, count int64) ([]record.Record, error) {
	if offset >= int64(len(s)) {
		return nil, nil
	}
	end := offset + count
	if end > int64(len(s)) {
		end = int64(len(s))
	}
	return s[offset:end], nil
}

// SourceReader adapts a restartable record source to a RowReader, so an
// interrupted replace can re-read the export from the resume offset.
type SourceReader struct {
	Source record.Source
}

func (r SourceReader) ReadRange(ctx context.Context, offset, count int64) ([]record.Record, error) {
	it, err := r.Source.ReadFrom(ctx, offset)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	rows := make([]record.Record, 0, count)
	for int64(len(rows)) < count {
		rec, err := it.Next()
		if err != nil {
			if isEOF(err) {
				break
			}
			return nil, err
		}
		rows = append(rows, rec.Clone())
	}
	return rows, nil
}
