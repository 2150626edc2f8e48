package snapshot

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/fleetops/driftwatch/dwatch/record"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"BootstrapSeedsEmptyStore", testStoreBootstrapSeedsEmptyStore},
		{"BootstrapRejectsNonEmpty", testStoreBootstrapRejectsNonEmpty},
		{"ReplaceSwapsGenerations", testStoreReplaceSwapsGenerations},
		{"InterruptedReplaceKeepsLive", testStoreInterruptedReplaceKeepsLive},
		{"EmptyExportReplaces", testStoreEmptyExportReplaces},
		{"ReplaceClearsStaleStaging", testStoreReplaceClearsStaleStaging},
		{"RecordsIterator", testStoreRecordsIterator},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

type storeFixture struct {
	backing *MemoryBacking
	kv      *MemoryKV
	store   *Store
}

func newStoreFixture(chunkSize int64) *storeFixture {
	backing := NewMemoryBacking()
	kv := NewMemoryKV()
	applier := newTestApplier(kv)
	return &storeFixture{
		backing: backing,
		kv:      kv,
		store:   NewStore(backing, applier, zerolog.Nop(), chunkSize),
	}
}

func testStoreBootstrapSeedsEmptyStore(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(4)
	rows := mkRows(10)

	empty, err := fx.store.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	cur, err := fx.store.Bootstrap(ctx, SliceReader(rows), int64(len(rows)), Budget{})
	require.NoError(t, err)
	assert.Equal(t, StateDone, cur.State)

	empty, err = fx.store.IsEmpty(ctx)
	require.NoError(t, err)
	assert.False(t, empty)

	live, err := fx.backing.LiveGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), live)
	assert.Len(t, fx.backing.LiveRows(), 10)

	_, err = fx.store.Cursor()
	assert.ErrorIs(t, err, ErrNoCursor, "completed transfer leaves no cursor")
}

func testStoreBootstrapRejectsNonEmpty(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(4)

	_, err := fx.store.Bootstrap(ctx, SliceReader(mkRows(3)), 3, Budget{})
	require.NoError(t, err)

	_, err = fx.store.Bootstrap(ctx, SliceReader(mkRows(3)), 3, Budget{})
	assert.Error(t, err)
}

func testStoreReplaceSwapsGenerations(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(4)
	first := mkRows(10)

	_, err := fx.store.Bootstrap(ctx, SliceReader(first), 10, Budget{})
	require.NoError(t, err)

	second := mkRows(6)
	for i := range second {
		second[i].Values["payload"] = "refreshed"
	}
	cur, err := fx.store.Replace(ctx, SliceReader(second), 6, Budget{})
	require.NoError(t, err)
	assert.Equal(t, StateDone, cur.State)

	live, err := fx.backing.LiveGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), live)

	rows := fx.backing.LiveRows()
	require.Len(t, rows, 6)
	for i, rec := range rows {
		assert.Equal(t, "refreshed", rec.Values["payload"], "row %d", i)
	}
}

// An interrupted replace must leave readers on the previous rows until the
// staged generation commits.
func testStoreInterruptedReplaceKeepsLive(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(4)
	first := mkRows(8)

	_, err := fx.store.Bootstrap(ctx, SliceReader(first), 8, Budget{})
	require.NoError(t, err)

	second := mkRows(8)
	for i := range second {
		second[i].Values["payload"] = "refreshed"
	}
	cur, err := fx.store.Replace(ctx, SliceReader(second), 8, Budget{MaxChunks: 1})
	require.NoError(t, err)
	assert.Equal(t, StatePaused, cur.State)

	live, err := fx.backing.LiveGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), live, "live generation untouched while paused")
	assert.Equal(t, "row-0", fx.backing.LiveRows()[0].Values["payload"])

	cur, err = fx.store.Resume(ctx, SliceReader(second), Budget{})
	require.NoError(t, err)
	assert.Equal(t, StateDone, cur.State)

	live, err = fx.backing.LiveGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), live)
	assert.Equal(t, "refreshed", fx.backing.LiveRows()[0].Values["payload"])
}

func testStoreEmptyExportReplaces(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(4)

	_, err := fx.store.Bootstrap(ctx, SliceReader(mkRows(5)), 5, Budget{})
	require.NoError(t, err)

	cur, err := fx.store.Replace(ctx, SliceReader(nil), 0, Budget{})
	require.NoError(t, err)
	assert.Equal(t, StateDone, cur.State)
	assert.Empty(t, fx.backing.LiveRows())

	// The empty generation is committed, not a reset to never-seeded.
	empty, err := fx.store.IsEmpty(ctx)
	require.NoError(t, err)
	assert.False(t, empty, "a committed empty snapshot still counts as seeded")
	_, err = fx.store.Bootstrap(ctx, SliceReader(mkRows(2)), 2, Budget{})
	assert.Error(t, err)

	cur, err = fx.store.Replace(ctx, SliceReader(mkRows(2)), 2, Budget{})
	require.NoError(t, err)
	assert.Equal(t, StateDone, cur.State)
	assert.Len(t, fx.backing.LiveRows(), 2)
}

// Leftover rows from an abandoned transfer must not leak past the tail of
// a shorter replace.
func testStoreReplaceClearsStaleStaging(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(4)

	_, err := fx.store.Bootstrap(ctx, SliceReader(mkRows(3)), 3, Budget{})
	require.NoError(t, err)

	// Debris in the staging generation the next replace will use.
	require.NoError(t, fx.backing.Generation(2).AppendRange(ctx, 0, mkRows(5)))

	cur, err := fx.store.Replace(ctx, SliceReader(mkRows(2)), 2, Budget{})
	require.NoError(t, err)
	assert.Equal(t, StateDone, cur.State)
	assert.Len(t, fx.backing.LiveRows(), 2)
}

func testStoreRecordsIterator(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(4)
	rows := mkRows(9)

	_, err := fx.store.Bootstrap(ctx, SliceReader(rows), 9, Budget{})
	require.NoError(t, err)

	it, err := fx.store.Records(ctx)
	require.NoError(t, err)
	defer it.Close()

	var got []record.Record
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, rec)
	}
	require.Len(t, got, 9)
	for i, rec := range got {
		assert.Equal(t, rows[i].Values, rec.Values, "row %d in offset order", i)
	}
}
