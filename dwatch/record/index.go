package record

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/fleetops/driftwatch/dwatch/normalize"

	"github.com/armon/go-radix"
)

// ErrSourceUnavailable wraps a record source that could not be read at all.
// It is fatal for the run; nothing has been mutated when it surfaces.
var ErrSourceUnavailable = errors.New("record source unavailable")

// Entry is one indexed record: the normalized comparison-field values, the
// derived signature, and a reference back to the source row.
type Entry struct {
	Key       string
	Values    map[string]string
	Signature string
	RowID     string
	Row       int64
}

// BuildStats counts what the indexer saw. Skips and collisions are
// recoverable: they surface as counts, never as run failures.
type BuildStats struct {
	RowsSeen   int64
	Skipped    int64
	Collisions int64
}

// Index maps composite keys to entries. Keys are unique by construction:
// within one build a later row overwrites an earlier row with the same key,
// counted as a collision. A radix tree over the keys supports prefix scans,
// e.g. all servers behind one address.
type Index struct {
	profile FieldProfile
	entries map[string]*Entry
	keys    *radix.Tree
}

// NewIndex returns an empty index for the given profile.
func NewIndex(profile FieldProfile) *Index {
	return &Index{
		profile: profile,
		entries: make(map[string]*Entry),
		keys:    radix.New(),
	}
}

// Profile returns the field profile the index was built with.
func (ix *Index) Profile() FieldProfile { return ix.profile }

// Get returns the entry for a composite key.
func (ix *Index) Get(key string) (*Entry, bool) {
	e, ok := ix.entries[key]
	return e, ok
}

// Len returns the number of distinct keys.
func (ix *Index) Len() int { return len(ix.entries) }

// Keys returns all composite keys in sorted order.
func (ix *Index) Keys() []string {
	keys := make([]string, 0, len(ix.entries))
	for k := range ix.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeysWithPrefix returns all composite keys sharing a prefix, sorted. The
// radix walk visits keys in lexical order already.
func (ix *Index) KeysWithPrefix(prefix string) []string {
	var keys []string
	ix.keys.WalkPrefix(prefix, func(k string, _ interface{}) bool {
		keys = append(keys, k)
		return false
	})
	return keys
}

// Insert adds or overwrites an entry, reporting whether the key was
// already present.
func (ix *Index) Insert(e *Entry) (collision bool) {
	_, collision = ix.entries[e.Key]
	ix.entries[e.Key] = e
	ix.keys.Insert(e.Key, e)
	return collision
}

// Indexer builds an Index from a record stream, normalizing every
// comparison field on the way in.
type Indexer struct {
	profile    FieldProfile
	normalizer *normalize.Normalizer
}

// NewIndexer pairs a field profile with a normalizer.
func NewIndexer(profile FieldProfile, n *normalize.Normalizer) *Indexer {
	return &Indexer{profile: profile, normalizer: n}
}

// Normalize runs the comparison fields of one record through the rule
// chains and returns the normalized value map.
func (b *Indexer) Normalize(rec Record) map[string]string {
	normalized := make(map[string]string, len(b.profile.Comparison))
	for _, f := range b.profile.Comparison {
		normalized[f] = b.normalizer.Field(f, rec.Get(f))
	}
	return normalized
}

// Build consumes the iterator and produces an index plus build counters.
// Rows with a missing or empty identity field are skipped and counted, not
// failed; duplicate keys keep the later row and count a collision.
func (b *Indexer) Build(ctx context.Context, it Iterator) (*Index, BuildStats, error) {
	ix := NewIndex(b.profile)
	var stats BuildStats

	for {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, err
		}
		stats.RowsSeen++

		normalized := b.Normalize(rec)
		if missingIdentity(b.profile.Identity, normalized) {
			stats.Skipped++
			continue
		}

		entry := &Entry{
			Key:       b.profile.CompositeKey(normalized),
			Values:    normalized,
			Signature: b.profile.Signature(normalized),
			RowID:     RowID(rec, b.profile.Identity),
			Row:       rec.Row,
		}
		if ix.Insert(entry) {
			stats.Collisions++
		}
	}
	return ix, stats, nil
}

// BuildFromSource reads the source from row zero and builds the index.
func (b *Indexer) BuildFromSource(ctx context.Context, src Source) (*Index, BuildStats, error) {
	it, err := src.ReadFrom(ctx, 0)
	if err != nil {
		return nil, BuildStats{}, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer it.Close()
	return b.Build(ctx, it)
}

func missingIdentity(identity []string, normalized map[string]string) bool {
	for _, f := range identity {
		if normalized[f] == "" {
			return true
		}
	}
	return false
}
