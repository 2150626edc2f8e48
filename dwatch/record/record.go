// Package record defines the row model of the diffing engine: raw records
// from an export, the composite key that identifies an entity across runs,
// and the signature that decides whether it changed.
package record

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeySep joins identity-field values into a composite key. The
	// normalizer strips control characters from every field, so neither
	// separator can occur inside a value.
	KeySep = "\x1f"
	// SigSep joins comparison-field values into a signature. Distinct from
	// KeySep so a key is never a prefix-ambiguous slice of a signature.
	SigSep = "\x1e"
)

// Record is one raw row of the dataset, immutable once read. Field order is
// carried by the FieldProfile, not by the map.
type Record struct {
	// Values maps field name to raw value. Non-string scalars are rendered
	// to strings by the source.
	Values map[string]string
	// Row is the ordinal of this record in its source stream.
	Row int64
}

// Get returns the raw value of a field, empty when absent.
func (r Record) Get(field string) string {
	return r.Values[field]
}

// Clone returns a deep copy. Sources reuse buffers; the indexer clones
// before retaining.
func (r Record) Clone() Record {
	values := make(map[string]string, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return Record{Values: values, Row: r.Row}
}

// FieldProfile is the static field contract of a run: which fields identify
// a record, which participate in comparison, and which are volatile. The
// identity fields are a subset of the comparison fields; the engine never
// infers any of this from the data.
type FieldProfile struct {
	Identity   []string
	Comparison []string
	volatile   map[string]bool
}

// NewFieldProfile validates and builds a profile. Identity and volatile
// fields must appear in the comparison list.
func NewFieldProfile(identity, comparison, volatile []string) (FieldProfile, error) {
	if len(identity) == 0 {
		return FieldProfile{}, fmt.Errorf("profile needs at least one identity field")
	}
	inComparison := make(map[string]bool, len(comparison))
	for _, f := range comparison {
		inComparison[f] = true
	}
	for _, f := range identity {
		if !inComparison[f] {
			return FieldProfile{}, fmt.Errorf("identity field %q not in comparison fields", f)
		}
	}
	vol := make(map[string]bool, len(volatile))
	for _, f := range volatile {
		if !inComparison[f] {
			return FieldProfile{}, fmt.Errorf("volatile field %q not in comparison fields", f)
		}
		vol[f] = true
	}
	return FieldProfile{
		Identity:   append([]string(nil), identity...),
		Comparison: append([]string(nil), comparison...),
		volatile:   vol,
	}, nil
}

// IsVolatile reports whether a comparison field is expected to fluctuate
// without representing a configuration change.
func (p FieldProfile) IsVolatile(field string) bool {
	return p.volatile[field]
}

// CompositeKey joins normalized identity values in profile order.
func (p FieldProfile) CompositeKey(normalized map[string]string) string {
	parts := make([]string, len(p.Identity))
	for i, f := range p.Identity {
		parts[i] = normalized[f]
	}
	return strings.Join(parts, KeySep)
}

// Signature joins normalized comparison values in profile order. Equal
// signatures mean an unchanged record; any single-character difference after
// normalization counts as changed.
func (p FieldProfile) Signature(normalized map[string]string) string {
	parts := make([]string, len(p.Comparison))
	for i, f := range p.Comparison {
		parts[i] = normalized[f]
	}
	return strings.Join(parts, SigSep)
}

// RowID derives a short stable reference for a source row from its raw
// identity values and ordinal, in the manner of the inventory tooling's
// row ids (sha1, first 12 hex chars).
func RowID(rec Record, identity []string) string {
	h := sha1.New()
	for _, f := range identity {
		h.Write([]byte(rec.Get(f)))
		h.Write([]byte{'|'})
	}
	fmt.Fprintf(h, "%d", rec.Row)
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Iterator yields records in source order. Next returns io.EOF after the
// last record.
type Iterator interface {
	Next() (Record, error)
	Close() error
}

// Source produces a finite, restartable ordered sequence of records.
// ReadFrom must support starting at an arbitrary row offset so interrupted
// transfers can resume.
type Source interface {
	ReadFrom(ctx context.Context, offset int64) (Iterator, error)
}
