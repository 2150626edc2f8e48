// Package diffing computes the classified difference between the previous
// and the latest index of a dataset refresh.
package diffing

import (
	"sort"
	"time"

	"github.com/fleetops/driftwatch/dwatch/record"

	"github.com/google/uuid"
)

// ChangeType labels one change event.
type ChangeType string

const (
	Added ChangeType = "ADDED"
	// Removed means the key existed in the previous index only.
	Removed ChangeType = "REMOVED"
	// ChangedConfig means at least one non-volatile field changed.
	ChangedConfig ChangeType = "CHANGED_CONFIG"
	// ChangedLive means only volatile fields changed.
	ChangedLive ChangeType = "CHANGED_LIVE"
)

// ChangeEvent is one immutable entry of the change log.
type ChangeEvent struct {
	ID        uuid.UUID         `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      ChangeType        `json:"type"`
	Key       string            `json:"key"`
	Identity  map[string]string `json:"identity"`
	// ChangedFields is ordered as the fields appear in the comparison list.
	// Empty for ADDED and REMOVED.
	ChangedFields []string `json:"changed_fields,omitempty"`
	OldSignature  string   `json:"old_signature,omitempty"`
	NewSignature  string   `json:"new_signature,omitempty"`
	// Anomaly is set when signatures differ but no field-level
	// difference was found.
	Anomaly bool `json:"anomaly,omitempty"`
}

// Stats aggregates one classification pass.
type Stats struct {
	Added         int64
	Removed       int64
	ChangedConfig int64
	ChangedLive   int64
	Unchanged     int64
	Anomalies     int64
}

// SignaturesEqual is the whole comparison contract: exact string equality,
// no fuzzy matching.
func SignaturesEqual(a, b string) bool { return a == b }

// Classify walks both indexes and emits one event per added, removed or
// changed key; unchanged keys emit nothing. The scan is O(|prev|+|latest|)
// via map lookups; the sort is only for deterministic event order.
func Classify(prev, latest *record.Index, now time.Time) ([]ChangeEvent, Stats) {
	profile := latest.Profile()
	var events []ChangeEvent
	var stats Stats

	for _, key := range latest.Keys() {
		le, _ := latest.Get(key)
		pe, existed := prev.Get(key)
		if !existed {
			stats.Added++
			events = append(events, newEvent(now, Added, key, le, profile, nil, "", le.Signature, false))
			continue
		}
		if SignaturesEqual(pe.Signature, le.Signature) {
			stats.Unchanged++
			continue
		}
		changed := changedFields(profile, pe.Values, le.Values)
		typ, anomaly := classifyChange(profile, changed)
		switch typ {
		case ChangedLive:
			stats.ChangedLive++
		default:
			stats.ChangedConfig++
		}
		if anomaly {
			stats.Anomalies++
		}
		events = append(events, newEvent(now, typ, key, le, profile, changed, pe.Signature, le.Signature, anomaly))
	}

	for _, key := range prev.Keys() {
		if _, stillThere := latest.Get(key); stillThere {
			continue
		}
		pe, _ := prev.Get(key)
		stats.Removed++
		events = append(events, newEvent(now, Removed, key, pe, profile, nil, pe.Signature, "", false))
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Key < events[j].Key })
	return events, stats
}

// changedFields compares field by field, returning names in comparison-list
// order. Field-level equality, not signature-level: a separator collision in
// the signature cannot fabricate a changed field here.
func changedFields(profile record.FieldProfile, prev, latest map[string]string) []string {
	var changed []string
	for _, f := range profile.Comparison {
		if prev[f] != latest[f] {
			changed = append(changed, f)
		}
	}
	return changed
}

// classifyChange labels a signature mismatch. Only-volatile changes are
// live churn; anything else is configuration drift. An empty changed set
// with differing signatures is a separator collision inside the signature;
// it is classified conservatively as CHANGED_CONFIG and flagged.
func classifyChange(profile record.FieldProfile, changed []string) (ChangeType, bool) {
	if len(changed) == 0 {
		return ChangedConfig, true
	}
	for _, f := range changed {
		if !profile.IsVolatile(f) {
			return ChangedConfig, false
		}
	}
	return ChangedLive, false
}

func newEvent(now time.Time, typ ChangeType, key string, e *record.Entry, profile record.FieldProfile, changed []string, oldSig, newSig string, anomaly bool) ChangeEvent {
	identity := make(map[string]string, len(profile.Identity))
	for _, f := range profile.Identity {
		identity[f] = e.Values[f]
	}
	return ChangeEvent{
		ID:            uuid.New(),
		Timestamp:     now,
		Type:          typ,
		Key:           key,
		Identity:      identity,
		ChangedFields: changed,
		OldSignature:  oldSig,
		NewSignature:  newSig,
		Anomaly:       anomaly,
	}
}
