package diffing

import (
	"testing"
	"time"

	"github.com/fleetops/driftwatch/dwatch/record"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"Partition", testPartition},
		{"VolatileOnlyIsLive", testVolatileOnlyIsLive},
		{"MixedChangeIsConfig", testMixedChangeIsConfig},
		{"SelfDiffIsEmpty", testSelfDiffIsEmpty},
		{"Anomaly", testAnomaly},
		{"EventOrder", testEventOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func classifierProfile(t *testing.T) record.FieldProfile {
	t.Helper()
	profile, err := record.NewFieldProfile(
		[]string{"ip", "port"},
		[]string{"ip", "port", "sname", "players"},
		[]string{"players"},
	)
	require.NoError(t, err)
	return profile
}

// buildIndex constructs an index from normalized value maps, deriving key
// and signature the way the indexer does.
func buildIndex(profile record.FieldProfile, rows ...map[string]string) *record.Index {
	ix := record.NewIndex(profile)
	for i, values := range rows {
		ix.Insert(&record.Entry{
			Key:       profile.CompositeKey(values),
			Values:    values,
			Signature: profile.Signature(values),
			Row:       int64(i),
		})
	}
	return ix
}

func server(ip, port, sname, players string) map[string]string {
	return map[string]string{"ip": ip, "port": port, "sname": sname, "players": players}
}

func testPartition(t *testing.T) {
	profile := classifierProfile(t)
	now := time.Now()

	prev := buildIndex(profile,
		server("10.0.0.1", "30814", "Alpha", "2"),
		server("10.0.0.2", "30814", "Beta", "0"),
		server("10.0.0.3", "30814", "Gamma", "5"),
	)
	latest := buildIndex(profile,
		server("10.0.0.2", "30814", "Beta renamed", "0"), // changed
		server("10.0.0.3", "30814", "Gamma", "5"),        // unchanged
		server("10.0.0.4", "30814", "Delta", "1"),        // added
	)

	events, stats := Classify(prev, latest, now)

	assert.Equal(t, int64(1), stats.Added)
	assert.Equal(t, int64(1), stats.Removed)
	assert.Equal(t, int64(1), stats.ChangedConfig)
	assert.Equal(t, int64(0), stats.ChangedLive)
	assert.Equal(t, int64(1), stats.Unchanged)
	assert.Equal(t, int64(0), stats.Anomalies)

	// Every previous key lands in exactly one bucket, same for latest.
	assert.Equal(t, int64(prev.Len()), stats.Removed+stats.ChangedConfig+stats.ChangedLive+stats.Unchanged)
	assert.Equal(t, int64(latest.Len()), stats.Added+stats.ChangedConfig+stats.ChangedLive+stats.Unchanged)

	require.Len(t, events, 3)
	byType := map[ChangeType]ChangeEvent{}
	for _, ev := range events {
		byType[ev.Type] = ev
		assert.Equal(t, now, ev.Timestamp)
		assert.NotEqual(t, uuid.Nil, ev.ID)
	}

	added := byType[Added]
	assert.Equal(t, "10.0.0.4", added.Identity["ip"])
	assert.Empty(t, added.ChangedFields)
	assert.Empty(t, added.OldSignature)
	assert.NotEmpty(t, added.NewSignature)

	removed := byType[Removed]
	assert.Equal(t, "10.0.0.1", removed.Identity["ip"])
	assert.NotEmpty(t, removed.OldSignature)
	assert.Empty(t, removed.NewSignature)

	changed := byType[ChangedConfig]
	assert.Equal(t, []string{"sname"}, changed.ChangedFields)
	assert.NotEqual(t, changed.OldSignature, changed.NewSignature)
}

func testVolatileOnlyIsLive(t *testing.T) {
	profile := classifierProfile(t)

	prev := buildIndex(profile, server("10.0.0.1", "30814", "Alpha", "2"))
	latest := buildIndex(profile, server("10.0.0.1", "30814", "Alpha", "7"))

	events, stats := Classify(prev, latest, time.Now())
	require.Len(t, events, 1)
	assert.Equal(t, ChangedLive, events[0].Type)
	assert.Equal(t, []string{"players"}, events[0].ChangedFields)
	assert.Equal(t, int64(1), stats.ChangedLive)
	assert.Equal(t, int64(0), stats.ChangedConfig)
}

func testMixedChangeIsConfig(t *testing.T) {
	profile := classifierProfile(t)

	prev := buildIndex(profile, server("10.0.0.1", "30814", "Alpha", "2"))
	latest := buildIndex(profile, server("10.0.0.1", "30814", "Alpha!", "7"))

	events, stats := Classify(prev, latest, time.Now())
	require.Len(t, events, 1)
	assert.Equal(t, ChangedConfig, events[0].Type, "any non-volatile change dominates")
	// Changed fields come back in comparison-list order.
	assert.Equal(t, []string{"sname", "players"}, events[0].ChangedFields)
	assert.Equal(t, int64(1), stats.ChangedConfig)
	assert.Equal(t, int64(0), stats.ChangedLive)
}

func testSelfDiffIsEmpty(t *testing.T) {
	profile := classifierProfile(t)
	ix := buildIndex(profile,
		server("10.0.0.1", "30814", "Alpha", "2"),
		server("10.0.0.2", "30814", "Beta", "0"),
	)

	events, stats := Classify(ix, ix, time.Now())
	assert.Empty(t, events)
	assert.Equal(t, int64(2), stats.Unchanged)
}

// A signature mismatch with no field-level difference cannot come out of
// honest data; it is classified as CHANGED_CONFIG and flagged.
func testAnomaly(t *testing.T) {
	profile := classifierProfile(t)
	values := server("10.0.0.1", "30814", "Alpha", "2")

	prev := record.NewIndex(profile)
	prev.Insert(&record.Entry{
		Key:       profile.CompositeKey(values),
		Values:    values,
		Signature: profile.Signature(values) + "-stale",
	})
	latest := buildIndex(profile, values)

	events, stats := Classify(prev, latest, time.Now())
	require.Len(t, events, 1)
	assert.Equal(t, ChangedConfig, events[0].Type)
	assert.True(t, events[0].Anomaly)
	assert.Empty(t, events[0].ChangedFields)
	assert.Equal(t, int64(1), stats.Anomalies)
	assert.Equal(t, int64(1), stats.ChangedConfig)
}

func testEventOrder(t *testing.T) {
	profile := classifierProfile(t)

	prev := buildIndex(profile, server("10.0.0.9", "30814", "Old", "0"))
	latest := buildIndex(profile,
		server("10.0.0.5", "30814", "E", "0"),
		server("10.0.0.1", "30814", "A", "0"),
		server("10.0.0.3", "30814", "C", "0"),
	)

	events, _ := Classify(prev, latest, time.Now())
	require.Len(t, events, 4)
	for i := 1; i < len(events); i++ {
		assert.LessOrEqual(t, events[i-1].Key, events[i].Key, "events sorted by key")
	}
}
