package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetops/driftwatch/dwatch/diffing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLSink(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"AppendEventAndStats", testAppendEventAndStats},
		{"TruncationSidecar", testTruncationSidecar},
		{"LoggerFanOut", testLoggerFanOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func changeEvent(ip string) diffing.ChangeEvent {
	return diffing.ChangeEvent{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Type:      diffing.Added,
		Key:       ip + "\x1f30814",
		Identity:  map[string]string{"ip": ip, "port": "30814"},
	}
}

func testAppendEventAndStats(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "changes.jsonl")
	sink := NewJSONLSink(logPath, 1000)
	runID := uuid.New()

	require.NoError(t, sink.AppendEvent(context.Background(), runID.String(), changeEvent("10.0.0.1")))
	require.NoError(t, sink.AppendStats(context.Background(), RunStats{RunID: runID, Added: 1}))

	lines := readLines(t, logPath)
	require.Len(t, lines, 2)
	assert.Equal(t, "change", lines[0]["kind"])
	assert.Equal(t, runID.String(), lines[0]["run_id"])
	assert.Equal(t, "run_summary", lines[1]["kind"])

	// Nothing was truncated, so no sidecar appears.
	_, err := os.Stat(filepath.Join(dir, "changes.details.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func testTruncationSidecar(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "changes.jsonl")
	sink := NewJSONLSink(logPath, 10)

	long := strings.Repeat("x", 40)
	ev := changeEvent("10.0.0.1")
	ev.Identity["sname"] = long

	require.NoError(t, sink.AppendEvent(context.Background(), "run-1", ev))

	lines := readLines(t, logPath)
	require.Len(t, lines, 1)
	identity := lines[0]["event"].(map[string]interface{})["identity"].(map[string]interface{})
	logged := identity["sname"].(string)
	assert.Len(t, []rune(logged), 10)
	assert.True(t, strings.HasSuffix(logged, "…"))

	sidecar := readLines(t, filepath.Join(dir, "changes.details.jsonl"))
	require.Len(t, sidecar, 1)
	assert.Equal(t, "run-1", sidecar[0]["run_id"])
	assert.Equal(t, []interface{}{"sname"}, sidecar[0]["truncated_fields"])
	full := sidecar[0]["full"].(map[string]interface{})
	assert.Equal(t, long, full["sname"])
}

func testLoggerFanOut(t *testing.T) {
	good := &memorySink{}
	bad := &memorySink{fail: true}
	logger := NewLogger(zerolog.Nop(), []EventSink{bad, good}, []StatsSink{bad, good})
	runID := uuid.New()

	events := []diffing.ChangeEvent{changeEvent("10.0.0.1"), changeEvent("10.0.0.2")}
	logger.LogEvents(context.Background(), runID, events)
	logger.LogStats(context.Background(), RunStats{RunID: runID})

	// A failing sink never blocks the healthy one.
	assert.Len(t, good.events, 2)
	assert.Len(t, good.stats, 1)
	assert.Equal(t, "10.0.0.1", good.events[0].Identity["ip"], "emission order preserved")
}

type memorySink struct {
	fail   bool
	events []diffing.ChangeEvent
	stats  []RunStats
}

func (s *memorySink) AppendEvent(_ context.Context, _ string, ev diffing.ChangeEvent) error {
	if s.fail {
		return os.ErrPermission
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) AppendStats(_ context.Context, st RunStats) error {
	if s.fail {
		return os.ErrPermission
	}
	s.stats = append(s.stats, st)
	return nil
}
