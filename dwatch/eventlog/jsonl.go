package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fleetops/driftwatch/dwatch/diffing"
	"github.com/fleetops/driftwatch/dwatch/normalize"
)

// JSONLSink appends change events and run summaries as JSON lines. Cell
// values are sanitized to a maximum width; rows with truncated cells get
// their full values written to a sidecar file next to the log, named
// "<log>.details.jsonl".
type JSONLSink struct {
	mu          sync.Mutex
	path        string
	sidecarPath string
	maxCell     int
}

// NewJSONLSink creates the sink. maxCell <= 0 disables truncation.
func NewJSONLSink(path string, maxCell int) *JSONLSink {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return &JSONLSink{
		path:        path,
		sidecarPath: base + ".details.jsonl",
		maxCell:     maxCell,
	}
}

type jsonlEvent struct {
	Kind  string              `json:"kind"`
	RunID string              `json:"run_id"`
	Event diffing.ChangeEvent `json:"event"`
}

type jsonlSummary struct {
	Kind  string   `json:"kind"`
	Stats RunStats `json:"stats"`
}

type sidecarEntry struct {
	RunID           string            `json:"run_id"`
	Key             string            `json:"key"`
	TruncatedFields []string          `json:"truncated_fields"`
	Full            map[string]string `json:"full"`
}

// AppendEvent implements EventSink.
func (s *JSONLSink) AppendEvent(ctx context.Context, runID string, ev diffing.ChangeEvent) error {
	sanitized, truncated, full := s.sanitizeIdentity(ev.Identity)
	ev.Identity = sanitized

	if err := s.appendLine(s.path, jsonlEvent{Kind: "change", RunID: runID, Event: ev}); err != nil {
		return err
	}
	if len(truncated) > 0 {
		entry := sidecarEntry{RunID: runID, Key: ev.Key, TruncatedFields: truncated, Full: full}
		if err := s.appendLine(s.sidecarPath, entry); err != nil {
			return fmt.Errorf("sidecar write failed: %w", err)
		}
	}
	return nil
}

// AppendStats implements StatsSink.
func (s *JSONLSink) AppendStats(ctx context.Context, st RunStats) error {
	return s.appendLine(s.path, jsonlSummary{Kind: "run_summary", Stats: st})
}

func (s *JSONLSink) sanitizeIdentity(identity map[string]string) (map[string]string, []string, map[string]string) {
	sanitized := make(map[string]string, len(identity))
	var truncatedFields []string
	full := make(map[string]string)
	for field, value := range identity {
		cleaned, wasTruncated := normalize.SanitizeCell(value, s.maxCell)
		sanitized[field] = cleaned
		if wasTruncated {
			truncatedFields = append(truncatedFields, field)
			full[field] = value
		}
	}
	return sanitized, truncatedFields, full
}

func (s *JSONLSink) appendLine(path string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode log line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to append to log %s: %w", path, err)
	}
	return nil
}
