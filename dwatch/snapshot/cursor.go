package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// State of a transfer cursor. IDLE becomes RUNNING on the first Continue;
// DONE and FAILED are terminal for the cursor instance.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// Terminal reports whether the state allows a new Start on the same
// destination.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Exit reasons recorded on the cursor when Continue yields control.
const (
	ReasonTimeBudget  = "time budget exhausted"
	ReasonChunkBudget = "chunk budget exhausted"
	ReasonComplete    = "transfer complete"
)

// Cursor is the persisted progress marker of one bulk transfer. It is
// created by Start, advanced only by Continue, cleared on DONE and left
// intact for retry on every other exit. RowsWritten is monotonically
// non-decreasing and never exceeds TotalRows.
type Cursor struct {
	Destination    string    `json:"destination"`
	Generation     int64     `json:"generation"`
	SourceIndex    int64     `json:"source_index"`
	RowsWritten    int64     `json:"rows_written"`
	TotalRows      int64     `json:"total_rows"`
	ChunkSize      int64     `json:"chunk_size"`
	State          State     `json:"state"`
	LastExitReason string    `json:"last_exit_reason,omitempty"`
	RunID          uuid.UUID `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Remaining rows still to transfer.
func (c *Cursor) Remaining() int64 { return c.TotalRows - c.RowsWritten }

// ErrNoCursor is returned when Continue or Status finds no persisted cursor
// for the destination.
var ErrNoCursor = errors.New("no cursor for destination")

func cursorKey(dest string) string { return "cursor/" + dest }
func lockKey(dest string) string   { return "lock/" + dest }

// runLock serializes Start/Continue attempts against one destination across
// invocations. It is held for the lifetime of a non-terminal cursor.
type runLock struct {
	RunID      uuid.UUID `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func loadCursor(kv KVStore, dest string) (*Cursor, error) {
	raw, found, err := kv.Get(cursorKey(dest))
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor for %s: %w", dest, err)
	}
	if !found {
		return nil, ErrNoCursor
	}
	var cur Cursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil, fmt.Errorf("failed to decode cursor for %s: %w", dest, err)
	}
	return &cur, nil
}

func saveCursor(kv KVStore, cur *Cursor) error {
	raw, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("failed to encode cursor for %s: %w", cur.Destination, err)
	}
	if err := kv.Put(cursorKey(cur.Destination), raw); err != nil {
		return fmt.Errorf("failed to persist cursor for %s: %w", cur.Destination, err)
	}
	return nil
}

func clearCursor(kv KVStore, dest string) error {
	return kv.Delete(cursorKey(dest))
}

func loadLock(kv KVStore, dest string) (*runLock, error) {
	raw, found, err := kv.Get(lockKey(dest))
	if err != nil || !found {
		return nil, err
	}
	var lock runLock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, fmt.Errorf("failed to decode run lock for %s: %w", dest, err)
	}
	return &lock, nil
}

func saveLock(kv KVStore, dest string, lock runLock) error {
	raw, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	return kv.Put(lockKey(dest), raw)
}

func clearLock(kv KVStore, dest string) error {
	return kv.Delete(lockKey(dest))
}

func isEOF(err error) bool { return errors.Is(err, io.EOF) }
