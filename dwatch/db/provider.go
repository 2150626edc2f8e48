// Package db provides the durable SQLite implementations behind the
// snapshot store: generation-versioned snapshot rows, the cursor key-value
// store, and the change-event and run-stats sinks. One database file holds
// all of it.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fleetops/driftwatch/dwatch/diffing"
	"github.com/fleetops/driftwatch/dwatch/eventlog"
	"github.com/fleetops/driftwatch/dwatch/record"
	"github.com/fleetops/driftwatch/dwatch/snapshot"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

const liveGenerationKey = "live_generation"

// Provider owns the database connection and hands out the typed views the
// pipeline needs.
type Provider struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens or initializes the database at path.
func Open(path string, log zerolog.Logger) (*Provider, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create database directory: %w", err)
		}
	}

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	p := &Provider{db: conn, log: log.With().Str("component", "db").Logger()}
	if err := p.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// init sets up the tables.
func (p *Provider) init() error {
	createTables := []string{
		`CREATE TABLE IF NOT EXISTS snapshot_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot_rows (
			generation INTEGER NOT NULL,
			row_offset INTEGER NOT NULL,
			row_ord INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (generation, row_offset)
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS change_events (
			id TEXT PRIMARY KEY,
			run_id TEXT,
			ts TEXT NOT NULL,
			type TEXT NOT NULL,
			key TEXT NOT NULL,
			identity TEXT,
			changed_fields TEXT,
			old_signature TEXT,
			new_signature TEXT,
			anomaly INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS run_stats (
			run_id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			records_seen INTEGER,
			skipped INTEGER,
			collisions INTEGER,
			added INTEGER,
			removed INTEGER,
			changed_config INTEGER,
			changed_live INTEGER,
			anomalies INTEGER,
			elapsed_ms INTEGER
		)`,
	}
	for _, query := range createTables {
		if _, err := p.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (p *Provider) Close() error { return p.db.Close() }

// LiveGeneration implements snapshot.BackingProvider. Zero means no
// snapshot has been committed yet.
func (p *Provider) LiveGeneration(ctx context.Context) (int64, error) {
	var value string
	err := p.db.QueryRowContext(ctx, "SELECT value FROM snapshot_meta WHERE key = ?", liveGenerationKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read live generation: %w", err)
	}
	gen, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt live generation %q: %w", value, err)
	}
	return gen, nil
}

// Generation implements snapshot.BackingProvider.
func (p *Provider) Generation(gen int64) snapshot.BackingStore {
	return &generationStore{provider: p, gen: gen}
}

// Commit flips the live generation and drops older rows in one
// transaction, so a reader sees either the old snapshot or the new one,
// never a mix.
func (p *Provider) Commit(ctx context.Context, gen int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO snapshot_meta (key, value) VALUES (?, ?)",
		liveGenerationKey, strconv.FormatInt(gen, 10)); err != nil {
		return fmt.Errorf("failed to set live generation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_rows WHERE generation < ?", gen); err != nil {
		return fmt.Errorf("failed to drop old generations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit generation %d: %w", gen, err)
	}

	p.log.Info().Int64("generation", gen).Msg("snapshot generation committed")
	return nil
}

// generationStore is one generation's view of snapshot_rows.
type generationStore struct {
	provider *Provider
	gen      int64
}

type rowPayload struct {
	Values map[string]string `json:"values"`
}

func (g *generationStore) RowCount(ctx context.Context) (int64, error) {
	var count int64
	err := g.provider.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM snapshot_rows WHERE generation = ?", g.gen).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshot rows: %w", err)
	}
	return count, nil
}

func (g *generationStore) ReadRange(ctx context.Context, offset, count int64) ([]record.Record, error) {
	rows, err := g.provider.db.QueryContext(ctx,
		`SELECT row_offset, row_ord, data FROM snapshot_rows
		 WHERE generation = ? AND row_offset >= ? AND row_offset < ?
		 ORDER BY row_offset`, g.gen, offset, offset+count)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot rows: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var rowOffset, rowOrd int64
		var data string
		if err := rows.Scan(&rowOffset, &rowOrd, &data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		var payload rowPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return nil, fmt.Errorf("corrupt snapshot row at offset %d: %w", rowOffset, err)
		}
		out = append(out, record.Record{Values: payload.Values, Row: rowOrd})
	}
	return out, rows.Err()
}

// AppendRange is idempotent per offset: INSERT OR REPLACE on the
// (generation, row_offset) primary key means a replayed chunk rewrites the
// same rows.
func (g *generationStore) AppendRange(ctx context.Context, offset int64, rows []record.Record) error {
	tx, err := g.provider.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO snapshot_rows (generation, row_offset, row_ord, data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare append statement: %w", err)
	}
	defer stmt.Close()

	for i, rec := range rows {
		data, err := json.Marshal(rowPayload{Values: rec.Values})
		if err != nil {
			return fmt.Errorf("failed to encode row at offset %d: %w", offset+int64(i), err)
		}
		if _, err := stmt.ExecContext(ctx, g.gen, offset+int64(i), rec.Row, string(data)); err != nil {
			return fmt.Errorf("failed to append row at offset %d: %w", offset+int64(i), err)
		}
	}
	return tx.Commit()
}

func (g *generationStore) Clear(ctx context.Context) error {
	_, err := g.provider.db.ExecContext(ctx, "DELETE FROM snapshot_rows WHERE generation = ?", g.gen)
	if err != nil {
		return fmt.Errorf("failed to clear generation %d: %w", g.gen, err)
	}
	return nil
}

// KV returns the SQLite-backed cursor store.
func (p *Provider) KV() snapshot.KVStore { return &sqliteKV{provider: p} }

type sqliteKV struct {
	provider *Provider
}

func (kv *sqliteKV) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := kv.provider.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read kv %s: %w", key, err)
	}
	return value, true, nil
}

func (kv *sqliteKV) Put(key string, value []byte) error {
	_, err := kv.provider.db.Exec("INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to write kv %s: %w", key, err)
	}
	return nil
}

func (kv *sqliteKV) Delete(key string) error {
	_, err := kv.provider.db.Exec("DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete kv %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the provider owns the connection.
func (kv *sqliteKV) Close() error { return nil }

// AppendEvent implements eventlog.EventSink.
func (p *Provider) AppendEvent(ctx context.Context, runID string, ev diffing.ChangeEvent) error {
	identity, err := json.Marshal(ev.Identity)
	if err != nil {
		return fmt.Errorf("failed to encode event identity: %w", err)
	}
	anomaly := 0
	if ev.Anomaly {
		anomaly = 1
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO change_events
		 (id, run_id, ts, type, key, identity, changed_fields, old_signature, new_signature, anomaly)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), runID, ev.Timestamp.UTC().Format(time.RFC3339Nano), string(ev.Type), ev.Key,
		string(identity), strings.Join(ev.ChangedFields, ","), ev.OldSignature, ev.NewSignature, anomaly)
	if err != nil {
		return fmt.Errorf("failed to insert change event: %w", err)
	}
	return nil
}

// AppendStats implements eventlog.StatsSink.
func (p *Provider) AppendStats(ctx context.Context, st eventlog.RunStats) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_stats
		 (run_id, ts, records_seen, skipped, collisions, added, removed, changed_config, changed_live, anomalies, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.RunID.String(), st.Timestamp.UTC().Format(time.RFC3339Nano),
		st.RecordsSeen, st.Skipped, st.Collisions, st.Added, st.Removed,
		st.ChangedConfig, st.ChangedLive, st.Anomalies, st.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert run stats: %w", err)
	}
	return nil
}
