package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fleetops/driftwatch/dwatch/record"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sourcegraph/conc/pool"
)

// DirSource merges a directory of per-drive export files (for example
// "mods_index_on_C.csv", "mods_index_on_D.csv") into one record stream.
// Files are parsed concurrently but merged in deterministic filename order,
// so row offsets stay stable across invocations, which resume depends on.
type DirSource struct {
	Dir        string
	Pattern    string
	IgnoreFile string
	Workers    int

	mu     sync.Mutex
	merged []record.Record
	loaded bool
}

// ReadFrom implements record.Source. The first call scans and merges; later
// calls serve from the merged rows.
func (s *DirSource) ReadFrom(ctx context.Context, offset int64) (record.Iterator, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	rows := s.merged
	s.mu.Unlock()
	if offset > int64(len(rows)) {
		offset = int64(len(rows))
	}
	return &memIterator{rows: rows, pos: offset}, nil
}

func (s *DirSource) load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	files, err := s.exportFiles()
	if err != nil {
		return err
	}

	// Parse concurrently, keep file order deterministic.
	results := make([][]record.Record, len(files))
	workers := s.Workers
	if workers <= 0 {
		workers = 4
	}
	p := pool.New().WithMaxGoroutines(workers).WithContext(ctx).WithCancelOnError()
	for i, path := range files {
		p.Go(func(ctx context.Context) error {
			rows, err := readAllCSV(ctx, path)
			if err != nil {
				return fmt.Errorf("failed to parse export %s: %w", path, err)
			}
			results[i] = rows
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	var merged []record.Record
	for _, rows := range results {
		for _, rec := range rows {
			rec.Row = int64(len(merged))
			merged = append(merged, rec)
		}
	}
	s.merged = merged
	s.loaded = true
	return nil
}

// exportFiles lists matching files in sorted order, honoring the ignore
// file when present.
func (s *DirSource) exportFiles() ([]string, error) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = "*.csv"
	}

	var ignored *ignore.GitIgnore
	if s.IgnoreFile != "" {
		ignorePath := filepath.Join(s.Dir, s.IgnoreFile)
		if _, err := os.Stat(ignorePath); err == nil {
			compiled, err := ignore.CompileIgnoreFile(ignorePath)
			if err != nil {
				return nil, fmt.Errorf("error reading ignore file %s: %w", ignorePath, err)
			}
			ignored = compiled
		}
	}

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan export directory %s: %w", s.Dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match, err := filepath.Match(pattern, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("bad export pattern %q: %w", pattern, err)
		}
		if !match {
			continue
		}
		if ignored != nil && ignored.MatchesPath(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.Dir, entry.Name()))
	}
	sort.Strings(files)

	if len(files) == 0 {
		return nil, fmt.Errorf("no export files matching %q under %s", pattern, s.Dir)
	}
	return files, nil
}

func readAllCSV(ctx context.Context, path string) ([]record.Record, error) {
	src := &CSVSource{Path: path}
	it, err := src.ReadFrom(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var rows []record.Record
	for {
		rec, err := it.Next()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec.Clone())
	}
}

// SliceSource serves records from memory. Used by tests and by callers
// that already materialized the latest rows.
type SliceSource []record.Record

// ReadFrom implements record.Source.
func (s SliceSource) ReadFrom(_ context.Context, offset int64) (record.Iterator, error) {
	if offset > int64(len(s)) {
		offset = int64(len(s))
	}
	return &memIterator{rows: s, pos: offset}, nil
}

type memIterator struct {
	rows []record.Record
	pos  int64
}

func (it *memIterator) Next() (record.Record, error) {
	if it.pos >= int64(len(it.rows)) {
		return record.Record{}, io.EOF
	}
	rec := it.rows[it.pos]
	it.pos++
	return rec, nil
}

func (it *memIterator) Close() error { return nil }
