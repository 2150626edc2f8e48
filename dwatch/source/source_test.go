package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetops/driftwatch/dwatch/record"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSources(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"CSVReadAll", testCSVReadAll},
		{"CSVOffsetRestart", testCSVOffsetRestart},
		{"CSVRaggedRows", testCSVRaggedRows},
		{"CSVEmptyFile", testCSVEmptyFile},
		{"JSONReadAll", testJSONReadAll},
		{"JSONNotAnArray", testJSONNotAnArray},
		{"DirMergeOrder", testDirMergeOrder},
		{"DirIgnoreFile", testDirIgnoreFile},
		{"DirNoMatches", testDirNoMatches},
		{"SliceSourceOffset", testSliceSourceOffset},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func drain(t *testing.T, it record.Iterator) []record.Record {
	t.Helper()
	defer it.Close()
	var rows []record.Record
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, rec.Clone())
	}
}

func testCSVReadAll(t *testing.T) {
	path := writeFile(t, t.TempDir(), "servers.csv",
		"ip,port,sname\n10.0.0.1,30814,Alpha\n10.0.0.2,30814,Beta\n")

	src := &CSVSource{Path: path}
	it, err := src.ReadFrom(context.Background(), 0)
	require.NoError(t, err)

	rows := drain(t, it)
	require.Len(t, rows, 2)
	assert.Equal(t, "10.0.0.1", rows[0].Values["ip"])
	assert.Equal(t, "Alpha", rows[0].Values["sname"])
	assert.Equal(t, int64(0), rows[0].Row)
	assert.Equal(t, int64(1), rows[1].Row)
}

func testCSVOffsetRestart(t *testing.T) {
	path := writeFile(t, t.TempDir(), "servers.csv",
		"ip,port\n10.0.0.1,1\n10.0.0.2,2\n10.0.0.3,3\n")
	src := &CSVSource{Path: path}

	it, err := src.ReadFrom(context.Background(), 2)
	require.NoError(t, err)
	rows := drain(t, it)

	// Offsets count data rows, not the header line.
	require.Len(t, rows, 1)
	assert.Equal(t, "10.0.0.3", rows[0].Values["ip"])
	assert.Equal(t, int64(2), rows[0].Row)

	// Past-the-end offsets yield an empty stream, not an error.
	it, err = src.ReadFrom(context.Background(), 99)
	require.NoError(t, err)
	assert.Empty(t, drain(t, it))
}

func testCSVRaggedRows(t *testing.T) {
	path := writeFile(t, t.TempDir(), "servers.csv",
		"ip,port,sname\n10.0.0.1,30814\n")
	src := &CSVSource{Path: path}

	it, err := src.ReadFrom(context.Background(), 0)
	require.NoError(t, err)
	rows := drain(t, it)

	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0].Values["sname"], "short rows pad missing fields as empty")
}

func testCSVEmptyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.csv", "")
	src := &CSVSource{Path: path}

	_, err := src.ReadFrom(context.Background(), 0)
	assert.Error(t, err)
}

func testJSONReadAll(t *testing.T) {
	path := writeFile(t, t.TempDir(), "servers.json",
		`[{"ip":"10.0.0.1","players":3,"official":true,"modlist":["pack.zip"],"owner":null}]`)
	src := &JSONSource{Path: path}

	it, err := src.ReadFrom(context.Background(), 0)
	require.NoError(t, err)
	rows := drain(t, it)

	require.Len(t, rows, 1)
	values := rows[0].Values
	assert.Equal(t, "10.0.0.1", values["ip"])
	assert.Equal(t, "3", values["players"], "numbers render without exponent")
	assert.Equal(t, "true", values["official"])
	assert.Equal(t, `["pack.zip"]`, values["modlist"], "arrays re-encode as JSON")
	assert.Equal(t, "", values["owner"], "null renders empty")
}

func testJSONNotAnArray(t *testing.T) {
	path := writeFile(t, t.TempDir(), "servers.json", `{"ip":"10.0.0.1"}`)
	src := &JSONSource{Path: path}

	_, err := src.ReadFrom(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an array")
}

func testDirMergeOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index_on_D.csv", "id,drive\nd1,D\n")
	writeFile(t, dir, "index_on_C.csv", "id,drive\nc1,C\nc2,C\n")
	writeFile(t, dir, "notes.txt", "not an export")

	src := &DirSource{Dir: dir}
	it, err := src.ReadFrom(context.Background(), 0)
	require.NoError(t, err)
	rows := drain(t, it)

	// Filename order, rows renumbered across the merge.
	require.Len(t, rows, 3)
	assert.Equal(t, "c1", rows[0].Values["id"])
	assert.Equal(t, "c2", rows[1].Values["id"])
	assert.Equal(t, "d1", rows[2].Values["id"])
	for i, rec := range rows {
		assert.Equal(t, int64(i), rec.Row)
	}

	// A restart mid-stream sees the same tail.
	it, err = src.ReadFrom(context.Background(), 2)
	require.NoError(t, err)
	tail := drain(t, it)
	require.Len(t, tail, 1)
	assert.Equal(t, "d1", tail[0].Values["id"])
}

func testDirIgnoreFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index_on_C.csv", "id\nc1\n")
	writeFile(t, dir, "stale_backup.csv", "id\nstale\n")
	writeFile(t, dir, ".dwignore", "stale_*.csv\n")

	src := &DirSource{Dir: dir, IgnoreFile: ".dwignore"}
	it, err := src.ReadFrom(context.Background(), 0)
	require.NoError(t, err)
	rows := drain(t, it)

	require.Len(t, rows, 1)
	assert.Equal(t, "c1", rows[0].Values["id"])
}

func testDirNoMatches(t *testing.T) {
	src := &DirSource{Dir: t.TempDir()}
	_, err := src.ReadFrom(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no export files")
}

func testSliceSourceOffset(t *testing.T) {
	rows := SliceSource{
		{Values: map[string]string{"id": "a"}, Row: 0},
		{Values: map[string]string{"id": "b"}, Row: 1},
	}

	it, err := rows.ReadFrom(context.Background(), 1)
	require.NoError(t, err)
	got := drain(t, it)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Values["id"])

	it, err = rows.ReadFrom(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, drain(t, it))
}
