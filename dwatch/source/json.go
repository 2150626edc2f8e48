package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fleetops/driftwatch/dwatch/record"
)

// JSONSource reads records from an export holding one JSON array of
// objects, the shape the server-list endpoint dumps.
type JSONSource struct {
	Path string
}

// ReadFrom implements record.Source.
func (s *JSONSource) ReadFrom(ctx context.Context, offset int64) (record.Iterator, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open json export %s: %w", s.Path, err)
	}

	dec := json.NewDecoder(f)
	tok, err := dec.Token()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read json export %s: %w", s.Path, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		f.Close()
		return nil, fmt.Errorf("json export %s is not an array", s.Path)
	}

	it := &jsonIterator{ctx: ctx, file: f, dec: dec, row: 0}
	for skipped := int64(0); skipped < offset; skipped++ {
		if _, err := it.Next(); err != nil {
			if err == io.EOF {
				break
			}
			f.Close()
			return nil, fmt.Errorf("failed to seek json export to row %d: %w", offset, err)
		}
	}
	return it, nil
}

type jsonIterator struct {
	ctx  context.Context
	file *os.File
	dec  *json.Decoder
	row  int64
}

func (it *jsonIterator) Next() (record.Record, error) {
	if err := it.ctx.Err(); err != nil {
		return record.Record{}, err
	}
	if !it.dec.More() {
		return record.Record{}, io.EOF
	}

	var raw map[string]interface{}
	if err := it.dec.Decode(&raw); err != nil {
		return record.Record{}, fmt.Errorf("failed to decode json row %d: %w", it.row, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		values[k] = renderValue(v)
	}
	rec := record.Record{Values: values, Row: it.row}
	it.row++
	return rec, nil
}

func (it *jsonIterator) Close() error { return it.file.Close() }

// renderValue flattens a JSON scalar to its string form; arrays and
// objects are re-encoded as JSON so nothing is lost.
func renderValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
