package archiver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/parquet-go/parquet-go"
)

// columnKind is the parquet physical type chosen for a column.
type columnKind int

const (
	columnString columnKind = iota
	columnDouble
)

// inferSchema derives the column set from the first row of a batch: numeric
// values become DOUBLE columns, everything else UTF8. Later rows are fitted
// to this shape; keys absent from the first row are dropped.
func inferSchema(name string, first map[string]any) (*parquet.Schema, map[string]columnKind) {
	keys := make([]string, 0, len(first))
	for k := range first {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kinds := make(map[string]columnKind, len(keys))
	group := parquet.Group{}
	for _, k := range keys {
		if _, ok := toFloat(first[k]); ok {
			kinds[k] = columnDouble
			group[k] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		} else {
			kinds[k] = columnString
			group[k] = parquet.Optional(parquet.String())
		}
	}
	return parquet.NewSchema(name, group), kinds
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// fitRow shapes one payload to the inferred columns. Values that do not fit
// their column type become nulls.
func fitRow(kinds map[string]columnKind, payload map[string]any) map[string]any {
	row := make(map[string]any, len(kinds))
	for k, kind := range kinds {
		v, ok := payload[k]
		if !ok || v == nil {
			row[k] = nil
			continue
		}
		switch kind {
		case columnDouble:
			if f, ok := toFloat(v); ok {
				row[k] = f
			} else {
				row[k] = nil
			}
		default:
			if s, ok := toString(v); ok {
				row[k] = s
			} else {
				row[k] = nil
			}
		}
	}
	return row
}

// encodeParquet writes a batch of payload rows into one parquet file. The
// schema comes from the first row.
func encodeParquet(name string, payloads []map[string]any) ([]byte, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("empty batch for %s", name)
	}

	schema, kinds := inferSchema(name, payloads[0])
	rows := make([]map[string]any, 0, len(payloads))
	for _, p := range payloads {
		rows = append(rows, fitRow(kinds, p))
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[map[string]any](&buf, schema)
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows for %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer for %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
