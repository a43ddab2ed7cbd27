package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/perf-recon/internal/model"
)

// StreamJSON reads either a JSON array of objects or a stream of
// newline-delimited objects. Nested objects are flattened to dotted keys
// ("reporting.market_values.beginning"); numbers keep their literal text.
func StreamJSON(ctx context.Context, r io.Reader) (<-chan model.RawRow, <-chan error) {
	rowCh := make(chan model.RawRow, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		decoder.UseNumber()

		send := func(obj map[string]any) bool {
			select {
			case rowCh <- Flatten(obj):
				return true
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return false
			}
		}

		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}

		switch tok {
		case json.Delim('['):
			for decoder.More() {
				if ctx.Err() != nil {
					errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
					return
				}
				var obj map[string]any
				if err := decoder.Decode(&obj); err != nil {
					errCh <- eris.Wrap(err, "json: decode element")
					return
				}
				if !send(obj) {
					return
				}
			}
			if _, err := decoder.Token(); err != nil {
				errCh <- eris.Wrap(err, "json: read closing token")
			}

		case json.Delim('{'):
			// Newline-delimited objects: the first one is already open.
			first, err := decodeOpenObject(decoder)
			if err != nil {
				errCh <- err
				return
			}
			if !send(first) {
				return
			}
			for {
				if ctx.Err() != nil {
					errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
					return
				}
				var obj map[string]any
				err := decoder.Decode(&obj)
				if errors.Is(err, io.EOF) {
					return
				}
				if err != nil {
					errCh <- eris.Wrap(err, "json: decode object")
					return
				}
				if !send(obj) {
					return
				}
			}

		default:
			errCh <- eris.Errorf("json: expected '[' or '{', got %v", tok)
		}
	}()

	return rowCh, errCh
}

// decodeOpenObject finishes an object whose '{' was already consumed.
func decodeOpenObject(decoder *json.Decoder) (map[string]any, error) {
	obj := make(map[string]any)
	for decoder.More() {
		tok, err := decoder.Token()
		if err != nil {
			return nil, eris.Wrap(err, "json: read key")
		}
		key, ok := tok.(string)
		if !ok {
			return nil, eris.Errorf("json: expected object key, got %v", tok)
		}
		var v any
		if err := decoder.Decode(&v); err != nil {
			return nil, eris.Wrapf(err, "json: decode value for %q", key)
		}
		obj[key] = v
	}
	if _, err := decoder.Token(); err != nil {
		return nil, eris.Wrap(err, "json: read closing brace")
	}
	return obj, nil
}

// Flatten turns a decoded object into a raw row. Nested object keys are
// joined with dots; arrays are indexed ("fees.0.amount"); null becomes "".
func Flatten(obj map[string]any) model.RawRow {
	row := make(model.RawRow)
	flattenInto(row, "", obj)
	return row
}

func flattenInto(row model.RawRow, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenInto(row, join(prefix, k), val[k])
		}
	case []any:
		for i, item := range val {
			flattenInto(row, join(prefix, fmt.Sprint(i)), item)
		}
	case nil:
		row[prefix] = ""
	case json.Number:
		row[prefix] = val.String()
	case string:
		row[prefix] = val
	default:
		row[prefix] = fmt.Sprint(val)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
