package backend

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Row is a schemaless table row keyed by column name. Values are normalised
// to string, int64, uint64, float64, bool, time.Time, nil or nested Row/[]any.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Marshal encodes v using json struct tags, so models only carry one set of
// tags for the wire and for storage.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(data []byte, dest any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(dest)
}

// Decode converts src (a Row, a struct or a slice of either) into dest.
func Decode(src any, dest any) error {
	if dest == nil {
		return nil
	}
	data, err := Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	if err := Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode row into %T: %w", dest, err)
	}
	return nil
}

// ToRow converts a struct or map into a normalised Row.
func ToRow(v any) (Row, error) {
	var row Row
	if err := Decode(v, &row); err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %T is not a row", ErrInvalidQuery, v)
	}
	return row, nil
}

// ToRows accepts a single row value or a slice of them.
func ToRows(v any) ([]Row, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		row, err := ToRow(v)
		if err != nil {
			return nil, err
		}
		return []Row{row}, nil
	}
	rows := make([]Row, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		row, err := ToRow(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// DecodeResult writes rows into dest: all of them for a slice pointer, the
// first one for anything else. A nil dest is a no-op.
func DecodeResult(rows []Row, dest any) error {
	if dest == nil {
		return nil
	}
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: destination must be a non-nil pointer, got %T", ErrInvalidQuery, dest)
	}
	if rv.Elem().Kind() == reflect.Slice {
		if rows == nil {
			rows = []Row{}
		}
		return Decode(rows, dest)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return Decode(rows[0], dest)
}
