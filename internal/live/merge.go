package live

import (
	"errors"
	"fmt"
	"slices"

	"telechat/internal/backend"
)

var errEmptyRecord = errors.New("change carries no record")

// decode reads row through dec, which is Change.DecodeNew or DecodeOld.
func decode[T any](row backend.Row, dec func(dest any) error) (T, error) {
	var v T
	if len(row) == 0 {
		return v, errEmptyRecord
	}
	if err := dec(&v); err != nil {
		return v, fmt.Errorf("undecodable change: %w", err)
	}
	return v, nil
}

func indexOf[T any](items []T, k string, key func(T) string) int {
	if key == nil {
		return -1
	}
	return slices.IndexFunc(items, func(it T) bool { return key(it) == k })
}

func appendUnique[T any](items []T, v T, key func(T) string) []T {
	if key != nil && indexOf(items, key(v), key) >= 0 {
		return items
	}
	return append(items, v)
}

func upsert[T any](items []T, v T, key func(T) string) []T {
	if key != nil {
		if i := indexOf(items, key(v), key); i >= 0 {
			out := slices.Clone(items)
			out[i] = v
			return out
		}
	}
	return append(slices.Clone(items), v)
}

// AppendInserts appends inserted rows in arrival order and ignores updates
// and deletes. Messages are append-only.
func AppendInserts[T any](items []T, change backend.Change, key func(T) string) ([]T, error) {
	if change.Type != backend.EventInsert {
		return items, nil
	}
	v, err := decode[T](change.New, change.DecodeNew)
	if err != nil {
		return items, err
	}
	return appendUnique(items, v, key), nil
}

// InsertDelete appends inserted rows and removes deleted ones by key.
// Updates are ignored.
func InsertDelete[T any](items []T, change backend.Change, key func(T) string) ([]T, error) {
	switch change.Type {
	case backend.EventInsert:
		v, err := decode[T](change.New, change.DecodeNew)
		if err != nil {
			return items, err
		}
		return appendUnique(items, v, key), nil
	case backend.EventDelete:
		if key == nil {
			return items, errors.New("delete merge needs a key")
		}
		v, err := decode[T](change.Old, change.DecodeOld)
		if err != nil {
			return items, err
		}
		k := key(v)
		return slices.DeleteFunc(slices.Clone(items), func(it T) bool { return key(it) == k }), nil
	}
	return items, nil
}

// ReplaceLatest keeps only the most recent version of a single row.
func ReplaceLatest[T any](items []T, change backend.Change, _ func(T) string) ([]T, error) {
	switch change.Type {
	case backend.EventInsert, backend.EventUpdate:
		v, err := decode[T](change.New, change.DecodeNew)
		if err != nil {
			return items, err
		}
		return []T{v}, nil
	case backend.EventDelete:
		return nil, nil
	}
	return items, nil
}

// Refetch discards the change and asks for a new snapshot.
func Refetch[T any](items []T, _ backend.Change, _ func(T) string) ([]T, error) {
	return items, ErrRefetch
}
