package storage

import (
	"encoding"
	"fmt"
	"strings"

	"telechat/internal/backend"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Table describes how rows of one table are keyed and defaulted.
type Table struct {
	Name string
	// Key lists the primary key columns.
	Key []string
	// GenerateID fills an empty "id" column with a random UUID.
	GenerateID bool
	// Timestamp is set to the insert time when empty.
	Timestamp string
	// Unique lists additional column sets that must be unique.
	Unique [][]string
}

func (t Table) rowKey(row backend.Row) ([]byte, error) {
	parts := make([]string, len(t.Key))
	for i, col := range t.Key {
		v, ok := row[col]
		if !ok || v == nil || fmt.Sprint(v) == "" {
			return nil, fmt.Errorf("%w: %s.%s is required", backend.ErrInvalidQuery, t.Name, col)
		}
		parts[i] = fmt.Sprint(v)
	}
	return []byte(strings.Join(parts, "\x00")), nil
}

func (t Table) isKey(col string) bool {
	for _, k := range t.Key {
		if k == col {
			return true
		}
	}
	return false
}

// DBRow is the stored form of a row. Seq keeps insertion order so rows with
// equal sort values come back in the order they were written.
type DBRow struct {
	Seq       uint64      `msgpack:"seq"`
	UpdatedAt int64       `msgpack:"updatedAt"`
	Data      backend.Row `msgpack:"data"`
	key       []byte
}

func (r *DBRow) Key() []byte {
	return r.key
}

func (r *DBRow) MarshalBinary() (data []byte, err error) {
	type alias DBRow
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRow) UnmarshalBinary(data []byte) error {
	type alias DBRow
	return backend.Unmarshal(data, (*alias)(r))
}

// ObjectMetadata describes a stored object; the bytes live in the filestore.
type ObjectMetadata struct {
	Bucket      string `msgpack:"bucket"`
	Path        string `msgpack:"path"`
	ContentType string `msgpack:"contentType"`
	Size        int64  `msgpack:"size"`
	CreatedAt   int64  `msgpack:"createdAt"`
	Owner       string `msgpack:"owner"`
}

func (o *ObjectMetadata) Key() []byte {
	return objectKey(o.Bucket, o.Path)
}

func (o *ObjectMetadata) MarshalBinary() (data []byte, err error) {
	type alias ObjectMetadata
	return msgpack.Marshal((*alias)(o))
}

func (o *ObjectMetadata) UnmarshalBinary(data []byte) error {
	type alias ObjectMetadata
	return msgpack.Unmarshal(data, (*alias)(o))
}

func objectKey(bucket, path string) []byte {
	return []byte(bucket + "/" + path)
}

// Credentials is an account as stored by the auth service. Email is the key.
type Credentials struct {
	UserID       string `msgpack:"userId"`
	Email        string `msgpack:"email"`
	PasswordHash string `msgpack:"passwordHash"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (c *Credentials) Key() []byte {
	return []byte(c.Email)
}

func (c *Credentials) MarshalBinary() (data []byte, err error) {
	type alias Credentials
	return msgpack.Marshal((*alias)(c))
}

func (c *Credentials) UnmarshalBinary(data []byte) error {
	type alias Credentials
	return msgpack.Unmarshal(data, (*alias)(c))
}
