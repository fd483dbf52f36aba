package filestore

import (
	"errors"
	"io"
)

var (
	ErrExists   = errors.New("object already exists")
	ErrNotFound = errors.New("object not found")
	ErrBadPath  = errors.New("invalid object path")
)

// FileStore stores object bytes addressed by bucket and path.
type FileStore interface {
	// Save writes r to bucket/path. Without overwrite an existing object
	// makes Save fail with ErrExists. progress, when set, receives the
	// number of bytes written so far.
	Save(bucket, path string, r io.Reader, overwrite bool, progress func(written int64)) (int64, error)

	// Get opens the object for reading.
	Get(bucket, path string) (io.ReadCloser, error)

	// Remove deletes the object.
	Remove(bucket, path string) error
}
