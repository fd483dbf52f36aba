package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalFileStore implements FileStore using the local filesystem.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

// CleanPath normalises an object path and rejects anything escaping its
// bucket.
func CleanPath(p string) (string, error) {
	if p == "" || strings.Contains(p, "\\") || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrBadPath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrBadPath, p)
	}
	return clean, nil
}

func (s *LocalFileStore) getPath(bucket, p string) (string, error) {
	if _, err := CleanPath(bucket); err != nil || strings.Contains(bucket, "/") {
		return "", fmt.Errorf("%w: bucket %q", ErrBadPath, bucket)
	}
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(clean)), nil
}

type progressWriter struct {
	w        io.Writer
	written  int64
	progress func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.progress != nil && n > 0 {
		p.progress(p.written)
	}
	return n, err
}

func (s *LocalFileStore) Save(bucket, p string, r io.Reader, overwrite bool, progress func(int64)) (int64, error) {
	full, err := s.getPath(bucket, p)
	if err != nil {
		return 0, err
	}

	if _, err := os.Stat(full); err == nil && !overwrite {
		return 0, fmt.Errorf("%s/%s: %w", bucket, p, ErrExists)
	}

	// Create parent directory
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to temporary file first
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	pw := &progressWriter{w: tmp, progress: progress}
	if _, err := io.Copy(pw, r); err != nil {
		return pw.written, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return pw.written, fmt.Errorf("failed to close temp file: %w", err)
	}

	if !overwrite {
		if _, err := os.Stat(full); err == nil {
			return pw.written, fmt.Errorf("%s/%s: %w", bucket, p, ErrExists)
		}
	}

	// Atomically rename
	if err := os.Rename(tmp.Name(), full); err != nil {
		return pw.written, fmt.Errorf("failed to rename file: %w", err)
	}

	return pw.written, nil
}

func (s *LocalFileStore) Get(bucket, p string) (io.ReadCloser, error) {
	full, err := s.getPath(bucket, p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, p, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open file %s/%s: %w", bucket, p, err)
	}
	return f, nil
}

func (s *LocalFileStore) Remove(bucket, p string) error {
	full, err := s.getPath(bucket, p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", bucket, p, ErrNotFound)
		}
		return fmt.Errorf("failed to remove file %s/%s: %w", bucket, p, err)
	}
	return nil
}
