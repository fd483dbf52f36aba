package platform

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"telechat/internal/backend"
	"telechat/internal/filestore"
	"telechat/internal/storage"

	"github.com/h2non/filetype"
)

const (
	publicObjectPath = "/storage/v1/object/public/"
	defaultMIME      = "application/octet-stream"
)

// Bucket stores object bytes in the filestore and their metadata in bbolt.
type Bucket struct {
	p       *Platform
	name    string
	session *backend.Session
}

var _ backend.Bucket = (*Bucket)(nil)

func (b *Bucket) check(path string) (string, error) {
	if !buckets[b.name] {
		return "", fmt.Errorf("bucket %s: %w", b.name, backend.ErrNotFound)
	}
	clean, err := filestore.CleanPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", backend.ErrInvalidQuery, err)
	}
	return clean, nil
}

// checkOwner rejects changes to an existing object uploaded by another user.
func (b *Bucket) checkOwner(path string) error {
	if b.session == nil {
		return nil
	}
	meta, err := b.p.store.GetObjectMetadata(b.name, path)
	if err == nil && meta.Owner != "" && meta.Owner != b.session.UserID {
		return fmt.Errorf("%s/%s: %w", b.name, path, backend.ErrForbidden)
	}
	return nil
}

// ctxReader stops a transfer once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (b *Bucket) Upload(ctx context.Context, path string, r io.Reader, opts backend.UploadOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := b.check(path)
	if err != nil {
		return err
	}
	if err := b.checkOwner(path); err != nil {
		return err
	}

	br := bufio.NewReader(r)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = sniff(br)
	}

	var progress func(int64)
	if opts.OnProgress != nil {
		progress = func(written int64) {
			opts.OnProgress(written, opts.Size)
		}
	}

	size, err := b.p.files.Save(b.name, path, ctxReader{ctx: ctx, r: br}, opts.Upsert, progress)
	if err != nil {
		return mapFileError(err)
	}

	meta := storage.ObjectMetadata{
		Bucket:      b.name,
		Path:        path,
		ContentType: contentType,
		Size:        size,
	}
	if b.session != nil {
		meta.Owner = b.session.UserID
	}
	if err := b.p.store.UpsertObjectMetadata(meta); err != nil {
		return fmt.Errorf("failed to store object metadata: %w", err)
	}
	b.p.log.Debug().Str("bucket", b.name).Str("path", path).Int64("size", size).Msg("object uploaded")
	return nil
}

func sniff(br *bufio.Reader) string {
	head, _ := br.Peek(261)
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return defaultMIME
	}
	return kind.MIME.Value
}

func (b *Bucket) PublicURL(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimSuffix(b.p.baseURL, "/") + publicObjectPath + url.PathEscape(b.name) + "/" + strings.Join(segments, "/")
}

func (b *Bucket) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := b.check(path)
	if err != nil {
		return nil, err
	}
	r, err := b.p.files.Get(b.name, path)
	if err != nil {
		return nil, mapFileError(err)
	}
	return r, nil
}

// Remove deletes objects. Paths that do not exist are skipped.
func (b *Bucket) Remove(ctx context.Context, paths ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range paths {
		path, err := b.check(p)
		if err != nil {
			return err
		}
		if err := b.checkOwner(path); err != nil {
			return err
		}
		if err := b.p.files.Remove(b.name, path); err != nil && !errors.Is(err, filestore.ErrNotFound) {
			return mapFileError(err)
		}
		if err := b.p.store.DeleteObjectMetadata(b.name, path); err != nil && !errors.Is(err, backend.ErrNotFound) {
			return err
		}
	}
	return nil
}
