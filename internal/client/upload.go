package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"

	"telechat/internal/backend"
	"telechat/internal/models"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const MaxFileSize = 50 << 20

var allowedTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain":                   true,
	"application/zip":              true,
	"application/x-zip-compressed": true,
}

// File is an attachment to upload. An empty Type is sniffed from the
// content.
type File struct {
	Name   string
	Size   int64
	Type   string
	Reader io.Reader
}

type UploadResult struct {
	UploadID  string `json:"upload_id"`
	FilePath  string `json:"file_path"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	FileType  string `json:"file_type"`
	PublicURL string `json:"public_url"`
}

// UploadProgress is the state of one upload. Progress is a percentage.
type UploadProgress struct {
	Progress  float64
	Uploading bool
	Err       error
}

// Uploader uploads chat attachments to the chat_files bucket and tracks
// their progress.
type Uploader struct {
	client backend.Client
	opts   options

	progress map[string]UploadProgress
	mu       sync.Mutex
}

func NewUploader(client backend.Client, opts ...Option) *Uploader {
	return &Uploader{
		client:   client,
		opts:     newOptions(opts),
		progress: make(map[string]UploadProgress),
	}
}

func allowedType(mime string) bool {
	return strings.HasPrefix(mime, "image/") || allowedTypes[mime]
}

// ValidateFile checks size and type. A missing type is sniffed from the
// first bytes of the content and stored in f.
func ValidateFile(f *File) error {
	if f.Size > MaxFileSize {
		return ErrFileTooLarge
	}
	if f.Type == "" && f.Reader != nil {
		br := bufio.NewReader(f.Reader)
		head, _ := br.Peek(261)
		if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
			f.Type = kind.MIME.Value
		}
		f.Reader = br
	}
	if !allowedType(f.Type) {
		return fmt.Errorf("%w: %q", ErrFileTypeNotAllowed, f.Type)
	}
	return nil
}

func (u *Uploader) set(id string, p UploadProgress) {
	u.mu.Lock()
	u.progress[id] = p
	u.mu.Unlock()
	u.opts.notify()
}

// Upload stores f under <chatID>/<uploadID>-<name>. The upload id keeps
// paths unique even for identical names.
func (u *Uploader) Upload(ctx context.Context, f File, chatID string) (UploadResult, error) {
	if chatID == "" {
		return UploadResult{}, ErrNoChat
	}
	if err := ValidateFile(&f); err != nil {
		return UploadResult{}, err
	}

	id := uuid.NewString()
	path := chatID + "/" + id + "-" + f.Name
	u.set(id, UploadProgress{Uploading: true})

	bucket := u.client.Storage(models.BucketChatFiles)
	err := bucket.Upload(ctx, path, f.Reader, backend.UploadOptions{
		Size:        f.Size,
		ContentType: f.Type,
		OnProgress: func(loaded, total int64) {
			if total <= 0 {
				return
			}
			u.set(id, UploadProgress{Progress: float64(loaded) / float64(total) * 100, Uploading: true})
		},
	})
	if err != nil {
		u.set(id, UploadProgress{Err: err})
		u.opts.log.Error().Err(err).Str("upload_id", id).Str("chat_id", chatID).Msg("upload failed")
		return UploadResult{}, fmt.Errorf("failed to upload %s: %w", f.Name, err)
	}
	u.set(id, UploadProgress{Progress: 100})

	return UploadResult{
		UploadID:  id,
		FilePath:  path,
		FileName:  f.Name,
		FileSize:  f.Size,
		FileType:  f.Type,
		PublicURL: bucket.PublicURL(path),
	}, nil
}

func (u *Uploader) FileURL(path string) string {
	return u.client.Storage(models.BucketChatFiles).PublicURL(path)
}

func (u *Uploader) DeleteFile(ctx context.Context, path string) error {
	if err := u.client.Storage(models.BucketChatFiles).Remove(ctx, path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// Progress returns the state of every upload by upload id.
func (u *Uploader) Progress() map[string]UploadProgress {
	u.mu.Lock()
	defer u.mu.Unlock()
	return maps.Clone(u.progress)
}

// Uploading reports whether any upload is in progress.
func (u *Uploader) Uploading() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, p := range u.progress {
		if p.Uploading {
			return true
		}
	}
	return false
}

// FormatFileSize renders bytes with a 1024 based unit, one decimal above
// bytes.
func FormatFileSize(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}
	units := []string{"KB", "MB", "GB"}
	size := float64(bytes) / 1024
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}
