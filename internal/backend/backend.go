// Package backend defines the capability the synchronization layer is built
// on: row queries and mutations, remote procedures, live channels, object
// storage and the current session. Implementations are injected; nothing in
// the sync layer references a global client.
package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"telechat/internal/models"
)

var (
	ErrNotFound         = models.ErrNotFound
	ErrConflict         = errors.New("conflict")
	ErrForbidden        = errors.New("forbidden")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidQuery     = errors.New("invalid query")
	ErrUnknownFunction  = errors.New("unknown function")
	ErrChannelClosed    = errors.New("channel closed")
)

// FuncToggleReaction adds or removes the caller's reaction
// {p_message_id, p_emoji} and returns {"added": bool}.
const FuncToggleReaction = "toggle_reaction"

// Session identifies the authenticated user a Client acts for.
type Session struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Rows is declarative row access. dest is a pointer to a slice for
// multi-row results or a pointer to a struct for a single row; it may be nil
// when the caller does not need the affected rows back.
type Rows interface {
	Select(ctx context.Context, q Query, dest any) error
	// SelectOne returns ErrNotFound when no row matches.
	SelectOne(ctx context.Context, q Query, dest any) error
	// Insert accepts a single row or a slice of rows.
	Insert(ctx context.Context, table string, rows any, dest any) error
	Update(ctx context.Context, q Query, patch any, dest any) error
	Delete(ctx context.Context, q Query) error
}

// Client is the handle shared by every sync component.
type Client interface {
	Rows
	RPC(ctx context.Context, fn string, params map[string]any, dest any) error
	Channel(name string) Channel
	Storage(bucket string) Bucket
	Session() (Session, bool)
}

// Auth issues sessions.
type Auth interface {
	SignUp(ctx context.Context, email, password, username string) (Session, error)
	SignIn(ctx context.Context, email, password string) (Session, error)
	Session(ctx context.Context, token string) (Session, error)
	SignOut(ctx context.Context, token string) error
}

type UploadOptions struct {
	Size        int64
	ContentType string
	Upsert      bool
	// OnProgress is invoked by the transport as bytes are written. It is best
	// effort and not guaranteed to be monotonic.
	OnProgress func(loaded, total int64)
}

// Bucket is a named object storage bucket.
type Bucket interface {
	Upload(ctx context.Context, path string, r io.Reader, opts UploadOptions) error
	PublicURL(path string) string
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, paths ...string) error
}
