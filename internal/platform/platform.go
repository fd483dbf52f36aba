// Package platform is the self-hosted backend of record: row storage,
// change feeds, object storage and accounts behind backend.Client.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"telechat/internal/auth"
	"telechat/internal/backend"
	"telechat/internal/content"
	"telechat/internal/filestore"
	"telechat/internal/logger"
	"telechat/internal/models"
	"telechat/internal/realtime"
	"telechat/internal/storage"

	"github.com/rs/zerolog"
)

// Tables returns the schema the platform serves.
func Tables() []storage.Table {
	return []storage.Table{
		{Name: models.TableProfiles, Key: []string{"id"}, GenerateID: true, Timestamp: "created_at", Unique: [][]string{{"username"}}},
		{Name: models.TableChats, Key: []string{"id"}, GenerateID: true, Timestamp: "created_at"},
		{Name: models.TableChatMembers, Key: []string{"chat_id", "user_id"}, Timestamp: "joined_at"},
		{Name: models.TableMessages, Key: []string{"id"}, GenerateID: true, Timestamp: "created_at"},
		{Name: models.TableReactions, Key: []string{"id"}, GenerateID: true, Timestamp: "created_at", Unique: [][]string{{"message_id", "user_id", "emoji"}}},
	}
}

var buckets = map[string]bool{
	models.BucketChatFiles: true,
	models.BucketAvatars:   true,
}

type Platform struct {
	store   *storage.BboltStorage
	files   filestore.FileStore
	hub     *realtime.Hub
	auth    *auth.AuthService
	baseURL string
	log     zerolog.Logger
	now     func() time.Time
}

var _ backend.Auth = (*Platform)(nil)

func New(store *storage.BboltStorage, files filestore.FileStore, hub *realtime.Hub, authService *auth.AuthService, baseURL string, log zerolog.Logger) *Platform {
	return &Platform{
		store:   store,
		files:   files,
		hub:     hub,
		auth:    authService,
		baseURL: baseURL,
		log:     log,
		now:     time.Now,
	}
}

// Options configure Open.
type Options struct {
	DBPath      string
	StorageRoot string
	BaseURL     string
	TokenExpiry time.Duration
	BcryptCost  int
	HubBuffer   int
	Logger      zerolog.Logger
}

// Open wires a platform from local paths. Close releases the database.
func Open(ctx context.Context, opts Options) (*Platform, error) {
	store, err := storage.NewBboltStorage(opts.DBPath, Tables()...)
	if err != nil {
		return nil, err
	}
	files, err := filestore.NewLocalFileStore(opts.StorageRoot)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	authService, err := auth.NewAuthService(ctx, auth.Config{
		TokenExpiry: opts.TokenExpiry,
		BcryptCost:  opts.BcryptCost,
	}, store, logger.Component(opts.Logger, "auth"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	hub := realtime.NewHub(
		realtime.WithBufferSize(opts.HubBuffer),
		realtime.WithLogger(logger.Component(opts.Logger, "realtime")),
	)
	return New(store, files, hub, authService, opts.BaseURL, logger.Component(opts.Logger, "platform")), nil
}

func (p *Platform) Close() error {
	return p.store.Close()
}

func (p *Platform) Hub() *realtime.Hub {
	return p.hub
}

// Connect returns a client acting as the session's user. Row policies apply.
func (p *Platform) Connect(s backend.Session) *Client {
	return &Client{p: p, session: &s}
}

// Service returns a privileged client without a session. Row policies are
// not applied.
func (p *Platform) Service() *Client {
	return &Client{p: p}
}

// ConnectToken resolves token and connects as its user.
func (p *Platform) ConnectToken(ctx context.Context, token string) (*Client, error) {
	s, err := p.auth.Session(ctx, token)
	if err != nil {
		return nil, err
	}
	return p.Connect(s), nil
}

// SignUp creates the account and its profile row. The profile insert is what
// makes the username unique; when it fails the account is removed again.
func (p *Platform) SignUp(ctx context.Context, email, password, username string) (backend.Session, error) {
	if err := content.ValidateUsername(username); err != nil {
		return backend.Session{}, fmt.Errorf("%w: %w", backend.ErrInvalidQuery, err)
	}
	taken, err := p.store.Select(backend.From(models.TableProfiles).Eq("username", username).Limit(1))
	if err != nil {
		return backend.Session{}, err
	}
	if len(taken) > 0 {
		return backend.Session{}, fmt.Errorf("username %q is taken: %w", username, backend.ErrConflict)
	}

	s, err := p.auth.SignUp(ctx, email, password, username)
	if err != nil {
		return backend.Session{}, err
	}

	profile := models.Profile{ID: s.UserID, Username: username}
	if err := p.Service().Insert(ctx, models.TableProfiles, profile, nil); err != nil {
		_ = p.auth.SignOut(ctx, s.Token)
		if derr := p.auth.DeleteUser(s.Email); derr != nil {
			p.log.Error().Err(derr).Str("user_id", s.UserID).Msg("failed to remove user after profile error")
		}
		return backend.Session{}, fmt.Errorf("failed to create profile: %w", err)
	}
	return s, nil
}

func (p *Platform) SignIn(ctx context.Context, email, password string) (backend.Session, error) {
	return p.auth.SignIn(ctx, email, password)
}

func (p *Platform) Session(ctx context.Context, token string) (backend.Session, error) {
	return p.auth.Session(ctx, token)
}

func (p *Platform) SignOut(ctx context.Context, token string) error {
	return p.auth.SignOut(ctx, token)
}

// OpenObject returns a stored object with its metadata for public download.
func (p *Platform) OpenObject(bucket, path string) (io.ReadCloser, storage.ObjectMetadata, error) {
	if !buckets[bucket] {
		return nil, storage.ObjectMetadata{}, fmt.Errorf("bucket %s: %w", bucket, backend.ErrNotFound)
	}
	path, err := filestore.CleanPath(path)
	if err != nil {
		return nil, storage.ObjectMetadata{}, fmt.Errorf("%w: %w", backend.ErrInvalidQuery, err)
	}
	meta, err := p.store.GetObjectMetadata(bucket, path)
	if err != nil {
		return nil, storage.ObjectMetadata{}, err
	}
	r, err := p.files.Get(bucket, path)
	if err != nil {
		return nil, storage.ObjectMetadata{}, mapFileError(err)
	}
	return r, meta, nil
}

func (p *Platform) publish(typ backend.EventType, table string, newRow, oldRow backend.Row) {
	p.hub.Publish(backend.Change{
		Type:            typ,
		Schema:          backend.DefaultSchema,
		Table:           table,
		New:             newRow,
		Old:             oldRow,
		CommitTimestamp: p.now().UTC(),
	})
}

func mapFileError(err error) error {
	switch {
	case errors.Is(err, filestore.ErrNotFound):
		return fmt.Errorf("%w: %w", backend.ErrNotFound, err)
	case errors.Is(err, filestore.ErrExists):
		return fmt.Errorf("%w: %w", backend.ErrConflict, err)
	case errors.Is(err, filestore.ErrBadPath):
		return fmt.Errorf("%w: %w", backend.ErrInvalidQuery, err)
	}
	return err
}
