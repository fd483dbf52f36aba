package platform

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"telechat/internal/backend"
	"telechat/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestPlatform(t *testing.T) *Platform {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	dir := t.TempDir()
	p, err := Open(ctx, Options{
		DBPath:      filepath.Join(dir, "telechat.db"),
		StorageRoot: filepath.Join(dir, "objects"),
		BaseURL:     "http://localhost:8080",
		TokenExpiry: time.Hour,
		BcryptCost:  bcrypt.MinCost,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func signUp(t *testing.T, p *Platform, username string) backend.Session {
	t.Helper()
	s, err := p.SignUp(context.Background(), username+"@example.com", "secret1", username)
	require.NoError(t, err)
	return s
}

func TestSignUpCreatesProfile(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t)

	s := signUp(t, p, "alice")

	var profile models.Profile
	require.NoError(t, p.Service().SelectOne(ctx, backend.From(models.TableProfiles).Eq("id", s.UserID), &profile))
	require.Equal(t, "alice", profile.Username)
	require.False(t, profile.CreatedAt.IsZero())

	_, err := p.SignUp(ctx, "other@example.com", "secret1", "alice")
	require.ErrorIs(t, err, backend.ErrConflict)

	_, err = p.SignUp(ctx, "bad@example.com", "secret1", "no spaces")
	require.ErrorIs(t, err, backend.ErrInvalidQuery)

	// The account of a rejected sign-up must not exist.
	_, err = p.SignIn(ctx, "other@example.com", "secret1")
	require.ErrorIs(t, err, backend.ErrNotAuthenticated)

	again, err := p.SignIn(ctx, "alice@example.com", "secret1")
	require.NoError(t, err)
	got, err := p.Session(ctx, again.Token)
	require.NoError(t, err)
	require.Equal(t, s.UserID, got.UserID)
}

func TestRowsAndChanges(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t)
	alice := signUp(t, p, "alice")
	c := p.Connect(alice)

	var (
		mu      sync.Mutex
		changes []backend.Change
	)
	ch := c.Channel("messages:c1")
	ch.OnChanges(backend.ChangeSpec{Event: backend.EventAll, Table: models.TableMessages, Filter: backend.EqFilter("chat_id", "c1")}, func(change backend.Change) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, change)
	})
	require.NoError(t, ch.Subscribe(ctx))
	t.Cleanup(func() { _ = ch.Unsubscribe() })

	var msg models.Message
	require.NoError(t, c.Insert(ctx, models.TableMessages, models.Message{
		ChatID:   "c1",
		SenderID: alice.UserID,
		Type:     models.MessageTypeText,
		Content:  "hello",
	}, &msg))
	require.NotEmpty(t, msg.ID)
	require.False(t, msg.CreatedAt.IsZero())

	require.NoError(t, c.Update(ctx, backend.From(models.TableMessages).Eq("id", msg.ID), map[string]any{"content": "edited"}, nil))
	require.NoError(t, c.Delete(ctx, backend.From(models.TableMessages).Eq("id", msg.ID)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, backend.EventInsert, changes[0].Type)
	require.Equal(t, "hello", changes[0].New["content"])
	require.Equal(t, backend.EventUpdate, changes[1].Type)
	require.Equal(t, "hello", changes[1].Old["content"])
	require.Equal(t, "edited", changes[1].New["content"])
	require.Equal(t, backend.EventDelete, changes[2].Type)
	require.Equal(t, msg.ID, changes[2].Old["id"])
	require.Nil(t, changes[2].New)
}

func TestPolicies(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t)
	alice := signUp(t, p, "alice")
	bob := signUp(t, p, "bob")
	c := p.Connect(alice)

	err := c.Insert(ctx, models.TableMessages, models.Message{ChatID: "c1", SenderID: bob.UserID, Content: "spoof"}, nil)
	require.ErrorIs(t, err, backend.ErrForbidden)

	err = c.Update(ctx, backend.From(models.TableProfiles).Eq("id", bob.UserID), map[string]any{"status": "hacked"}, nil)
	require.ErrorIs(t, err, backend.ErrForbidden)

	var own models.Profile
	require.NoError(t, c.Update(ctx, backend.From(models.TableProfiles).Eq("id", alice.UserID), map[string]any{"status": "online"}, &own))
	require.Equal(t, "online", own.Status)

	// The service role is not subject to row policies.
	require.NoError(t, p.Service().Insert(ctx, models.TableMessages, models.Message{ChatID: "c1", SenderID: bob.UserID, Content: "system"}, nil))
}

func TestSelectOne(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t)
	c := p.Service()

	var chat models.Chat
	err := c.SelectOne(ctx, backend.From(models.TableChats).Eq("id", "missing"), &chat)
	require.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, c.Insert(ctx, models.TableChats, models.Chat{Title: "general", IsGroup: true, CreatedBy: "u1"}, &chat))
	var got models.Chat
	require.NoError(t, c.SelectOne(ctx, backend.From(models.TableChats).Eq("id", chat.ID), &got))
	require.Equal(t, "general", got.Title)
	require.True(t, got.IsGroup)
}

func TestToggleReactionRPC(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t)
	alice := signUp(t, p, "alice")
	c := p.Connect(alice)

	var res struct {
		Added bool `json:"added"`
	}
	params := map[string]any{"p_message_id": "m1", "p_emoji": "👍"}

	require.NoError(t, c.RPC(ctx, backend.FuncToggleReaction, params, &res))
	require.True(t, res.Added)

	var reactions []models.Reaction
	require.NoError(t, c.Select(ctx, backend.From(models.TableReactions).Eq("message_id", "m1"), &reactions))
	require.Len(t, reactions, 1)
	require.Equal(t, alice.UserID, reactions[0].UserID)

	require.NoError(t, c.RPC(ctx, backend.FuncToggleReaction, params, &res))
	require.False(t, res.Added)
	require.NoError(t, c.Select(ctx, backend.From(models.TableReactions).Eq("message_id", "m1"), &reactions))
	require.Empty(t, reactions)

	require.ErrorIs(t, c.RPC(ctx, "nope", nil, nil), backend.ErrUnknownFunction)
	require.ErrorIs(t, c.RPC(ctx, backend.FuncToggleReaction, map[string]any{"p_emoji": "x"}, nil), backend.ErrInvalidQuery)
	require.ErrorIs(t, p.Service().RPC(ctx, backend.FuncToggleReaction, params, nil), backend.ErrNotAuthenticated)
}

func TestBucket(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t)
	alice := signUp(t, p, "alice")
	bob := signUp(t, p, "bob")
	bucket := p.Connect(alice).Storage(models.BucketChatFiles)

	png := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0}, 64)...)

	var loaded, total int64
	err := bucket.Upload(ctx, "c1/u1-pic.png", bytes.NewReader(png), backend.UploadOptions{
		Size: int64(len(png)),
		OnProgress: func(l, n int64) {
			loaded, total = l, n
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, len(png), loaded)
	require.EqualValues(t, len(png), total)

	r, meta, err := p.OpenObject(models.BucketChatFiles, "c1/u1-pic.png")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, r.Close())
	require.NoError(t, err)
	require.Equal(t, png, data)
	require.Equal(t, "image/png", meta.ContentType)
	require.Equal(t, alice.UserID, meta.Owner)

	err = bucket.Upload(ctx, "c1/u1-pic.png", strings.NewReader("x"), backend.UploadOptions{})
	require.ErrorIs(t, err, backend.ErrConflict)

	require.Equal(t, "http://localhost:8080/storage/v1/object/public/chat_files/c1/u1-my%20pic.png", bucket.PublicURL("c1/u1-my pic.png"))

	err = p.Connect(bob).Storage(models.BucketChatFiles).Remove(ctx, "c1/u1-pic.png")
	require.ErrorIs(t, err, backend.ErrForbidden)

	require.NoError(t, bucket.Remove(ctx, "c1/u1-pic.png", "c1/never-existed"))
	_, err = bucket.Download(ctx, "c1/u1-pic.png")
	require.ErrorIs(t, err, backend.ErrNotFound)

	err = p.Service().Storage("nope").Upload(ctx, "a.txt", strings.NewReader("x"), backend.UploadOptions{})
	require.ErrorIs(t, err, backend.ErrNotFound)
	err = bucket.Upload(ctx, "../escape.txt", strings.NewReader("x"), backend.UploadOptions{})
	require.ErrorIs(t, err, backend.ErrInvalidQuery)
}
