package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"telechat/internal/backend"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []backend.Change
	casts   []backend.Broadcast
}

func (r *recorder) change(c backend.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) broadcast(b backend.Broadcast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.casts = append(r.casts, b)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes), len(r.casts)
}

func TestHubChanges(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()

	var rec recorder
	ch := hub.Channel("messages:c1")
	ch.OnChanges(backend.ChangeSpec{
		Event:  backend.EventInsert,
		Table:  "messages",
		Filter: backend.EqFilter("chat_id", "c1"),
	}, rec.change)
	require.NoError(t, ch.Subscribe(ctx))
	require.Equal(t, 1, hub.Subscribers("messages:c1"))

	hub.Publish(backend.Change{Type: backend.EventInsert, Table: "messages", New: backend.Row{"id": "m1", "chat_id": "c1"}})
	hub.Publish(backend.Change{Type: backend.EventInsert, Table: "messages", New: backend.Row{"id": "m2", "chat_id": "c2"}})
	hub.Publish(backend.Change{Type: backend.EventUpdate, Table: "messages", New: backend.Row{"id": "m1", "chat_id": "c1"}})
	hub.Publish(backend.Change{Type: backend.EventInsert, Table: "profiles", New: backend.Row{"id": "u1"}})

	require.Eventually(t, func() bool {
		n, _ := rec.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	got := rec.changes[0]
	rec.mu.Unlock()
	require.Equal(t, "m1", got.New["id"])
	require.Equal(t, backend.DefaultSchema, got.Schema)
	require.False(t, got.CommitTimestamp.IsZero())

	require.NoError(t, ch.Unsubscribe())
	require.Equal(t, 0, hub.Subscribers("messages:c1"))

	hub.Publish(backend.Change{Type: backend.EventInsert, Table: "messages", New: backend.Row{"id": "m3", "chat_id": "c1"}})
	time.Sleep(20 * time.Millisecond)
	n, _ := rec.counts()
	require.Equal(t, 1, n)

	require.ErrorIs(t, ch.Subscribe(ctx), backend.ErrChannelClosed)
	require.NoError(t, ch.Unsubscribe())
}

func TestHubDeleteFilterUsesOldRow(t *testing.T) {
	hub := NewHub()
	var rec recorder
	ch := hub.Channel("reactions")
	ch.OnChanges(backend.ChangeSpec{Event: backend.EventAll, Table: "message_reactions", Filter: backend.EqFilter("message_id", "m1")}, rec.change)
	require.NoError(t, ch.Subscribe(context.Background()))
	t.Cleanup(func() { _ = ch.Unsubscribe() })

	hub.Publish(backend.Change{Type: backend.EventDelete, Table: "message_reactions", Old: backend.Row{"id": "r1", "message_id": "m1"}})

	require.Eventually(t, func() bool {
		n, _ := rec.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubBroadcastExcludesSender(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()

	var a, b recorder
	chA := hub.Channel("typing")
	chA.OnBroadcast("typing", a.broadcast)
	chB := hub.Channel("typing")
	chB.OnBroadcast("typing", b.broadcast)
	other := hub.Channel("elsewhere")
	var c recorder
	other.OnBroadcast("typing", c.broadcast)

	require.NoError(t, chA.Subscribe(ctx))
	require.NoError(t, chB.Subscribe(ctx))
	require.NoError(t, other.Subscribe(ctx))
	t.Cleanup(func() {
		_ = chA.Unsubscribe()
		_ = chB.Unsubscribe()
		_ = other.Unsubscribe()
	})

	require.NoError(t, chA.Send(ctx, "typing", map[string]any{"user_id": "u1", "is_typing": true}))

	require.Eventually(t, func() bool {
		_, n := b.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	_, n := a.counts()
	require.Zero(t, n, "sender must not receive its own broadcast")
	_, n = c.counts()
	require.Zero(t, n)

	b.mu.Lock()
	require.Equal(t, "u1", b.casts[0].Payload["user_id"])
	require.Equal(t, true, b.casts[0].Payload["is_typing"])
	b.mu.Unlock()
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(WithBufferSize(1))
	block := make(chan struct{})
	var rec recorder

	ch := hub.Channel("slow")
	ch.OnChanges(backend.ChangeSpec{Table: "messages"}, func(c backend.Change) {
		<-block
		rec.change(c)
	})
	require.NoError(t, ch.Subscribe(context.Background()))

	for range 5 {
		hub.Publish(backend.Change{Type: backend.EventInsert, Table: "messages", New: backend.Row{"id": "x"}})
	}
	close(block)

	require.Eventually(t, func() bool {
		n, _ := rec.counts()
		return n >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	n, _ := rec.counts()
	require.Less(t, n, 5)
	require.NoError(t, ch.Unsubscribe())
}

func TestSendOnCanceledContext(t *testing.T) {
	hub := NewHub()
	ch := hub.Channel("typing")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, ch.Send(ctx, "typing", map[string]any{}), context.Canceled)
	require.ErrorIs(t, ch.Subscribe(ctx), context.Canceled)
}
