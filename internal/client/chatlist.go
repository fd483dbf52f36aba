package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"telechat/internal/backend"
	"telechat/internal/live"
	"telechat/internal/models"
)

// ChatList keeps the chats of the session user, newest first. Any change to
// the user's memberships triggers a refetch.
type ChatList struct {
	client backend.Client
	opts   options

	chats *live.Collection[models.Chat]
	mu    sync.Mutex
}

func NewChatList(client backend.Client, opts ...Option) *ChatList {
	return &ChatList{client: client, opts: newOptions(opts)}
}

func (l *ChatList) Open(ctx context.Context) error {
	l.Close()

	uid, err := sessionUser(l.client)
	if err != nil {
		return err
	}
	chats := live.New(l.client, live.Config[models.Chat]{
		Channel: "chats:" + uid,
		Changes: backend.ChangeSpec{
			Event:  backend.EventAll,
			Schema: backend.DefaultSchema,
			Table:  models.TableChatMembers,
			Filter: backend.EqFilter("user_id", uid),
		},
		Fetch: func(ctx context.Context) ([]models.Chat, error) {
			return l.fetch(ctx, uid)
		},
		Merge:    live.Refetch[models.Chat],
		Key:      func(c models.Chat) string { return c.ID },
		OnChange: l.opts.notify,
		Logger:   l.opts.log,
	})

	l.mu.Lock()
	l.chats = chats
	l.mu.Unlock()
	return chats.Start(ctx)
}

func (l *ChatList) fetch(ctx context.Context, uid string) ([]models.Chat, error) {
	var members []models.ChatMember
	if err := l.client.Select(ctx, backend.From(models.TableChatMembers).Eq("user_id", uid), &members); err != nil {
		return nil, fmt.Errorf("failed to fetch memberships: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ChatID
	}

	var chats []models.Chat
	q := backend.From(models.TableChats).In("id", ids).Order("created_at", false)
	if err := l.client.Select(ctx, q, &chats); err != nil {
		return nil, fmt.Errorf("failed to fetch chats: %w", err)
	}
	return chats, nil
}

func (l *ChatList) collection() *live.Collection[models.Chat] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chats
}

func (l *ChatList) Close() {
	l.mu.Lock()
	chats := l.chats
	l.chats = nil
	l.mu.Unlock()
	if chats != nil {
		chats.Stop()
	}
}

func (l *ChatList) Chats() []models.Chat {
	if c := l.collection(); c != nil {
		return c.Items()
	}
	return nil
}

// Filter returns the chats whose title contains query, ignoring case. An
// empty query returns every chat.
func (l *ChatList) Filter(query string) []models.Chat {
	chats := l.Chats()
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return chats
	}
	out := chats[:0]
	for _, c := range chats {
		if strings.Contains(strings.ToLower(c.Title), query) {
			out = append(out, c)
		}
	}
	return out
}

func (l *ChatList) Loading() bool {
	c := l.collection()
	return c != nil && c.Loading()
}

func (l *ChatList) Err() error {
	if c := l.collection(); c != nil {
		return c.Err()
	}
	return nil
}
