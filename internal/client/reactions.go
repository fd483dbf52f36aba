package client

import (
	"context"
	"fmt"
	"sync"

	"telechat/internal/backend"
	"telechat/internal/live"
	"telechat/internal/models"
)

// Reactions keeps the reactions of one message. Toggling is done server
// side; the local list only follows the change feed.
type Reactions struct {
	client backend.Client
	opts   options

	messageID string
	reactions *live.Collection[models.Reaction]
	mu        sync.Mutex
}

func NewReactions(client backend.Client, opts ...Option) *Reactions {
	return &Reactions{client: client, opts: newOptions(opts)}
}

func (r *Reactions) Open(ctx context.Context, messageID string) error {
	r.Close()
	if messageID == "" {
		r.opts.notify()
		return nil
	}

	reactions := live.New(r.client, live.Config[models.Reaction]{
		Channel: "reactions:" + messageID,
		Changes: backend.ChangeSpec{
			Event:  backend.EventAll,
			Schema: backend.DefaultSchema,
			Table:  models.TableReactions,
			Filter: backend.EqFilter("message_id", messageID),
		},
		Fetch: func(ctx context.Context) ([]models.Reaction, error) {
			var out []models.Reaction
			q := backend.From(models.TableReactions).Eq("message_id", messageID).Order("created_at", true)
			if err := r.client.Select(ctx, q, &out); err != nil {
				return nil, fmt.Errorf("failed to fetch reactions: %w", err)
			}
			return out, nil
		},
		Merge:    live.InsertDelete[models.Reaction],
		Key:      func(re models.Reaction) string { return re.ID },
		OnChange: r.opts.notify,
		Logger:   r.opts.log,
	})

	r.mu.Lock()
	r.messageID = messageID
	r.reactions = reactions
	r.mu.Unlock()
	return reactions.Start(ctx)
}

func (r *Reactions) Close() {
	r.mu.Lock()
	reactions := r.reactions
	r.reactions = nil
	r.messageID = ""
	r.mu.Unlock()
	if reactions != nil {
		reactions.Stop()
	}
}

func (r *Reactions) collection() *live.Collection[models.Reaction] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reactions
}

// Reactions returns the raw reactions in arrival order.
func (r *Reactions) Reactions() []models.Reaction {
	if c := r.collection(); c != nil {
		return c.Items()
	}
	return nil
}

func (r *Reactions) Counts() []models.ReactionCount {
	return AggregateReactions(r.Reactions())
}

func (r *Reactions) Loading() bool {
	c := r.collection()
	return c != nil && c.Loading()
}

func (r *Reactions) Err() error {
	if c := r.collection(); c != nil {
		return c.Err()
	}
	return nil
}

// Toggle adds the session user's emoji reaction, or removes it if present.
// It reports whether the reaction was added.
func (r *Reactions) Toggle(ctx context.Context, emoji string) (bool, error) {
	r.mu.Lock()
	messageID := r.messageID
	r.mu.Unlock()
	if messageID == "" {
		return false, ErrNoMessage
	}

	var res struct {
		Added bool `json:"added"`
	}
	err := r.client.RPC(ctx, backend.FuncToggleReaction, map[string]any{
		"p_message_id": messageID,
		"p_emoji":      emoji,
	}, &res)
	if err != nil {
		return false, fmt.Errorf("failed to toggle reaction: %w", err)
	}
	return res.Added, nil
}

// AggregateReactions groups reactions by emoji in first-seen order. Users
// are listed in arrival order, repeats included.
func AggregateReactions(reactions []models.Reaction) []models.ReactionCount {
	var out []models.ReactionCount
	index := make(map[string]int)
	for _, re := range reactions {
		i, ok := index[re.Emoji]
		if !ok {
			i = len(out)
			index[re.Emoji] = i
			out = append(out, models.ReactionCount{Emoji: re.Emoji})
		}
		out[i].Count++
		out[i].Users = append(out[i].Users, re.UserID)
	}
	return out
}
