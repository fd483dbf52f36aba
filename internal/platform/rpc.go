package platform

import (
	"context"
	"fmt"

	"telechat/internal/backend"
	"telechat/internal/models"
)

type function func(ctx context.Context, c *Client, params map[string]any) (any, error)

var functions = map[string]function{
	backend.FuncToggleReaction: toggleReaction,
}

func stringParam(params map[string]any, name string) (string, error) {
	v, _ := params[name].(string)
	if v == "" {
		return "", fmt.Errorf("%w: parameter %s is required", backend.ErrInvalidQuery, name)
	}
	return v, nil
}

// toggleReaction removes the caller's reaction with the given emoji from a
// message, or adds it when absent. Both happen in one transaction.
func toggleReaction(_ context.Context, c *Client, params map[string]any) (any, error) {
	if c.session == nil {
		return nil, backend.ErrNotAuthenticated
	}
	messageID, err := stringParam(params, "p_message_id")
	if err != nil {
		return nil, err
	}
	emoji, err := stringParam(params, "p_emoji")
	if err != nil {
		return nil, err
	}

	uid := c.session.UserID
	q := backend.From(models.TableReactions).
		Eq("message_id", messageID).
		Eq("user_id", uid).
		Eq("emoji", emoji)
	added, rows, err := c.p.store.Toggle(q, backend.Row{
		"message_id": messageID,
		"user_id":    uid,
		"emoji":      emoji,
	})
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if added {
			c.p.publish(backend.EventInsert, models.TableReactions, row, nil)
		} else {
			c.p.publish(backend.EventDelete, models.TableReactions, nil, row)
		}
	}
	return map[string]any{"added": added}, nil
}
