package platform

import (
	"fmt"

	"telechat/internal/backend"
	"telechat/internal/models"
)

type operation int

const (
	opInsert operation = iota
	opUpdate
	opDelete
)

func (o operation) String() string {
	switch o {
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	}
	return "unknown"
}

// ownerColumn names the column that must equal the session user for an
// operation on a table. Tables and operations not listed are open to any
// authenticated session.
var ownerColumn = map[string]map[operation]string{
	models.TableProfiles: {
		opInsert: "id",
		opUpdate: "id",
		opDelete: "id",
	},
	models.TableChats: {
		opInsert: "created_by",
		opUpdate: "created_by",
		opDelete: "created_by",
	},
	models.TableMessages: {
		opInsert: "sender_id",
		opUpdate: "sender_id",
		opDelete: "sender_id",
	},
	models.TableReactions: {
		opInsert: "user_id",
		opDelete: "user_id",
	},
}

func hasPolicy(op operation, table string) bool {
	_, ok := ownerColumn[table][op]
	return ok
}

func (c *Client) authorize(op operation, table string, row backend.Row) error {
	if c.session == nil {
		return nil
	}
	col, ok := ownerColumn[table][op]
	if !ok {
		return nil
	}
	if v, _ := row[col].(string); v != c.session.UserID {
		return fmt.Errorf("%s on %s requires %s to be the current user: %w", op, table, col, backend.ErrForbidden)
	}
	return nil
}
