package backend

import (
	"context"
	"time"
)

type EventType string

const (
	EventAll    EventType = "*"
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

const DefaultSchema = "public"

// Change is a row-level change notification.
type Change struct {
	Type            EventType `json:"type"`
	Schema          string    `json:"schema"`
	Table           string    `json:"table"`
	New             Row       `json:"new,omitempty"`
	Old             Row       `json:"old,omitempty"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
}

func (c Change) DecodeNew(dest any) error {
	return Decode(c.New, dest)
}

func (c Change) DecodeOld(dest any) error {
	return Decode(c.Old, dest)
}

// Record returns the row the change is about: New, or Old for deletes.
func (c Change) Record() Row {
	if c.Type == EventDelete {
		return c.Old
	}
	return c.New
}

// ChangeSpec selects the changes a channel handler receives. Only equality
// filters are supported, as with postgres change feeds.
type ChangeSpec struct {
	Event  EventType `json:"event"`
	Schema string    `json:"schema"`
	Table  string    `json:"table"`
	Filter *Filter   `json:"filter,omitempty"`
}

func (s ChangeSpec) Matches(c Change) bool {
	if s.Event != "" && s.Event != EventAll && s.Event != c.Type {
		return false
	}
	schema := s.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	if c.Schema != "" && schema != c.Schema {
		return false
	}
	if s.Table != c.Table {
		return false
	}
	if s.Filter != nil && !s.Filter.Match(c.Record()) {
		return false
	}
	return true
}

// EqFilter builds the single-column filter used by change specs.
func EqFilter(column string, value any) *Filter {
	return &Filter{Column: column, Op: OpEq, Value: value}
}

type Broadcast struct {
	Event   string `json:"event"`
	Payload Row    `json:"payload"`
}

func (b Broadcast) Decode(dest any) error {
	return Decode(b.Payload, dest)
}

type (
	ChangeHandler    func(Change)
	BroadcastHandler func(Broadcast)
)

// Channel is a named live subscription. Handlers must be registered before
// Subscribe. Handlers of one channel are invoked sequentially in delivery
// order.
type Channel interface {
	Name() string
	OnChanges(spec ChangeSpec, h ChangeHandler) Channel
	OnBroadcast(event string, h BroadcastHandler) Channel
	// Subscribe returns once the subscription is registered: every change
	// committed after it returns is delivered.
	Subscribe(ctx context.Context) error
	// Send publishes a broadcast to the other subscribers of the channel name.
	Send(ctx context.Context, event string, payload any) error
	Unsubscribe() error
}
