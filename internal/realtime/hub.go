// Package realtime fans row changes and broadcasts out to named channels.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telechat/internal/backend"

	"github.com/rs/zerolog"
)

const DefaultBufferSize = 256

type Hub struct {
	// Subscribed channels grouped by channel name.
	channels map[string]map[*Channel]struct{}

	bufferSize int
	log        zerolog.Logger
	now        func() time.Time

	mu sync.RWMutex
}

type Option func(*Hub)

// WithBufferSize sets the per-channel delivery buffer. Events that do not fit
// are dropped.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(h *Hub) {
		h.log = log
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		channels:   make(map[string]map[*Channel]struct{}),
		bufferSize: DefaultBufferSize,
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Channel creates an unsubscribed channel. Several channels may share a name.
func (h *Hub) Channel(name string) *Channel {
	return &Channel{
		hub:        h,
		name:       name,
		broadcasts: make(map[string][]backend.BroadcastHandler),
		done:       make(chan struct{}),
	}
}

func (h *Hub) join(c *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.channels[c.name]
	if !ok {
		set = make(map[*Channel]struct{})
		h.channels[c.name] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) leave(c *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.channels[c.name]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, c.name)
		}
	}
}

// Publish delivers a committed change to every channel with a matching spec.
func (h *Hub) Publish(change backend.Change) {
	if change.Schema == "" {
		change.Schema = backend.DefaultSchema
	}
	if change.CommitTimestamp.IsZero() {
		change.CommitTimestamp = h.now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, set := range h.channels {
		for c := range set {
			c.deliverChange(change)
		}
	}
}

func (h *Hub) broadcast(from *Channel, msg backend.Broadcast) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.channels[from.name] {
		if c == from {
			continue
		}
		if c.deliverBroadcast(msg) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the number of subscribed channels named name.
func (h *Hub) Subscribers(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[name])
}

func (h *Hub) dropped(c *Channel, kind string) {
	h.log.Warn().
		Str("channel", c.name).
		Str("kind", kind).
		Msg("delivery buffer full, event dropped")
}

func errClosed(name string) error {
	return fmt.Errorf("channel %s: %w", name, backend.ErrChannelClosed)
}

var _ backend.Channel = (*Channel)(nil)

type changeBinding struct {
	spec    backend.ChangeSpec
	handler backend.ChangeHandler
}

type delivery struct {
	change    *backend.Change
	broadcast *backend.Broadcast
	handlers  []backend.BroadcastHandler
	handler   backend.ChangeHandler
}

// Channel implements backend.Channel on top of the hub.
type Channel struct {
	hub  *Hub
	name string

	changes    []changeBinding
	broadcasts map[string][]backend.BroadcastHandler

	events     chan delivery
	done       chan struct{}
	subscribed bool
	closed     bool

	mu sync.Mutex
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) OnChanges(spec backend.ChangeSpec, h backend.ChangeHandler) backend.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, changeBinding{spec: spec, handler: h})
	return c
}

func (c *Channel) OnBroadcast(event string, h backend.BroadcastHandler) backend.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts[event] = append(c.broadcasts[event], h)
	return c
}

func (c *Channel) Subscribe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed(c.name)
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = true
	c.events = make(chan delivery, c.hub.bufferSize)
	c.mu.Unlock()

	go c.pump()
	c.hub.join(c)
	return nil
}

func (c *Channel) pump() {
	for {
		select {
		case d := <-c.events:
			switch {
			case d.change != nil:
				d.handler(*d.change)
			case d.broadcast != nil:
				for _, h := range d.handlers {
					h(*d.broadcast)
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *Channel) deliverChange(change backend.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribed || c.closed {
		return
	}
	for _, b := range c.changes {
		if !b.spec.Matches(change) {
			continue
		}
		ch := change
		ch.New = change.New.Clone()
		ch.Old = change.Old.Clone()
		select {
		case c.events <- delivery{change: &ch, handler: b.handler}:
		default:
			c.hub.dropped(c, "change")
		}
	}
}

func (c *Channel) deliverBroadcast(msg backend.Broadcast) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribed || c.closed {
		return false
	}
	handlers := c.broadcasts[msg.Event]
	if len(handlers) == 0 {
		return false
	}
	m := backend.Broadcast{Event: msg.Event, Payload: msg.Payload.Clone()}
	select {
	case c.events <- delivery{broadcast: &m, handlers: handlers}:
		return true
	default:
		c.hub.dropped(c, "broadcast")
		return false
	}
}

// Send broadcasts payload to the other channels sharing this name. The
// sending channel does not need to be subscribed.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClosed(c.name)
	}

	row, err := backend.ToRow(payload)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast payload: %w", err)
	}
	c.hub.broadcast(c, backend.Broadcast{Event: event, Payload: row})
	return nil
}

// Unsubscribe stops delivery. Events still buffered are discarded; a handler
// that is already running is not waited for, so Unsubscribe may be called from
// a handler. It is safe to call more than once; a closed channel cannot be
// subscribed again.
func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasSubscribed := c.subscribed
	c.mu.Unlock()

	if wasSubscribed {
		c.hub.leave(c)
	}
	close(c.done)
	return nil
}
