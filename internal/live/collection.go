// Package live keeps a local collection of rows in sync with the backend: a
// snapshot fetch followed by change events merged as they arrive.
package live

import (
	"context"
	"errors"
	"slices"
	"sync"

	"telechat/internal/backend"

	"github.com/rs/zerolog"
)

// ErrRefetch is returned by a MergeFunc to request a fresh snapshot instead
// of an incremental merge.
var ErrRefetch = errors.New("refetch")

// MergeFunc folds one change into items and returns the new items. key may be
// nil.
type MergeFunc[T any] func(items []T, change backend.Change, key func(T) string) ([]T, error)

type Config[T any] struct {
	// Channel is the realtime channel name.
	Channel string
	// Changes selects the change events merged into the collection. A zero
	// Table disables the live subscription.
	Changes backend.ChangeSpec
	Fetch   func(ctx context.Context) ([]T, error)
	Merge   MergeFunc[T]
	// Key identifies an item; it is used to drop duplicate inserts and to
	// remove deleted rows.
	Key func(T) string
	// OnChange is called after every state change, outside of any lock.
	OnChange func()
	Logger   zerolog.Logger
}

// Collection is a live, ordered set of rows.
//
// Start subscribes first and fetches second, so no change committed after the
// snapshot is missed. Changes delivered before the snapshot is installed are
// queued and merged afterwards. Every Start and Stop bumps a generation
// counter; fetch results and changes belonging to an older generation are
// discarded.
type Collection[T any] struct {
	client backend.Client
	cfg    Config[T]

	items   []T
	loading bool
	err     error

	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	channel backend.Channel
	fetched bool
	pending []backend.Change

	mu sync.Mutex
}

func New[T any](client backend.Client, cfg Config[T]) *Collection[T] {
	return &Collection[T]{client: client, cfg: cfg}
}

// Start tears down any previous scope, subscribes and loads the snapshot. It
// returns the snapshot error, if any; the subscription stays open either way
// until Stop.
func (c *Collection[T]) Start(ctx context.Context) error {
	c.Stop()

	scope, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.ctx = scope
	c.cancel = cancel
	c.items = nil
	c.loading = true
	c.err = nil
	c.fetched = false
	c.pending = nil
	c.mu.Unlock()
	c.notify()

	if c.cfg.Changes.Table != "" {
		ch := c.client.Channel(c.cfg.Channel)
		ch.OnChanges(c.cfg.Changes, func(change backend.Change) {
			c.handle(gen, change)
		})
		if err := ch.Subscribe(scope); err != nil {
			_ = ch.Unsubscribe()
			c.fail(gen, err)
			return err
		}
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			_ = ch.Unsubscribe()
			return context.Canceled
		}
		c.channel = ch
		c.mu.Unlock()
	}

	return c.load(scope, gen)
}

// Stop cancels the scope and closes the subscription. Results still in
// flight are discarded.
func (c *Collection[T]) Stop() {
	c.mu.Lock()
	c.gen++
	cancel, ch := c.cancel, c.channel
	c.cancel = nil
	c.channel = nil
	c.pending = nil
	c.loading = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		if err := ch.Unsubscribe(); err != nil {
			c.cfg.Logger.Warn().Err(err).Str("channel", c.cfg.Channel).Msg("unsubscribe failed")
		}
	}
}

func (c *Collection[T]) load(ctx context.Context, gen uint64) error {
	var (
		items []T
		err   error
	)
	if c.cfg.Fetch != nil {
		items, err = c.cfg.Fetch(ctx)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return context.Canceled
	}
	if err != nil {
		c.err = err
		c.loading = false
		c.fetched = true
		c.pending = nil
		c.mu.Unlock()
		c.cfg.Logger.Error().Err(err).Str("channel", c.cfg.Channel).Msg("snapshot fetch failed")
		c.notify()
		return err
	}

	c.items = items
	for _, change := range c.pending {
		c.mergeLocked(change)
	}
	c.pending = nil
	c.err = nil
	c.loading = false
	c.fetched = true
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Collection[T]) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.loading = false
	c.mu.Unlock()
	c.notify()
}

func (c *Collection[T]) handle(gen uint64, change backend.Change) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if !c.fetched {
		c.pending = append(c.pending, change)
		c.mu.Unlock()
		return
	}
	refetch := c.mergeLocked(change)
	ctx := c.ctx
	c.mu.Unlock()

	if refetch {
		// Runs on the delivery goroutine, so later changes wait for it.
		_ = c.load(ctx, gen)
		return
	}
	c.notify()
}

// mergeLocked applies change and reports whether a refetch was requested.
// Queued changes never trigger a refetch: the snapshot they are merged into
// is already newer.
func (c *Collection[T]) mergeLocked(change backend.Change) bool {
	items, err := c.cfg.Merge(c.items, change, c.cfg.Key)
	switch {
	case errors.Is(err, ErrRefetch):
		return c.fetched
	case err != nil:
		c.cfg.Logger.Warn().
			Err(err).
			Str("channel", c.cfg.Channel).
			Str("table", change.Table).
			Str("type", string(change.Type)).
			Msg("dropping change that cannot be merged")
		return false
	}
	c.items = items
	return false
}

func (c *Collection[T]) notify() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange()
	}
}

// Upsert installs item locally, replacing the item with the same key. It is
// used to apply the result of a write without waiting for its change event.
func (c *Collection[T]) Upsert(item T) {
	c.mu.Lock()
	c.items = upsert(c.items, item, c.cfg.Key)
	c.mu.Unlock()
	c.notify()
}

// Items returns a copy of the current items.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

func (c *Collection[T]) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the last snapshot error.
func (c *Collection[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
