package client

import (
	"context"
	"slices"
	"sync"
	"time"

	"telechat/internal/backend"
	"telechat/internal/models"
)

const (
	typingChannel = "typing"
	typingEvent   = "typing"
)

type TypingConfig struct {
	// Debounce is the quiet period before the latest typing state is sent.
	Debounce time.Duration
	// StopAfter sends a stop event this long after a keystroke.
	StopAfter time.Duration
	// Sweep clears every typing user at this interval.
	Sweep time.Duration
}

func DefaultTypingConfig() TypingConfig {
	return TypingConfig{
		Debounce:  500 * time.Millisecond,
		StopAfter: 3 * time.Second,
		Sweep:     5 * time.Second,
	}
}

// debouncer calls fn with the last argument once no call happened for wait.
type debouncer[A any] struct {
	wait  time.Duration
	fn    func(A)
	timer *time.Timer
	arg   A
	mu    sync.Mutex
}

func newDebouncer[A any](wait time.Duration, fn func(A)) *debouncer[A] {
	return &debouncer[A]{wait: wait, fn: fn}
}

func (d *debouncer[A]) Call(arg A) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.arg = arg
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fire)
}

func (d *debouncer[A]) fire() {
	d.mu.Lock()
	arg := d.arg
	d.timer = nil
	d.mu.Unlock()
	d.fn(arg)
}

func (d *debouncer[A]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Typing tracks who is typing in one chat and announces the session user's
// own typing state on the shared typing channel.
//
// Every keystroke starts its own stop timer and later keystrokes do not
// cancel it, so a long burst of typing may briefly show as stopped.
// Receivers tolerate redundant events.
type Typing struct {
	client backend.Client
	cfg    TypingConfig
	opts   options

	chatID  string
	userID  string
	users   []string
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	channel backend.Channel
	send    *debouncer[bool]
	sweep   *time.Ticker

	mu sync.Mutex
}

func NewTyping(client backend.Client, cfg TypingConfig, opts ...Option) *Typing {
	def := DefaultTypingConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.StopAfter <= 0 {
		cfg.StopAfter = def.StopAfter
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = def.Sweep
	}
	return &Typing{client: client, cfg: cfg, opts: newOptions(opts)}
}

// Open starts listening for typing events of chatID. The session user's own
// events are ignored.
func (t *Typing) Open(ctx context.Context, chatID string) error {
	t.Close()
	if chatID == "" {
		return ErrNoChat
	}
	uid, err := sessionUser(t.client)
	if err != nil {
		return err
	}

	scope, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.chatID = chatID
	t.userID = uid
	t.users = nil
	t.ctx = scope
	t.cancel = cancel
	t.send = newDebouncer(t.cfg.Debounce, func(typing bool) {
		t.publish(gen, typing)
	})
	t.mu.Unlock()

	ch := t.client.Channel(typingChannel)
	ch.OnBroadcast(typingEvent, func(b backend.Broadcast) {
		t.receive(gen, b)
	})
	if err := ch.Subscribe(scope); err != nil {
		_ = ch.Unsubscribe()
		return err
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		_ = ch.Unsubscribe()
		return context.Canceled
	}
	t.channel = ch
	t.sweep = time.NewTicker(t.cfg.Sweep)
	go t.sweepLoop(scope, gen, t.sweep.C)
	t.mu.Unlock()
	return nil
}

func (t *Typing) Close() {
	t.mu.Lock()
	t.gen++
	cancel, ch, send, sweep := t.cancel, t.channel, t.send, t.sweep
	t.cancel = nil
	t.channel = nil
	t.send = nil
	t.sweep = nil
	t.chatID = ""
	hadUsers := len(t.users) > 0
	t.users = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if send != nil {
		send.Stop()
	}
	if sweep != nil {
		sweep.Stop()
	}
	if ch != nil {
		if err := ch.Unsubscribe(); err != nil {
			t.opts.log.Warn().Err(err).Msg("failed to leave typing channel")
		}
	}
	if hadUsers {
		t.opts.notify()
	}
}

// HandleTyping is called on every keystroke. The start event is debounced;
// a stop event follows StopAfter after this keystroke. Timers left over from a
// closed scope fire into a stale generation and publish nothing.
func (t *Typing) HandleTyping() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.send == nil {
		return
	}
	send := t.send
	send.Call(true)
	time.AfterFunc(t.cfg.StopAfter, func() {
		send.Call(false)
	})
}

func (t *Typing) publish(gen uint64, typing bool) {
	t.mu.Lock()
	if gen != t.gen || t.channel == nil {
		t.mu.Unlock()
		return
	}
	ctx, ch := t.ctx, t.channel
	event := models.TypingEvent{UserID: t.userID, ChatID: t.chatID, IsTyping: typing}
	t.mu.Unlock()

	if err := ch.Send(ctx, typingEvent, event); err != nil {
		t.opts.log.Warn().Err(err).Str("chat_id", event.ChatID).Msg("failed to send typing event")
	}
}

func (t *Typing) receive(gen uint64, b backend.Broadcast) {
	var ev models.TypingEvent
	if err := b.Decode(&ev); err != nil {
		t.opts.log.Warn().Err(err).Msg("dropping malformed typing event")
		return
	}

	t.mu.Lock()
	if gen != t.gen || ev.ChatID != t.chatID || ev.UserID == "" || ev.UserID == t.userID {
		t.mu.Unlock()
		return
	}
	i := slices.Index(t.users, ev.UserID)
	changed := false
	switch {
	case ev.IsTyping && i < 0:
		t.users = append(t.users, ev.UserID)
		changed = true
	case !ev.IsTyping && i >= 0:
		t.users = slices.Delete(t.users, i, i+1)
		changed = true
	}
	t.mu.Unlock()

	if changed {
		t.opts.notify()
	}
}

// sweepLoop clears the whole set periodically in case a stop event was lost.
func (t *Typing) sweepLoop(ctx context.Context, gen uint64, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		cleared := len(t.users) > 0
		t.users = nil
		t.mu.Unlock()
		if cleared {
			t.opts.notify()
		}
	}
}

// TypingUsers returns the ids of the users typing, in the order they started.
func (t *Typing) TypingUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.users)
}
