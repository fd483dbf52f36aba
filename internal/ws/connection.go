package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"telechat/internal/backend"

	"github.com/rs/zerolog"
)

type FrameType string

const (
	FrameJoin      FrameType = "join"
	FrameLeave     FrameType = "leave"
	FrameBroadcast FrameType = "broadcast"
	FrameChange    FrameType = "change"
	FrameJoined    FrameType = "joined"
	FrameError     FrameType = "error"
)

// ClientFrame is sent by the browser. Join carries the change specs and
// broadcast events to receive on Topic; broadcast carries Event and Payload.
type ClientFrame struct {
	Type    FrameType            `json:"type"`
	Topic   string               `json:"topic"`
	Changes []backend.ChangeSpec `json:"changes,omitempty"`
	Events  []string             `json:"events,omitempty"`
	Event   string               `json:"event,omitempty"`
	Payload backend.Row          `json:"payload,omitempty"`
}

type ServerFrame struct {
	Type      FrameType          `json:"type"`
	Topic     string             `json:"topic,omitempty"`
	Change    *backend.Change    `json:"change,omitempty"`
	Broadcast *backend.Broadcast `json:"broadcast,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// channels opens realtime channels for one user.
type channels interface {
	Channel(name string) backend.Channel
}

// Connection bridges one websocket to the channels it joined.
type Connection struct {
	ws         wsConnection
	source     channels
	userID     string
	log        zerolog.Logger
	fromClient chan ClientFrame
	fromServer chan ServerFrame
	errorCh    chan error
	done       chan struct{}

	joined map[string]backend.Channel
	mu     sync.Mutex
}

func NewConnection(source channels, ws wsConnection, userID string, log zerolog.Logger) *Connection {
	return &Connection{
		ws:         ws,
		source:     source,
		userID:     userID,
		log:        log.With().Str("user_id", userID).Logger(),
		fromClient: make(chan ClientFrame),
		fromServer: make(chan ServerFrame, 64),
		errorCh:    make(chan error, 2),
		done:       make(chan struct{}),
		joined:     make(map[string]backend.Channel),
	}
}

// Handle runs until the socket fails or ctx is canceled. Every joined channel
// is left on return.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.done)
		c.leaveAll()
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})
	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var frame ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.fromClient:
			reply, err := c.processClientFrame(ctx, frame)
			if err != nil {
				reply = &ServerFrame{Type: FrameError, Topic: frame.Topic, Error: err.Error()}
			}
			if reply != nil {
				if err := c.ws.WriteJSON(*reply); err != nil {
					return err
				}
			}
		case frame := <-c.fromServer:
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientFrame returns the frame to answer with, if any.
func (c *Connection) processClientFrame(ctx context.Context, frame ClientFrame) (*ServerFrame, error) {
	if frame.Topic == "" {
		return nil, errors.New("topic is required")
	}
	switch frame.Type {
	case FrameJoin:
		if err := c.join(ctx, frame); err != nil {
			return nil, err
		}
		return &ServerFrame{Type: FrameJoined, Topic: frame.Topic}, nil
	case FrameLeave:
		return nil, c.leave(frame.Topic)
	case FrameBroadcast:
		c.mu.Lock()
		ch, ok := c.joined[frame.Topic]
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("not joined to %s", frame.Topic)
		}
		return nil, ch.Send(ctx, frame.Event, frame.Payload)
	}
	return nil, fmt.Errorf("unknown frame type %q", frame.Type)
}

// forward queues a frame for the socket. It runs on channel delivery
// goroutines and gives up once the connection is gone.
func (c *Connection) forward(frame ServerFrame) {
	select {
	case c.fromServer <- frame:
	case <-c.done:
	}
}

func (c *Connection) join(ctx context.Context, frame ClientFrame) error {
	c.mu.Lock()
	_, ok := c.joined[frame.Topic]
	c.mu.Unlock()
	if ok {
		return fmt.Errorf("already joined to %s", frame.Topic)
	}

	topic := frame.Topic
	ch := c.source.Channel(topic)
	for _, spec := range frame.Changes {
		ch.OnChanges(spec, func(change backend.Change) {
			c.forward(ServerFrame{Type: FrameChange, Topic: topic, Change: &change})
		})
	}
	for _, event := range frame.Events {
		ch.OnBroadcast(event, func(b backend.Broadcast) {
			c.forward(ServerFrame{Type: FrameBroadcast, Topic: topic, Broadcast: &b})
		})
	}
	if err := ch.Subscribe(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.joined[topic] = ch
	c.mu.Unlock()
	c.log.Debug().Str("topic", topic).Msg("joined")
	return nil
}

func (c *Connection) leave(topic string) error {
	c.mu.Lock()
	ch, ok := c.joined[topic]
	delete(c.joined, topic)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("not joined to %s", topic)
	}
	c.log.Debug().Str("topic", topic).Msg("left")
	return ch.Unsubscribe()
}

func (c *Connection) leaveAll() {
	c.mu.Lock()
	joined := c.joined
	c.joined = make(map[string]backend.Channel)
	c.mu.Unlock()
	for topic, ch := range joined {
		if err := ch.Unsubscribe(); err != nil {
			c.log.Warn().Err(err).Str("topic", topic).Msg("failed to leave channel")
		}
	}
}
