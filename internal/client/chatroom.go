package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"telechat/internal/backend"
	"telechat/internal/live"
	"telechat/internal/models"
)

// MessageInput describes a message to send. Type defaults to text.
type MessageInput struct {
	Type     models.MessageType
	Content  string
	FilePath string
	FileName string
	FileSize int64
	FileType string
}

// ChatRoom syncs one chat: its row, its members and its live message list.
type ChatRoom struct {
	client backend.Client
	opts   options

	chatID   string
	chat     *models.Chat
	members  []models.ChatMember
	err      error
	loading  bool
	gen      uint64
	cancel   context.CancelFunc
	messages *live.Collection[models.Message]

	mu sync.Mutex
}

func NewChatRoom(client backend.Client, opts ...Option) *ChatRoom {
	return &ChatRoom{client: client, opts: newOptions(opts), loading: true}
}

// compensateTimeout bounds the cleanup of a half-created chat.
const compensateTimeout = 5 * time.Second

func messageKey(m models.Message) string { return m.ID }

// Open switches the room to chatID. The previous chat is closed first. An
// empty chatID leaves the room closed.
func (r *ChatRoom) Open(ctx context.Context, chatID string) error {
	r.close(chatID != "")

	if chatID == "" {
		r.opts.notify()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.chatID = chatID
	r.cancel = cancel
	r.mu.Unlock()

	messages := live.New(r.client, live.Config[models.Message]{
		Channel: "chat:" + chatID,
		Changes: backend.ChangeSpec{
			Event:  backend.EventInsert,
			Schema: backend.DefaultSchema,
			Table:  models.TableMessages,
			Filter: backend.EqFilter("chat_id", chatID),
		},
		Fetch: func(ctx context.Context) ([]models.Message, error) {
			var msgs []models.Message
			q := backend.From(models.TableMessages).Eq("chat_id", chatID).Order("created_at", true)
			if err := r.client.Select(ctx, q, &msgs); err != nil {
				return nil, fmt.Errorf("failed to fetch messages: %w", err)
			}
			return msgs, nil
		},
		Merge:    live.AppendInserts[models.Message],
		Key:      messageKey,
		OnChange: r.opts.notify,
		Logger:   r.opts.log,
	})

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return context.Canceled
	}
	r.messages = messages
	r.mu.Unlock()

	// A Close racing with Open cancels ctx, so Start either fails to
	// subscribe or registers before Close stops it.
	detailsErr := r.loadDetails(ctx, gen, chatID)
	msgErr := messages.Start(ctx)

	r.mu.Lock()
	current := gen == r.gen
	if current {
		r.loading = false
	}
	r.mu.Unlock()
	if current {
		r.opts.notify()
	}
	return errors.Join(detailsErr, msgErr)
}

func (r *ChatRoom) loadDetails(ctx context.Context, gen uint64, chatID string) error {
	var (
		chat    models.Chat
		members []models.ChatMember
	)
	err := r.client.SelectOne(ctx, backend.From(models.TableChats).Eq("id", chatID), &chat)
	if err == nil {
		err = r.client.Select(ctx, backend.From(models.TableChatMembers).Eq("chat_id", chatID), &members)
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return context.Canceled
	}
	if err != nil {
		r.err = fmt.Errorf("failed to load chat %s: %w", chatID, err)
		r.mu.Unlock()
		r.opts.log.Error().Err(err).Str("chat_id", chatID).Msg("failed to load chat")
		r.opts.notify()
		return r.err
	}
	r.chat = &chat
	r.members = members
	r.err = nil
	r.mu.Unlock()
	r.opts.notify()
	return nil
}

// Close tears down the live message subscription. Results of requests still
// in flight are discarded.
func (r *ChatRoom) Close() {
	r.close(false)
}

// close leaves loading set when another chat is about to be opened, so
// Loading has no gap during a switch.
func (r *ChatRoom) close(loading bool) {
	r.mu.Lock()
	r.gen++
	r.loading = loading
	cancel, messages := r.cancel, r.messages
	r.cancel = nil
	r.messages = nil
	r.chatID = ""
	r.chat = nil
	r.members = nil
	r.err = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if messages != nil {
		messages.Stop()
	}
}

func (r *ChatRoom) ChatID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatID
}

func (r *ChatRoom) Chat() (models.Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chat == nil {
		return models.Chat{}, false
	}
	return *r.chat, true
}

func (r *ChatRoom) Members() []models.ChatMember {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChatMember(nil), r.members...)
}

// Messages returns the messages in created_at order.
func (r *ChatRoom) Messages() []models.Message {
	r.mu.Lock()
	messages := r.messages
	r.mu.Unlock()
	if messages == nil {
		return nil
	}
	return messages.Items()
}

// Loading is true from construction and from Open until the chat and its
// first page of messages are loaded.
func (r *ChatRoom) Loading() bool {
	r.mu.Lock()
	loading, messages := r.loading, r.messages
	r.mu.Unlock()
	return loading || (messages != nil && messages.Loading())
}

// Err returns the last load error of the chat details or the messages.
func (r *ChatRoom) Err() error {
	r.mu.Lock()
	err, messages := r.err, r.messages
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if messages != nil {
		return messages.Err()
	}
	return nil
}

// SendMessage writes one message to the open chat as the session user. The
// message shows up in Messages through the change feed, not optimistically.
func (r *ChatRoom) SendMessage(ctx context.Context, in MessageInput) (models.Message, error) {
	chatID := r.ChatID()
	if chatID == "" {
		return models.Message{}, ErrNoChat
	}
	uid, err := sessionUser(r.client)
	if err != nil {
		return models.Message{}, err
	}

	if in.Type == "" {
		in.Type = models.MessageTypeText
	}
	if !in.Type.Valid() {
		return models.Message{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, in.Type)
	}
	if in.Type == models.MessageTypeText && strings.TrimSpace(in.Content) == "" {
		return models.Message{}, ErrEmptyMessage
	}

	msg := models.Message{
		ChatID:   chatID,
		SenderID: uid,
		Type:     in.Type,
		Content:  in.Content,
		FilePath: in.FilePath,
		FileName: in.FileName,
		FileSize: in.FileSize,
		FileType: in.FileType,
	}
	if in.Type == models.MessageTypeFile {
		msg.FileURL = in.FilePath
	}

	var sent models.Message
	if err := r.client.Insert(ctx, models.TableMessages, msg, &sent); err != nil {
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	return sent, nil
}

// SendText is shorthand for a text message.
func (r *ChatRoom) SendText(ctx context.Context, text string) (models.Message, error) {
	return r.SendMessage(ctx, MessageInput{Type: models.MessageTypeText, Content: text})
}

// CreateChat creates a chat and its members: every distinct id of memberIDs
// plus the session user, who becomes admin. If the members cannot be added
// the chat row is deleted again.
func (r *ChatRoom) CreateChat(ctx context.Context, title string, memberIDs []string, isGroup bool) (models.Chat, error) {
	uid, err := sessionUser(r.client)
	if err != nil {
		return models.Chat{}, err
	}

	seen := make(map[string]bool, len(memberIDs)+1)
	var ids []string
	for _, id := range append(append([]string(nil), memberIDs...), uid) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if !isGroup && len(ids) != 2 {
		return models.Chat{}, fmt.Errorf("%w: got %d members", ErrInvalidMembers, len(ids))
	}

	var chat models.Chat
	err = r.client.Insert(ctx, models.TableChats, models.Chat{
		Title:     title,
		IsGroup:   isGroup,
		CreatedBy: uid,
	}, &chat)
	if err != nil {
		return models.Chat{}, fmt.Errorf("failed to create chat: %w", err)
	}

	members := make([]models.ChatMember, len(ids))
	for i, id := range ids {
		role := models.RoleMember
		if id == uid {
			role = models.RoleAdmin
		}
		members[i] = models.ChatMember{ChatID: chat.ID, UserID: id, Role: role}
	}
	if err := r.client.Insert(ctx, models.TableChatMembers, members, nil); err != nil {
		// The cleanup must run even when ctx is what made the insert fail.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
		defer cancel()
		if derr := r.client.Delete(dctx, backend.From(models.TableChats).Eq("id", chat.ID)); derr != nil {
			r.opts.log.Error().Err(derr).Str("chat_id", chat.ID).Msg("failed to remove chat after member insert failed")
		}
		return models.Chat{}, fmt.Errorf("failed to add chat members: %w", err)
	}

	r.opts.log.Info().Str("chat_id", chat.ID).Int("members", len(members)).Msg("chat created")
	return chat, nil
}
