package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Table names as exposed by the backend.
const (
	TableProfiles    = "profiles"
	TableChats       = "chats"
	TableChatMembers = "chat_members"
	TableMessages    = "messages"
	TableReactions   = "message_reactions"
)

// Storage buckets.
const (
	BucketChatFiles = "chat_files"
	BucketAvatars   = "avatars"
)

// Profile is the public identity of a registered user.
type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Chat represents a chat conversation, either direct or group.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	IsGroup   bool      `json:"is_group"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ChatMember is keyed by (ChatID, UserID).
type ChatMember struct {
	ChatID   string    `json:"chat_id"`
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// Message represents a chat message. For image and file messages Content
// holds the caption.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	FileURL   string      `json:"file_url,omitempty"`
	FilePath  string      `json:"file_path,omitempty"`
	FileName  string      `json:"file_name,omitempty"`
	FileSize  int64       `json:"file_size,omitempty"`
	FileType  string      `json:"file_type,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Reaction is a single emoji reaction of a user on a message.
// At most one reaction exists per (MessageID, UserID, Emoji).
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionCount is the aggregated view of one emoji on a message.
type ReactionCount struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// TypingEvent is the payload of the "typing" broadcast.
type TypingEvent struct {
	UserID   string `json:"user_id"`
	ChatID   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}
