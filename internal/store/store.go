// Package store defines the persistence contracts for users, chats,
// memberships, and messages. The realtime layer never touches the
// underlying tables directly; all mutation goes through these operations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// User statuses. A user keeps exactly one of these at a time; the realtime
// layer flips between online/offline on connection lifecycle and the rest
// via explicit status updates.
const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusAway      = "away"
	StatusBusy      = "busy"
	StatusInvisible = "invisible"
)

// ValidStatus reports whether status is one of the fixed user statuses.
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusOffline, StatusAway, StatusBusy, StatusInvisible:
		return true
	}
	return false
}

// Chat member roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type User struct {
	ID        int64
	Username  string
	AvatarURL string
	Status    string
}

type Chat struct {
	ID            int64
	Type          string
	Name          string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// Member is one chat membership row, joined with the user's display fields
// so fan-out targets carry enough to render.
type Member struct {
	UserID    int64
	Role      string
	Username  string
	AvatarURL string
}

type Message struct {
	ID             int64
	ChatID         int64
	SenderID       int64
	Content        string
	MessageType    string
	Metadata       map[string]interface{}
	ReplyTo        *int64
	SentAt         time.Time
	EditedAt       *time.Time
	Deleted        bool
	SenderUsername string
	SenderAvatar   string
}

// NewMessage carries the fields of a message to be persisted.
type NewMessage struct {
	ChatID      int64
	SenderID    int64
	Content     string
	MessageType string
	Metadata    map[string]interface{}
	ReplyTo     *int64
}

// UserStore persists user identity and presence status.
type UserStore interface {
	CreateUser(ctx context.Context, username, avatarURL string) (User, error)
	UserByID(ctx context.Context, userID int64) (User, error)
	UpdateUserStatus(ctx context.Context, userID int64, status string) error
}

// ChatStore persists chats and their durable memberships.
type ChatStore interface {
	CreateChat(ctx context.Context, chatType, name string) (Chat, error)
	AddChatMember(ctx context.Context, chatID, userID int64, role string) error
	RemoveChatMember(ctx context.Context, chatID, userID int64) error
	ChatMembers(ctx context.Context, chatID int64) ([]Member, error)
	IsChatMember(ctx context.Context, chatID, userID int64) (bool, error)
	TouchChatActivity(ctx context.Context, chatID int64) error
}

// MessageStore persists messages and read receipts.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg NewMessage) (Message, error)
	MessageByID(ctx context.Context, messageID int64) (Message, error)
	MessagesByChat(ctx context.Context, chatID int64, limit, offset int) ([]Message, error)
	// MarkMessagesRead records readerID in the read set of each message and
	// returns only the IDs that were newly marked. Re-marking an already
	// read message is a no-op, never a duplicate.
	MarkMessagesRead(ctx context.Context, messageIDs []int64, readerID int64) ([]int64, error)
	UnreadCount(ctx context.Context, chatID, userID int64) (int, error)
}

// Store is the full session store consumed by the realtime layer.
type Store interface {
	UserStore
	ChatStore
	MessageStore
}
