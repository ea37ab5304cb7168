package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Inbound event types (client -> server)
const (
	EventSendMessage  = "send_message"
	EventMarkAsRead   = "mark_as_read"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventJoinChat     = "join_chat"
	EventLeaveChat    = "leave_chat"
	EventUpdateStatus = "update_status"
)

// Outbound event types (server -> client)
const (
	EventNewMessage         = "new_message"
	EventMessageSent        = "message_sent"
	EventMessageRead        = "message_read"
	EventUserTyping         = "user_typing"
	EventFriendStatusChange = "friend_status_change"
	EventError              = "error"
)

// InboundEnvelope is the wire frame for every client event. Data is decoded
// into the per-type payload struct by the router.
type InboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// OutboundEvent is a named payload addressed to one user. The same event
// value may be delivered to every live connection of that user.
type OutboundEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type SendMessagePayload struct {
	ChatID      int64                  `json:"chatId"`
	Content     string                 `json:"content"`
	MessageType string                 `json:"messageType,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ReplyTo     *int64                 `json:"replyTo,omitempty"`
}

type MarkAsReadPayload struct {
	MessageIDs []int64 `json:"messageIds"`
	ChatID     int64   `json:"chatId"`
}

type TypingPayload struct {
	ChatID int64 `json:"chatId"`
}

type JoinChatPayload struct {
	ChatID int64 `json:"chatId"`
}

// UnmarshalJSON accepts both the object form {"chatId": 7} and a bare
// numeric chat id, which some clients send.
func (p *JoinChatPayload) UnmarshalJSON(data []byte) error {
	var chatID int64
	if err := json.Unmarshal(data, &chatID); err == nil {
		p.ChatID = chatID
		return nil
	}
	type plain JoinChatPayload
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*p = JoinChatPayload(obj)
	return nil
}

type UpdateStatusPayload struct {
	Status string `json:"status"`
}

// UnmarshalJSON accepts both the object form {"status": "away"} and a bare
// status string.
func (p *UpdateStatusPayload) UnmarshalJSON(data []byte) error {
	var status string
	if err := json.Unmarshal(data, &status); err == nil {
		p.Status = status
		return nil
	}
	type plain UpdateStatusPayload
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*p = UpdateStatusPayload(obj)
	return nil
}

// Message is the wire view of a persisted message, joined with sender info.
type Message struct {
	ID             int64                  `json:"id"`
	ChatID         int64                  `json:"chatId"`
	SenderID       int64                  `json:"senderId"`
	Content        string                 `json:"content"`
	MessageType    string                 `json:"messageType"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ReplyTo        *int64                 `json:"replyTo,omitempty"`
	SentAt         time.Time              `json:"sentAt"`
	SenderUsername string                 `json:"senderUsername,omitempty"`
	SenderAvatar   string                 `json:"senderAvatar,omitempty"`
}

type Sender struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type NewMessageData struct {
	ChatID  int64   `json:"chatId"`
	Message Message `json:"message"`
	Sender  Sender  `json:"sender"`
}

type MessageSentData struct {
	MessageID int64     `json:"messageId"`
	ChatID    int64     `json:"chatId"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageReadData struct {
	MessageID  int64     `json:"messageId"`
	ChatID     int64     `json:"chatId"`
	ReaderID   int64     `json:"readerId"`
	ReaderName string    `json:"readerName"`
	ReadAt     time.Time `json:"readAt"`
}

type UserTypingData struct {
	ChatID   int64  `json:"chatId"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type FriendStatusChangeData struct {
	UserID    int64     `json:"userId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorData struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
