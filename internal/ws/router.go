package ws

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"goose-realtime/internal/models"
	"goose-realtime/internal/store"
)

// Delivery is one outbound event addressed to one user. Handlers return
// deliveries instead of writing to sockets so the fan-out computation can be
// tested without a transport.
type Delivery struct {
	To    int64
	Event models.OutboundEvent
}

// Router validates inbound events, orchestrates persistence, and computes
// fan-out targets. One connection's events are processed strictly in arrival
// order; events from different connections interleave arbitrarily.
type Router struct {
	store    store.Store
	members  *MembershipIndex
	registry *Registry
	presence *PresenceBroadcaster
	bridge   Publisher

	chatMu    sync.Mutex
	chatLocks map[int64]*sync.Mutex
}

func NewRouter(st store.Store, members *MembershipIndex, registry *Registry, presence *PresenceBroadcaster, bridge Publisher) *Router {
	return &Router{
		store:     st,
		members:   members,
		registry:  registry,
		presence:  presence,
		bridge:    bridge,
		chatLocks: make(map[int64]*sync.Mutex),
	}
}

// lockChat serializes persistence and fan-out per chat so that message
// persistence order equals visibility order for every member.
func (r *Router) lockChat(chatID int64) func() {
	r.chatMu.Lock()
	lock, ok := r.chatLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		r.chatLocks[chatID] = lock
	}
	r.chatMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Handle processes one raw inbound frame from conn. Per-event failures are
// reported to the originating connection only; the connection stays open.
func (r *Router) Handle(ctx context.Context, conn *Conn, raw []byte) {
	var envelope models.InboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		slog.Warn("[ROUTER] Malformed frame", "user", conn.UserID, "conn", conn.ID, "error", err)
		r.dispatch([]Delivery{errTo(conn.UserID, "malformed payload")})
		return
	}

	var (
		deliveries []Delivery
		release    func()
	)

	switch envelope.Type {
	case models.EventSendMessage:
		deliveries, release = r.handleSendMessage(ctx, conn, envelope.Data)
	case models.EventMarkAsRead:
		deliveries = r.handleMarkAsRead(ctx, conn, envelope.Data)
	case models.EventTypingStart:
		deliveries = r.handleTyping(ctx, conn, envelope.Data, true)
	case models.EventTypingStop:
		deliveries = r.handleTyping(ctx, conn, envelope.Data, false)
	case models.EventJoinChat:
		deliveries = r.handleJoinChat(conn, envelope.Data)
	case models.EventLeaveChat:
		deliveries = r.handleLeaveChat(conn, envelope.Data)
	case models.EventUpdateStatus:
		deliveries = r.handleUpdateStatus(ctx, conn, envelope.Data)
	default:
		slog.Warn("[ROUTER] Unknown event type", "type", envelope.Type, "user", conn.UserID)
		deliveries = []Delivery{errTo(conn.UserID, "unknown event type")}
	}

	r.dispatch(deliveries)
	if release != nil {
		release()
	}
}

// dispatch delivers each addressed event through the registry and mirrors it
// to peer nodes when the bridge is configured.
func (r *Router) dispatch(deliveries []Delivery) {
	for _, delivery := range deliveries {
		r.registry.SendTo(delivery.To, delivery.Event)
		if r.bridge != nil {
			r.bridge.PublishToUser(delivery.To, delivery.Event)
		}
	}
}

// handleSendMessage persists the message, then fans it out to every chat
// member. The durable write always completes before any broadcast; the
// returned release func holds the per-chat lock until the deliveries have
// been dispatched.
func (r *Router) handleSendMessage(ctx context.Context, conn *Conn, data json.RawMessage) ([]Delivery, func()) {
	var payload models.SendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return []Delivery{errTo(conn.UserID, "malformed payload")}, nil
	}

	if strings.TrimSpace(payload.Content) == "" {
		return []Delivery{errTo(conn.UserID, "message cannot be empty")}, nil
	}

	// Authoritative check, never the cache: membership may have changed
	// mid-session.
	member, err := r.members.IsMember(ctx, payload.ChatID, conn.UserID)
	if err != nil {
		slog.Error("[ROUTER] Membership check failed",
			"user", conn.UserID, "chat", payload.ChatID, "error", err)
		return []Delivery{errTo(conn.UserID, "failed to send message")}, nil
	}
	if !member {
		return []Delivery{errTo(conn.UserID, "access denied")}, nil
	}

	if payload.ReplyTo != nil {
		target, err := r.store.MessageByID(ctx, *payload.ReplyTo)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return []Delivery{errTo(conn.UserID, "reply target not found")}, nil
			}
			slog.Error("[ROUTER] Reply target lookup failed",
				"user", conn.UserID, "message", *payload.ReplyTo, "error", err)
			return []Delivery{errTo(conn.UserID, "failed to send message")}, nil
		}
		if target.ChatID != payload.ChatID {
			return []Delivery{errTo(conn.UserID, "reply target belongs to another chat")}, nil
		}
	}

	release := r.lockChat(payload.ChatID)

	created, err := r.store.CreateMessage(ctx, store.NewMessage{
		ChatID:      payload.ChatID,
		SenderID:    conn.UserID,
		Content:     strings.TrimSpace(payload.Content),
		MessageType: payload.MessageType,
		Metadata:    payload.Metadata,
		ReplyTo:     payload.ReplyTo,
	})
	if err != nil {
		release()
		slog.Error("[ROUTER] Failed to persist message",
			"user", conn.UserID, "chat", payload.ChatID, "error", err)
		return []Delivery{errTo(conn.UserID, "failed to send message")}, nil
	}

	if err := r.store.TouchChatActivity(ctx, payload.ChatID); err != nil {
		slog.Warn("[ROUTER] Failed to touch chat activity",
			"chat", payload.ChatID, "error", err)
	}

	full, err := r.store.MessageByID(ctx, created.ID)
	if err != nil {
		slog.Warn("[ROUTER] Failed to resolve full message, using created row",
			"message", created.ID, "error", err)
		full = created
		full.SenderUsername = conn.Username
	}

	members, err := r.members.MembersOf(ctx, payload.ChatID)
	if err != nil {
		release()
		slog.Error("[ROUTER] Failed to resolve fan-out targets",
			"chat", payload.ChatID, "error", err)
		// Persisted but undeliverable; the sender still gets the ack so the
		// message is not retried into a duplicate.
		return []Delivery{ack(conn.UserID, full)}, nil
	}

	newMessage := models.OutboundEvent{
		Type: models.EventNewMessage,
		Data: models.NewMessageData{
			ChatID:  payload.ChatID,
			Message: messageView(full),
			Sender: models.Sender{
				ID:        conn.UserID,
				Username:  full.SenderUsername,
				AvatarURL: full.SenderAvatar,
			},
		},
	}

	deliveries := make([]Delivery, 0, len(members)+1)
	for _, m := range members {
		deliveries = append(deliveries, Delivery{To: m.UserID, Event: newMessage})
	}
	deliveries = append(deliveries, ack(conn.UserID, full))

	slog.Info("[ROUTER] Message sent",
		"chat", payload.ChatID, "message", full.ID, "sender", conn.UserID, "targets", len(members))

	return deliveries, release
}

// handleMarkAsRead records read receipts and notifies the senders of newly
// marked messages. Re-marking is a no-op end to end.
func (r *Router) handleMarkAsRead(ctx context.Context, conn *Conn, data json.RawMessage) []Delivery {
	var payload models.MarkAsReadPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return []Delivery{errTo(conn.UserID, "malformed payload")}
	}
	if len(payload.MessageIDs) == 0 {
		return nil
	}

	marked, err := r.store.MarkMessagesRead(ctx, payload.MessageIDs, conn.UserID)
	if err != nil {
		slog.Error("[ROUTER] Failed to mark messages read",
			"user", conn.UserID, "chat", payload.ChatID, "error", err)
		return []Delivery{errTo(conn.UserID, "failed to mark messages as read")}
	}

	var deliveries []Delivery
	for _, messageID := range marked {
		msg, err := r.store.MessageByID(ctx, messageID)
		if err != nil {
			slog.Warn("[ROUTER] Marked message not resolvable",
				"message", messageID, "error", err)
			continue
		}
		if msg.SenderID == conn.UserID {
			continue
		}
		deliveries = append(deliveries, Delivery{
			To: msg.SenderID,
			Event: models.OutboundEvent{
				Type: models.EventMessageRead,
				Data: models.MessageReadData{
					MessageID:  messageID,
					ChatID:     msg.ChatID,
					ReaderID:   conn.UserID,
					ReaderName: conn.Username,
					ReadAt:     time.Now(),
				},
			},
		})
	}
	return deliveries
}

// handleTyping fans a typing indicator out to every other chat member.
// Nothing is persisted and no expiry state is kept; clients debounce.
func (r *Router) handleTyping(ctx context.Context, conn *Conn, data json.RawMessage, isTyping bool) []Delivery {
	var payload models.TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return []Delivery{errTo(conn.UserID, "malformed payload")}
	}

	member, err := r.members.IsMember(ctx, payload.ChatID, conn.UserID)
	if err != nil {
		slog.Error("[ROUTER] Membership check failed",
			"user", conn.UserID, "chat", payload.ChatID, "error", err)
		return nil
	}
	if !member {
		return []Delivery{errTo(conn.UserID, "access denied")}
	}

	members, err := r.members.MembersOf(ctx, payload.ChatID)
	if err != nil {
		slog.Error("[ROUTER] Failed to resolve typing targets",
			"chat", payload.ChatID, "error", err)
		return nil
	}

	event := models.OutboundEvent{
		Type: models.EventUserTyping,
		Data: models.UserTypingData{
			ChatID:   payload.ChatID,
			UserID:   conn.UserID,
			Username: conn.Username,
			IsTyping: isTyping,
		},
	}

	var deliveries []Delivery
	for _, m := range members {
		if m.UserID == conn.UserID {
			continue
		}
		deliveries = append(deliveries, Delivery{To: m.UserID, Event: event})
	}
	return deliveries
}

// handleJoinChat widens this connection's subscription scope. It never
// touches durable chat membership.
func (r *Router) handleJoinChat(conn *Conn, data json.RawMessage) []Delivery {
	var payload models.JoinChatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return []Delivery{errTo(conn.UserID, "malformed payload")}
	}
	conn.JoinRoom(payload.ChatID)
	slog.Debug("[ROUTER] Joined chat room", "user", conn.UserID, "conn", conn.ID, "chat", payload.ChatID)
	return nil
}

func (r *Router) handleLeaveChat(conn *Conn, data json.RawMessage) []Delivery {
	var payload models.JoinChatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return []Delivery{errTo(conn.UserID, "malformed payload")}
	}
	conn.LeaveRoom(payload.ChatID)
	slog.Debug("[ROUTER] Left chat room", "user", conn.UserID, "conn", conn.ID, "chat", payload.ChatID)
	return nil
}

// handleUpdateStatus validates the status, persists it, and announces it.
func (r *Router) handleUpdateStatus(ctx context.Context, conn *Conn, data json.RawMessage) []Delivery {
	var payload models.UpdateStatusPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return []Delivery{errTo(conn.UserID, "malformed payload")}
	}
	if !store.ValidStatus(payload.Status) {
		return []Delivery{errTo(conn.UserID, "invalid status")}
	}

	if err := r.store.UpdateUserStatus(ctx, conn.UserID, payload.Status); err != nil {
		slog.Error("[ROUTER] Failed to persist status",
			"user", conn.UserID, "status", payload.Status, "error", err)
		return []Delivery{errTo(conn.UserID, "failed to update status")}
	}

	r.presence.BroadcastStatus(conn.UserID, payload.Status)
	slog.Info("[ROUTER] Status updated", "user", conn.UserID, "status", payload.Status)
	return nil
}

func errTo(userID int64, message string) Delivery {
	return Delivery{
		To: userID,
		Event: models.OutboundEvent{
			Type: models.EventError,
			Data: models.ErrorData{Message: message},
		},
	}
}

func ack(userID int64, msg store.Message) Delivery {
	return Delivery{
		To: userID,
		Event: models.OutboundEvent{
			Type: models.EventMessageSent,
			Data: models.MessageSentData{
				MessageID: msg.ID,
				ChatID:    msg.ChatID,
				Timestamp: msg.SentAt,
			},
		},
	}
}

func messageView(msg store.Message) models.Message {
	return models.Message{
		ID:             msg.ID,
		ChatID:         msg.ChatID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		MessageType:    msg.MessageType,
		Metadata:       msg.Metadata,
		ReplyTo:        msg.ReplyTo,
		SentAt:         msg.SentAt,
		SenderUsername: msg.SenderUsername,
		SenderAvatar:   msg.SenderAvatar,
	}
}
