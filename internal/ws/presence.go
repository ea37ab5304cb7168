package ws

import (
	"context"
	"log/slog"
	"time"

	"goose-realtime/internal/models"
	"goose-realtime/internal/store"
)

// Publisher mirrors outbound events to peer nodes through the event bridge.
// A nil Publisher means single-node operation.
type Publisher interface {
	PublishToUser(userID int64, event models.OutboundEvent)
	PublishPresence(subjectID int64, event models.OutboundEvent)
}

// PresenceBroadcaster announces status changes to the peer set. There is no
// contact graph in this system, so the peer set is every other currently
// connected user.
type PresenceBroadcaster struct {
	registry *Registry
	bridge   Publisher
}

func NewPresenceBroadcaster(registry *Registry, bridge Publisher) *PresenceBroadcaster {
	return &PresenceBroadcaster{registry: registry, bridge: bridge}
}

// BroadcastStatus fans out a friend_status_change for userID to every other
// online user. Delivery is per-recipient and non-blocking; a slow or dead
// recipient never stalls the loop.
func (p *PresenceBroadcaster) BroadcastStatus(userID int64, status string) {
	event := models.OutboundEvent{
		Type: models.EventFriendStatusChange,
		Data: models.FriendStatusChangeData{
			UserID:    userID,
			Status:    status,
			Timestamp: time.Now(),
		},
	}

	for _, peerID := range p.registry.ListOnline() {
		if peerID == userID {
			continue
		}
		p.registry.SendTo(peerID, event)
	}

	if p.bridge != nil {
		p.bridge.PublishPresence(userID, event)
	}

	slog.Debug("[PRESENCE] Status broadcast", "user", userID, "status", status)
}

// StatusHook builds the registry status-change hook: it persists the
// online/offline transition and announces it. The registry's atomic
// transition detection guarantees the hook fires exactly once per
// transition, so multi-device users go offline only when the last
// connection is gone.
func StatusHook(users store.UserStore, presence *PresenceBroadcaster) StatusChangeFunc {
	return func(userID int64, online bool) {
		status := store.StatusOffline
		if online {
			status = store.StatusOnline
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := users.UpdateUserStatus(ctx, userID, status); err != nil {
			slog.Error("[PRESENCE] Failed to persist status",
				"user", userID, "status", status, "error", err)
		}

		presence.BroadcastStatus(userID, status)
	}
}
