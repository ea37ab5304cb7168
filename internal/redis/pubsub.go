package redis

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"goose-realtime/internal/ws"
)

// Subscribe listens for events published by peer nodes and re-delivers them
// through the local registry. It blocks until ctx ends or the subscription
// drops.
func Subscribe(ctx context.Context, client *Client, registry *ws.Registry) {
	slog.Info("[REDIS] Starting pub/sub subscription", "pattern", channelPattern)

	pubsub := client.rdb.PSubscribe(ctx, channelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Error("[REDIS] Failed to confirm subscription", "error", err)
		return
	}

	slog.Info("[REDIS] Subscription confirmed, listening for events")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Info("[REDIS] Pub/sub channel closed")
				return
			}
			deliver(client, registry, msg.Channel, []byte(msg.Payload))
		}
	}
}

func deliver(client *Client, registry *ws.Registry, channel string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Error("[REDIS] Malformed envelope", "channel", channel, "error", err)
		return
	}
	if env.Origin == client.nodeID {
		// Our own publication coming back around.
		return
	}

	switch {
	case channel == presenceChannel:
		for _, userID := range registry.ListOnline() {
			if userID == env.SubjectID {
				continue
			}
			registry.SendRaw(userID, env.Event)
		}

	case strings.HasPrefix(channel, userChannelPrefix):
		userID, err := strconv.ParseInt(strings.TrimPrefix(channel, userChannelPrefix), 10, 64)
		if err != nil {
			slog.Error("[REDIS] Malformed user channel", "channel", channel, "error", err)
			return
		}
		registry.SendRaw(userID, env.Event)

	default:
		slog.Warn("[REDIS] Unknown channel", "channel", channel)
	}
}
