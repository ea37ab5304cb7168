// Package redis bridges outbound events across server nodes. Each node
// publishes the events it dispatches; peer nodes re-deliver them to their
// own local connections. The bridge is best-effort: failures are logged and
// never surfaced to senders.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"goose-realtime/internal/models"
)

const (
	userChannelPrefix = "goose:user:"
	presenceChannel   = "goose:presence"
	channelPattern    = "goose:*"
)

// envelope is the cross-node wire frame. Origin lets a node drop its own
// publications on the way back in. For presence frames SubjectID is the user
// whose status changed, so the receiving node can exclude them from the
// global fan-out.
type envelope struct {
	Origin    string          `json:"origin"`
	SubjectID int64           `json:"subjectId,omitempty"`
	Event     json.RawMessage `json:"event"`
}

type Client struct {
	rdb    *redis.Client
	nodeID string
}

func NewClient(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	nodeID := uuid.NewString()
	slog.Info("[REDIS] Connected to Redis", "node", nodeID)

	return &Client{rdb: rdb, nodeID: nodeID}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// PublishToUser mirrors one addressed event to peer nodes.
func (c *Client) PublishToUser(userID int64, event models.OutboundEvent) {
	c.publish(userChannelPrefix+strconv.FormatInt(userID, 10), 0, event)
}

// PublishPresence mirrors a status-change event; every peer node fans it out
// to its own online users, excluding the subject.
func (c *Client) PublishPresence(subjectID int64, event models.OutboundEvent) {
	c.publish(presenceChannel, subjectID, event)
}

func (c *Client) publish(channel string, subjectID int64, event models.OutboundEvent) {
	eventPayload, err := json.Marshal(event)
	if err != nil {
		slog.Error("[REDIS] Failed to marshal event",
			"type", event.Type, "channel", channel, "error", err)
		return
	}

	payload, err := json.Marshal(envelope{
		Origin:    c.nodeID,
		SubjectID: subjectID,
		Event:     eventPayload,
	})
	if err != nil {
		slog.Error("[REDIS] Failed to marshal envelope",
			"type", event.Type, "channel", channel, "error", err)
		return
	}

	if err := c.rdb.Publish(context.Background(), channel, payload).Err(); err != nil {
		slog.Error("[REDIS] Failed to publish event",
			"type", event.Type, "channel", channel, "error", err)
	}
}
