package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is one live connection owned by the Registry for its lifetime. A user
// may hold several concurrent Conns (multi-device). The room set tracks which
// chats this connection has subscribed to; it is ephemeral bookkeeping and
// never implies durable chat membership.
type Conn struct {
	ID          string
	UserID      int64
	Username    string
	ConnectedAt time.Time

	send chan []byte

	mu     sync.Mutex
	rooms  map[int64]struct{}
	closed bool
}

// NewConn creates a connection with a bounded outbound queue. A full queue
// means the peer is too slow; enqueue fails and the registry evicts the
// connection rather than stalling fan-out to others.
func NewConn(userID int64, username string, sendBuffer int) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Conn{
		ID:          uuid.NewString(),
		UserID:      userID,
		Username:    username,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, sendBuffer),
		rooms:       make(map[int64]struct{}),
	}
}

// TrySend enqueues payload without blocking. It returns false when the
// connection is closed or its queue is full.
func (c *Conn) TrySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close shuts the outbound queue. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Outbound exposes the queue to the transport write loop.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// JoinRoom subscribes this connection to a chat's room scope.
func (c *Conn) JoinRoom(chatID int64) {
	c.mu.Lock()
	c.rooms[chatID] = struct{}{}
	c.mu.Unlock()
}

// LeaveRoom drops the subscription.
func (c *Conn) LeaveRoom(chatID int64) {
	c.mu.Lock()
	delete(c.rooms, chatID)
	c.mu.Unlock()
}

// InRoom reports whether this connection is subscribed to chatID.
func (c *Conn) InRoom(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[chatID]
	return ok
}

// Rooms returns a snapshot of the subscribed chat ids.
func (c *Conn) Rooms() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]int64, 0, len(c.rooms))
	for chatID := range c.rooms {
		rooms = append(rooms, chatID)
	}
	return rooms
}
