package ws

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"goose-realtime/internal/models"
)

// StatusChangeFunc is invoked when a user gains their first connection
// (online true) or loses their last one (online false). The registry detects
// the transition atomically and invokes the hook exactly once per
// transition, outside its lock. Invocations for one user are delivered in
// transition order.
type StatusChangeFunc func(userID int64, online bool)

// transitionQueue orders status-change hook invocations for one user.
// Transitions are enqueued while the registry lock is held, so queue order
// always equals transition order; a single drainer delivers them with no
// lock held across the hook.
type transitionQueue struct {
	mu       sync.Mutex
	pending  []bool
	draining bool
}

func (q *transitionQueue) push(online bool) {
	q.mu.Lock()
	q.pending = append(q.pending, online)
	q.mu.Unlock()
}

// Registry is the authoritative map of who is online. It owns every live
// connection; a user id key exists if and only if its connection set is
// non-empty.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]map[string]*Conn
	byID   map[string]*Conn
	queues map[int64]*transitionQueue

	onStatusChange StatusChangeFunc
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]map[string]*Conn),
		byID:   make(map[string]*Conn),
		queues: make(map[int64]*transitionQueue),
	}
}

// OnStatusChange registers the hook notified of online/offline transitions.
// Must be called before the first Admit.
func (r *Registry) OnStatusChange(fn StatusChangeFunc) {
	r.onStatusChange = fn
}

// queue returns the user's transition queue. Caller must hold r.mu.
func (r *Registry) queue(userID int64) *transitionQueue {
	q, ok := r.queues[userID]
	if !ok {
		q = &transitionQueue{}
		r.queues[userID] = q
	}
	return q
}

// drainTransitions delivers pending transitions for one user in order. Only
// one goroutine drains at a time; a concurrent enqueuer either hands its
// transition to the active drainer or becomes the drainer itself.
func (r *Registry) drainTransitions(userID int64, q *transitionQueue) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.pending) > 0 {
		online := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		r.onStatusChange(userID, online)
		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}

// Admit adds a connection to its user's set. The first connection of a user
// triggers the online transition.
func (r *Registry) Admit(conn *Conn) {
	r.mu.Lock()
	set, ok := r.byUser[conn.UserID]
	if !ok {
		set = make(map[string]*Conn)
		r.byUser[conn.UserID] = set
	}
	set[conn.ID] = conn
	r.byID[conn.ID] = conn
	first := len(set) == 1
	var q *transitionQueue
	if first && r.onStatusChange != nil {
		q = r.queue(conn.UserID)
		q.push(true)
	}
	r.mu.Unlock()

	slog.Info("[REGISTRY] Connection admitted",
		"user", conn.UserID, "conn", conn.ID, "first", first)

	if q != nil {
		r.drainTransitions(conn.UserID, q)
	}
}

// Evict removes a connection and reports whether an eviction occurred; a
// second eviction of the same id is a no-op. Removing the user's last
// connection atomically drops the user key and triggers the offline
// transition.
func (r *Registry) Evict(connID string) bool {
	r.mu.Lock()
	conn, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, connID)
	last := false
	if set, ok := r.byUser[conn.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, conn.UserID)
			last = true
		}
	}
	var q *transitionQueue
	if last && r.onStatusChange != nil {
		q = r.queue(conn.UserID)
		q.push(false)
	}
	r.mu.Unlock()

	conn.Close()

	slog.Info("[REGISTRY] Connection evicted",
		"user", conn.UserID, "conn", connID, "last", last)

	if q != nil {
		r.drainTransitions(conn.UserID, q)
	}
	return true
}

// SendTo delivers event to every live connection of userID and reports
// whether at least one connection received it. A connection that cannot
// accept the payload is evicted; its failure never aborts delivery to the
// user's other connections.
func (r *Registry) SendTo(userID int64, event models.OutboundEvent) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("[REGISTRY] Failed to marshal event",
			"type", event.Type, "user", userID, "error", err)
		return false
	}
	return r.SendRaw(userID, payload)
}

// SendRaw delivers a pre-encoded event payload to every live connection of
// userID.
func (r *Registry) SendRaw(userID int64, payload []byte) bool {
	r.mu.RLock()
	set := r.byUser[userID]
	conns := make([]*Conn, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	var dead []string
	for _, conn := range conns {
		if conn.TrySend(payload) {
			delivered++
			continue
		}
		dead = append(dead, conn.ID)
	}

	// A failed write means the peer is gone or hopelessly slow; treat it
	// as an implicit disconnect.
	for _, connID := range dead {
		slog.Warn("[REGISTRY] Send failed, evicting connection",
			"user", userID, "conn", connID)
		r.Evict(connID)
	}

	return delivered > 0
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ListOnline returns a sorted snapshot of currently connected user ids.
func (r *Registry) ListOnline() []int64 {
	r.mu.RLock()
	users := make([]int64, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// ConnCount returns the number of live connections held by userID.
func (r *Registry) ConnCount(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}
