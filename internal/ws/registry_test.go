package ws

import (
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"goose-realtime/internal/models"
)

type statusRecorder struct {
	mu          sync.Mutex
	transitions []bool
}

func (s *statusRecorder) record(userID int64, online bool) {
	s.mu.Lock()
	s.transitions = append(s.transitions, online)
	s.mu.Unlock()
}

func (s *statusRecorder) last() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transitions) == 0 {
		return false, false
	}
	return s.transitions[len(s.transitions)-1], true
}

func (s *statusRecorder) count(online bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.transitions {
		if t == online {
			n++
		}
	}
	return n
}

func TestAdmitFirstConnectionSignalsOnlineOnce(t *testing.T) {
	registry := NewRegistry()
	recorder := &statusRecorder{}
	registry.OnStatusChange(recorder.record)

	registry.Admit(NewConn(1, "alice", 8))
	registry.Admit(NewConn(1, "alice", 8))
	registry.Admit(NewConn(1, "alice", 8))

	if got := recorder.count(true); got != 1 {
		t.Fatalf("online transitions = %d, want 1", got)
	}
	if !registry.IsOnline(1) {
		t.Fatal("user 1 should be online")
	}
	if got := registry.ConnCount(1); got != 3 {
		t.Fatalf("conn count = %d, want 3", got)
	}
}

func TestConcurrentEvictionsSignalOfflineExactlyOnce(t *testing.T) {
	registry := NewRegistry()
	recorder := &statusRecorder{}
	registry.OnStatusChange(recorder.record)

	conns := []*Conn{
		NewConn(1, "alice", 8),
		NewConn(1, "alice", 8),
		NewConn(1, "alice", 8),
	}
	for _, conn := range conns {
		registry.Admit(conn)
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			registry.Evict(id)
		}(conn.ID)
	}
	wg.Wait()

	if got := recorder.count(false); got != 1 {
		t.Fatalf("offline transitions = %d, want exactly 1", got)
	}
	if registry.IsOnline(1) {
		t.Fatal("user 1 should be offline")
	}
	if got := len(registry.ListOnline()); got != 0 {
		t.Fatalf("online users = %d, want 0", got)
	}
}

func TestRapidReconnectKeepsFinalTransitionConsistent(t *testing.T) {
	registry := NewRegistry()
	recorder := &statusRecorder{}
	registry.OnStatusChange(recorder.record)

	// Race the eviction of a user's last connection against admitting a
	// new one. Whatever order the transitions land in, the last reported
	// transition must agree with the registry.
	for i := 0; i < 500; i++ {
		old := NewConn(1, "alice", 8)
		registry.Admit(old)

		next := NewConn(1, "alice", 8)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			registry.Evict(old.ID)
		}()
		go func() {
			defer wg.Done()
			registry.Admit(next)
		}()
		wg.Wait()

		last, ok := recorder.last()
		if !ok {
			t.Fatalf("iteration %d: no transitions recorded", i)
		}
		if last != registry.IsOnline(1) {
			t.Fatalf("iteration %d: last reported transition online=%v but IsOnline=%v",
				i, last, registry.IsOnline(1))
		}
		if !registry.IsOnline(1) {
			t.Fatalf("iteration %d: user should still be online", i)
		}

		registry.Evict(old.ID)
		registry.Evict(next.ID)
		last, _ = recorder.last()
		if last || registry.IsOnline(1) {
			t.Fatalf("iteration %d: user should be offline after full disconnect (last=%v)", i, last)
		}
	}
}

func TestEvictIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	conn := NewConn(1, "alice", 8)
	registry.Admit(conn)

	if !registry.Evict(conn.ID) {
		t.Fatal("first eviction should report true")
	}
	if registry.Evict(conn.ID) {
		t.Fatal("second eviction should be a no-op")
	}
}

func TestSendToDeliversToAllUserConnections(t *testing.T) {
	registry := NewRegistry()
	a1 := NewConn(1, "alice", 8)
	a2 := NewConn(1, "alice", 8)
	b := NewConn(2, "bob", 8)
	registry.Admit(a1)
	registry.Admit(a2)
	registry.Admit(b)

	event := models.OutboundEvent{Type: models.EventError, Data: models.ErrorData{Message: "ping"}}
	if !registry.SendTo(1, event) {
		t.Fatal("SendTo should report delivery")
	}

	for _, conn := range []*Conn{a1, a2} {
		select {
		case payload := <-conn.Outbound():
			var decoded struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(payload, &decoded); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if decoded.Type != models.EventError {
				t.Fatalf("event type = %q, want %q", decoded.Type, models.EventError)
			}
		default:
			t.Fatalf("connection %s received nothing", conn.ID)
		}
	}

	select {
	case <-b.Outbound():
		t.Fatal("user 2 should not receive user 1's event")
	default:
	}
}

func TestSendToSkipsAndEvictsDeadConnection(t *testing.T) {
	registry := NewRegistry()
	recorder := &statusRecorder{}
	registry.OnStatusChange(recorder.record)

	healthy := NewConn(1, "alice", 8)
	dead := NewConn(1, "alice", 1)
	registry.Admit(healthy)
	registry.Admit(dead)

	// Fill the dead connection's queue so the next enqueue fails.
	if !dead.TrySend([]byte("{}")) {
		t.Fatal("priming send should succeed")
	}

	event := models.OutboundEvent{Type: models.EventError, Data: models.ErrorData{Message: "x"}}
	if !registry.SendTo(1, event) {
		t.Fatal("delivery to the healthy connection should still succeed")
	}

	select {
	case <-healthy.Outbound():
	default:
		t.Fatal("healthy connection should have received the event")
	}

	if got := registry.ConnCount(1); got != 1 {
		t.Fatalf("conn count after implicit eviction = %d, want 1", got)
	}
	// The user still has a live connection, so no offline transition.
	if got := recorder.count(false); got != 0 {
		t.Fatalf("offline transitions = %d, want 0", got)
	}
}

func TestSendToOfflineUserReportsFalse(t *testing.T) {
	registry := NewRegistry()
	if registry.SendTo(42, models.OutboundEvent{Type: models.EventError}) {
		t.Fatal("SendTo for an offline user should report false")
	}
}

func TestListOnlineSnapshot(t *testing.T) {
	registry := NewRegistry()
	registry.Admit(NewConn(3, "carol", 8))
	registry.Admit(NewConn(1, "alice", 8))
	registry.Admit(NewConn(2, "bob", 8))

	online := registry.ListOnline()
	want := []int64{1, 2, 3}
	if len(online) != len(want) {
		t.Fatalf("online = %v, want %v", online, want)
	}
	for i := range want {
		if online[i] != want[i] {
			t.Fatalf("online = %v, want %v", online, want)
		}
	}
}
