package ws

import (
	"context"
	"sync"

	"goose-realtime/internal/store"
)

// MembershipIndex is a read-through cache of chat member lists used to
// compute fan-out targets. Entries live until explicitly invalidated by a
// membership-mutating operation. Access-control checks never trust the
// cache: IsMember always queries the store.
type MembershipIndex struct {
	chats store.ChatStore

	mu    sync.Mutex
	cache map[int64][]store.Member
}

func NewMembershipIndex(chats store.ChatStore) *MembershipIndex {
	return &MembershipIndex{
		chats: chats,
		cache: make(map[int64][]store.Member),
	}
}

// MembersOf returns the chat's member list, fetching from the store on first
// access and caching the result.
func (m *MembershipIndex) MembersOf(ctx context.Context, chatID int64) ([]store.Member, error) {
	m.mu.Lock()
	members, ok := m.cache[chatID]
	m.mu.Unlock()
	if ok {
		return members, nil
	}

	members, err := m.chats.ChatMembers(ctx, chatID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[chatID] = members
	m.mu.Unlock()
	return members, nil
}

// IsMember is the authoritative membership check. It bypasses the cache so
// access-control decisions see membership changes immediately.
func (m *MembershipIndex) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	return m.chats.IsChatMember(ctx, chatID, userID)
}

// Invalidate drops the cached member list for chatID. Callers mutating
// membership must invalidate so fan-out never targets a stale list for
// longer than one mutation.
func (m *MembershipIndex) Invalidate(chatID int64) {
	m.mu.Lock()
	delete(m.cache, chatID)
	m.mu.Unlock()
}
