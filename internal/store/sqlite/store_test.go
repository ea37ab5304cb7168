package sqlite

import (
	"context"
	"errors"
	"testing"

	"goose-realtime/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/goose.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, username string) store.User {
	t.Helper()
	user, err := s.CreateUser(context.Background(), username, "")
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return user
}

func seedChat(t *testing.T, s *Store, users ...store.User) store.Chat {
	t.Helper()
	chat, err := s.CreateChat(context.Background(), "group", "test chat")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	for i, user := range users {
		role := store.RoleMember
		if i == 0 {
			role = store.RoleAdmin
		}
		if err := s.AddChatMember(context.Background(), chat.ID, user.ID, role); err != nil {
			t.Fatalf("add member %d: %v", user.ID, err)
		}
	}
	return chat
}

func TestUserLifecycle(t *testing.T) {
	s := openTestStore(t)

	alice := seedUser(t, s, "alice")
	if alice.Status != store.StatusOffline {
		t.Fatalf("new user status = %q, want %q", alice.Status, store.StatusOffline)
	}

	if err := s.UpdateUserStatus(context.Background(), alice.ID, store.StatusAway); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := s.UserByID(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Status != store.StatusAway || got.Username != "alice" {
		t.Fatalf("user = %+v, want away alice", got)
	}

	if err := s.UpdateUserStatus(context.Background(), alice.ID, "sleeping"); err == nil {
		t.Fatal("invalid status should be rejected")
	}
	if err := s.UpdateUserStatus(context.Background(), 999, store.StatusOnline); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update of missing user = %v, want ErrNotFound", err)
	}
	if _, err := s.UserByID(context.Background(), 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get missing user = %v, want ErrNotFound", err)
	}
}

func TestMembershipRoundTrip(t *testing.T) {
	s := openTestStore(t)
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	chat := seedChat(t, s, alice, bob)

	members, err := s.ChatMembers(context.Background(), chat.ID)
	if err != nil {
		t.Fatalf("chat members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	if members[0].UserID != alice.ID || members[0].Role != store.RoleAdmin || members[0].Username != "alice" {
		t.Fatalf("first member = %+v, want admin alice", members[0])
	}

	member, err := s.IsChatMember(context.Background(), chat.ID, bob.ID)
	if err != nil {
		t.Fatalf("is member: %v", err)
	}
	if !member {
		t.Fatal("bob should be a member")
	}

	if err := s.RemoveChatMember(context.Background(), chat.ID, bob.ID); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	member, err = s.IsChatMember(context.Background(), chat.ID, bob.ID)
	if err != nil {
		t.Fatalf("is member: %v", err)
	}
	if member {
		t.Fatal("bob should no longer be a member")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := openTestStore(t)
	alice := seedUser(t, s, "alice")
	chat := seedChat(t, s, alice)

	created, err := s.CreateMessage(context.Background(), store.NewMessage{
		ChatID:   chat.ID,
		SenderID: alice.ID,
		Content:  "hello",
		Metadata: map[string]interface{}{"kind": "greeting"},
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if created.MessageType != "text" {
		t.Fatalf("default message type = %q, want text", created.MessageType)
	}

	got, err := s.MessageByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Content != "hello" || got.SenderUsername != "alice" {
		t.Fatalf("message = %+v, want hello from alice", got)
	}
	if got.Metadata["kind"] != "greeting" {
		t.Fatalf("metadata = %v, want kind=greeting", got.Metadata)
	}

	replyTo := created.ID
	reply, err := s.CreateMessage(context.Background(), store.NewMessage{
		ChatID:   chat.ID,
		SenderID: alice.ID,
		Content:  "and again",
		ReplyTo:  &replyTo,
	})
	if err != nil {
		t.Fatalf("create reply: %v", err)
	}
	gotReply, err := s.MessageByID(context.Background(), reply.ID)
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	if gotReply.ReplyTo == nil || *gotReply.ReplyTo != created.ID {
		t.Fatalf("reply target = %v, want %d", gotReply.ReplyTo, created.ID)
	}

	messages, err := s.MessagesByChat(context.Background(), chat.ID, 50, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != created.ID {
		t.Fatalf("messages = %d in order %v, want 2 with the first one first", len(messages), messages)
	}

	if _, err := s.MessageByID(context.Background(), 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get missing message = %v, want ErrNotFound", err)
	}
	if _, err := s.CreateMessage(context.Background(), store.NewMessage{
		ChatID:   chat.ID,
		SenderID: alice.ID,
		Content:  "   ",
	}); err == nil {
		t.Fatal("blank content should be rejected")
	}
}

func TestMarkMessagesReadIsSetSemantics(t *testing.T) {
	s := openTestStore(t)
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	chat := seedChat(t, s, alice, bob)

	var messageIDs []int64
	for _, content := range []string{"one", "two"} {
		msg, err := s.CreateMessage(context.Background(), store.NewMessage{
			ChatID:   chat.ID,
			SenderID: alice.ID,
			Content:  content,
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		messageIDs = append(messageIDs, msg.ID)
	}

	count, err := s.UnreadCount(context.Background(), chat.ID, bob.ID)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 2 {
		t.Fatalf("unread = %d, want 2", count)
	}

	marked, err := s.MarkMessagesRead(context.Background(), messageIDs, bob.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(marked) != 2 {
		t.Fatalf("newly marked = %d, want 2", len(marked))
	}

	// Marking again yields nothing new.
	marked, err = s.MarkMessagesRead(context.Background(), messageIDs, bob.ID)
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if len(marked) != 0 {
		t.Fatalf("newly marked on repeat = %d, want 0", len(marked))
	}

	count, err = s.UnreadCount(context.Background(), chat.ID, bob.ID)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 0 {
		t.Fatalf("unread after read = %d, want 0", count)
	}

	// Unknown message ids are skipped, not marked.
	marked, err = s.MarkMessagesRead(context.Background(), []int64{999}, bob.ID)
	if err != nil {
		t.Fatalf("mark unknown: %v", err)
	}
	if len(marked) != 0 {
		t.Fatalf("marked unknown = %v, want none", marked)
	}
}

func TestTouchChatActivity(t *testing.T) {
	s := openTestStore(t)
	alice := seedUser(t, s, "alice")
	chat := seedChat(t, s, alice)

	if err := s.TouchChatActivity(context.Background(), chat.ID); err != nil {
		t.Fatalf("touch activity: %v", err)
	}
	if err := s.TouchChatActivity(context.Background(), 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("touch missing chat = %v, want ErrNotFound", err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/goose.db"

	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	alice := seedUser(t, s, "alice")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()

	got, err := s.UserByID(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("get user after reopen: %v", err)
	}
	if got.Username != "alice" {
		t.Fatalf("user after reopen = %+v, want alice", got)
	}
}
