// Package sqlite provides the SQLite-backed session store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"goose-realtime/internal/store"
	"goose-realtime/internal/store/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists users, chats, memberships, and messages in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite session store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateUser inserts a user with offline status.
func (s *Store) CreateUser(ctx context.Context, username, avatarURL string) (store.User, error) {
	if err := ctx.Err(); err != nil {
		return store.User{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return store.User{}, fmt.Errorf("username is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (username, avatar_url, status, created_at)
		 VALUES (?, ?, ?, ?)`,
		username,
		avatarURL,
		store.StatusOffline,
		toMillis(time.Now()),
	)
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return store.User{}, fmt.Errorf("create user id: %w", err)
	}
	return store.User{
		ID:        id,
		Username:  username,
		AvatarURL: avatarURL,
		Status:    store.StatusOffline,
	}, nil
}

// UserByID returns one user record.
func (s *Store) UserByID(ctx context.Context, userID int64) (store.User, error) {
	if err := ctx.Err(); err != nil {
		return store.User{}, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, username, avatar_url, status FROM users WHERE id = ?`,
		userID,
	)
	var user store.User
	err := row.Scan(&user.ID, &user.Username, &user.AvatarURL, &user.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, store.ErrNotFound
		}
		return store.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// UpdateUserStatus sets the user's presence status.
func (s *Store) UpdateUserStatus(ctx context.Context, userID int64, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !store.ValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE users SET status = ? WHERE id = ?`,
		status,
		userID,
	)
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user status result: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateChat inserts a chat shell with no members.
func (s *Store) CreateChat(ctx context.Context, chatType, name string) (store.Chat, error) {
	if err := ctx.Err(); err != nil {
		return store.Chat{}, err
	}
	chatType = strings.TrimSpace(chatType)
	if chatType == "" {
		chatType = "private"
	}

	now := time.Now()
	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO chats (type, name, created_at) VALUES (?, ?, ?)`,
		chatType,
		name,
		toMillis(now),
	)
	if err != nil {
		return store.Chat{}, fmt.Errorf("create chat: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return store.Chat{}, fmt.Errorf("create chat id: %w", err)
	}
	return store.Chat{
		ID:        id,
		Type:      chatType,
		Name:      name,
		CreatedAt: fromMillis(toMillis(now)),
	}, nil
}

// AddChatMember upserts one durable chat membership.
func (s *Store) AddChatMember(ctx context.Context, chatID, userID int64, role string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	role = strings.TrimSpace(role)
	if role == "" {
		role = store.RoleMember
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO chat_users (chat_id, user_id, role, joined_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(chat_id, user_id) DO UPDATE SET role = excluded.role`,
		chatID,
		userID,
		role,
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("add chat member: %w", err)
	}
	return nil
}

// RemoveChatMember deletes one durable chat membership.
func (s *Store) RemoveChatMember(ctx context.Context, chatID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM chat_users WHERE chat_id = ? AND user_id = ?`,
		chatID,
		userID,
	)
	if err != nil {
		return fmt.Errorf("remove chat member: %w", err)
	}
	return nil
}

// ChatMembers returns the chat's members joined with display fields,
// ordered by user id for deterministic fan-out.
func (s *Store) ChatMembers(ctx context.Context, chatID int64) ([]store.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT cu.user_id, cu.role, u.username, u.avatar_url
		 FROM chat_users cu
		 JOIN users u ON u.id = cu.user_id
		 WHERE cu.chat_id = ?
		 ORDER BY cu.user_id ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat members: %w", err)
	}
	defer rows.Close()

	var members []store.Member
	for rows.Next() {
		var member store.Member
		if err := rows.Scan(&member.UserID, &member.Role, &member.Username, &member.AvatarURL); err != nil {
			return nil, fmt.Errorf("list chat members: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chat members: %w", err)
	}
	return members, nil
}

// IsChatMember reports whether userID holds a durable membership in chatID.
func (s *Store) IsChatMember(ctx context.Context, chatID, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found int
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT 1 FROM chat_users WHERE chat_id = ? AND user_id = ?`,
		chatID,
		userID,
	)
	err := row.Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check chat member: %w", err)
	}
	return true, nil
}

// TouchChatActivity bumps the chat's last-message timestamp.
func (s *Store) TouchChatActivity(ctx context.Context, chatID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE chats SET last_message_at = ? WHERE id = ?`,
		toMillis(time.Now()),
		chatID,
	)
	if err != nil {
		return fmt.Errorf("touch chat activity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch chat activity result: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateMessage durably inserts one message. The write completes before the
// caller may broadcast the message to anyone.
func (s *Store) CreateMessage(ctx context.Context, msg store.NewMessage) (store.Message, error) {
	if err := ctx.Err(); err != nil {
		return store.Message{}, err
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return store.Message{}, fmt.Errorf("message content is required")
	}
	messageType := strings.TrimSpace(msg.MessageType)
	if messageType == "" {
		messageType = "text"
	}

	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return store.Message{}, fmt.Errorf("encode message metadata: %w", err)
	}

	now := time.Now()
	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (chat_id, sender_id, content, message_type, metadata, reply_to, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ChatID,
		msg.SenderID,
		content,
		messageType,
		string(metadataJSON),
		msg.ReplyTo,
		toMillis(now),
	)
	if err != nil {
		return store.Message{}, fmt.Errorf("create message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return store.Message{}, fmt.Errorf("create message id: %w", err)
	}
	return store.Message{
		ID:          id,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		Content:     content,
		MessageType: messageType,
		Metadata:    metadata,
		ReplyTo:     msg.ReplyTo,
		SentAt:      fromMillis(toMillis(now)),
	}, nil
}

// MessageByID returns one message joined with sender display fields.
func (s *Store) MessageByID(ctx context.Context, messageID int64) (store.Message, error) {
	if err := ctx.Err(); err != nil {
		return store.Message{}, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT m.id, m.chat_id, m.sender_id, m.content, m.message_type, m.metadata,
		        m.reply_to, m.sent_at, m.edited_at, m.deleted,
		        COALESCE(u.username, ''), COALESCE(u.avatar_url, '')
		 FROM messages m
		 LEFT JOIN users u ON u.id = m.sender_id
		 WHERE m.id = ?`,
		messageID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Message{}, store.ErrNotFound
		}
		return store.Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// MessagesByChat returns non-deleted chat messages in persistence order.
func (s *Store) MessagesByChat(ctx context.Context, chatID int64, limit, offset int) ([]store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT m.id, m.chat_id, m.sender_id, m.content, m.message_type, m.metadata,
		        m.reply_to, m.sent_at, m.edited_at, m.deleted,
		        COALESCE(u.username, ''), COALESCE(u.avatar_url, '')
		 FROM messages m
		 LEFT JOIN users u ON u.id = m.sender_id
		 WHERE m.chat_id = ? AND m.deleted = 0
		 ORDER BY m.sent_at ASC, m.id ASC
		 LIMIT ? OFFSET ?`,
		chatID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// MarkMessagesRead adds readerID to each message's read set and returns the
// IDs that were newly marked. INSERT OR IGNORE gives set semantics, so a
// repeat mark never produces a second receipt.
func (s *Store) MarkMessagesRead(ctx context.Context, messageIDs []int64, readerID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(messageIDs) == 0 {
		return nil, nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark read: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	readAt := toMillis(time.Now())
	var marked []int64
	for _, messageID := range messageIDs {
		result, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO read_receipts (message_id, user_id, read_at)
			 SELECT id, ?, ? FROM messages WHERE id = ?`,
			readerID,
			readAt,
			messageID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark message %d read: %w", messageID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("mark message %d read result: %w", messageID, err)
		}
		if affected > 0 {
			marked = append(marked, messageID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark read: %w", err)
	}
	return marked, nil
}

// UnreadCount counts non-deleted messages in chatID that userID neither sent
// nor read.
func (s *Store) UnreadCount(ctx context.Context, chatID, userID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COUNT(*)
		 FROM messages m
		 WHERE m.chat_id = ?
		   AND m.sender_id != ?
		   AND m.deleted = 0
		   AND NOT EXISTS (
		     SELECT 1 FROM read_receipts r
		     WHERE r.message_id = m.id AND r.user_id = ?
		   )`,
		chatID,
		userID,
		userID,
	)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (store.Message, error) {
	var (
		msg          store.Message
		metadataJSON string
		sentAt       int64
		editedAt     sql.NullInt64
		deleted      int
	)
	err := row.Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.SenderID,
		&msg.Content,
		&msg.MessageType,
		&metadataJSON,
		&msg.ReplyTo,
		&sentAt,
		&editedAt,
		&deleted,
		&msg.SenderUsername,
		&msg.SenderAvatar,
	)
	if err != nil {
		return store.Message{}, err
	}
	msg.SentAt = fromMillis(sentAt)
	if editedAt.Valid {
		at := fromMillis(editedAt.Int64)
		msg.EditedAt = &at
	}
	msg.Deleted = deleted != 0
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &msg.Metadata); err != nil {
			return store.Message{}, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return msg, nil
}

var _ store.Store = (*Store)(nil)
