package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PairKey normalizes an unordered user pair into the key that enforces
// one direct chat per pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// CreateDirectChat returns the direct chat between a and b, creating it
// (with both participant rows) when it does not exist yet.
func (db *DB) CreateDirectChat(a, b string) (*Chat, error) {
	key := PairKey(a, b)
	if c, err := db.chatByPairKey(key); err != nil || c != nil {
		return c, err
	}

	now := time.Now().UnixMilli()
	chat := &Chat{ID: uuid.New().String(), Kind: ChatDirect, PairKey: key, CreatedAt: now, UpdatedAt: now}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO chats (id, kind, pair_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		chat.ID, chat.Kind, chat.PairKey, now, now); err != nil {
		// Lost a race with a concurrent create for the same pair.
		if c, lookupErr := db.chatByPairKey(key); lookupErr == nil && c != nil {
			return c, nil
		}
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	for _, userID := range []string{a, b} {
		if _, err := tx.Exec(`
			INSERT INTO chat_participants (chat_id, user_id, active)
			VALUES (?, ?, 1)`,
			chat.ID, userID); err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit chat: %w", err)
	}
	return chat, nil
}

func (db *DB) chatByPairKey(key string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, kind, pair_key, created_at, updated_at
		FROM chats WHERE kind = ? AND pair_key = ?`, ChatDirect, key).
		Scan(&c.ID, &c.Kind, &c.PairKey, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChat returns a chat by id, nil when missing.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, kind, pair_key, created_at, updated_at
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &c.PairKey, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Participants returns every participant row of a chat, active or not.
func (db *DB) Participants(chatID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT chat_id, user_id, active, unread_count, last_seen_message_id, muted, pinned
		FROM chat_participants WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ChatID, &p.UserID, &p.Active, &p.UnreadCount, &p.LastSeenMessageID, &p.Muted, &p.Pinned); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// IsActiveParticipant reports whether userID is an active member of chatID.
func (db *DB) IsActiveParticipant(chatID, userID string) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM chat_participants
		WHERE chat_id = ? AND user_id = ? AND active = 1`, chatID, userID).Scan(&n)
	return n > 0, err
}

// ChatIDsForUser returns every chat the user is an active participant of.
func (db *DB) ChatIDsForUser(userID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT chat_id FROM chat_participants
		WHERE user_id = ? AND active = 1`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IncrementUnread bumps the unread counter of every active participant
// except the sender.
func (db *DB) IncrementUnread(chatID, exceptUserID string) error {
	_, err := db.Exec(`
		UPDATE chat_participants SET unread_count = unread_count + 1
		WHERE chat_id = ? AND user_id != ? AND active = 1`, chatID, exceptUserID)
	return err
}

// ResetUnread zeroes the reader's unread counter and advances their
// last-seen-message pointer.
func (db *DB) ResetUnread(chatID, userID, lastSeenMessageID string) error {
	_, err := db.Exec(`
		UPDATE chat_participants SET unread_count = 0, last_seen_message_id = ?
		WHERE chat_id = ? AND user_id = ?`, lastSeenMessageID, chatID, userID)
	return err
}

// UnreadCounts returns the per-participant unread counters for a chat.
func (db *DB) UnreadCounts(chatID string) (map[string]int, error) {
	rows, err := db.Query(`
		SELECT user_id, unread_count FROM chat_participants
		WHERE chat_id = ? AND active = 1`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var userID string
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, err
		}
		counts[userID] = n
	}
	return counts, rows.Err()
}

// SetParticipantActive flips a participant's membership-active flag.
func (db *DB) SetParticipantActive(chatID, userID string, active bool) error {
	_, err := db.Exec(`
		UPDATE chat_participants SET active = ?
		WHERE chat_id = ? AND user_id = ?`, active, chatID, userID)
	return err
}

// SetChatFlags updates a participant's muted/pinned flags.
func (db *DB) SetChatFlags(chatID, userID string, muted, pinned bool) error {
	_, err := db.Exec(`
		UPDATE chat_participants SET muted = ?, pinned = ?
		WHERE chat_id = ? AND user_id = ?`, muted, pinned, chatID, userID)
	return err
}
