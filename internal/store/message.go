package store

import (
	"database/sql"
	"strings"
	"time"
)

// InsertMessage persists a new message.
func (db *DB) InsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, kind, body, media_url, reply_to_id, status, delivered_at, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.SenderID, m.Kind, m.Body, m.MediaURL, m.ReplyToID, m.Status, m.DeliveredAt, m.ReadAt, m.CreatedAt)
	return err
}

// GetMessage returns a message by id, nil when missing.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, chat_id, sender_id, kind, body, media_url, reply_to_id, status, delivered_at, read_at, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Kind, &m.Body, &m.MediaURL, &m.ReplyToID, &m.Status, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkDelivered advances a message from sent to delivered. The status
// guard keeps the transition monotonic; returns false when the message
// had already moved past sent.
func (db *DB) MarkDelivered(id string, at int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?, delivered_at = ?
		WHERE id = ? AND status = ?`, StatusDelivered, at, id, StatusSent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkMessagesRead advances the given messages to read. Messages already
// read are left untouched (monotonic guard).
func (db *DB) MarkMessagesRead(ids []string, at int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+4)
	args = append(args, StatusRead, at)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, StatusSent, StatusDelivered)
	_, err := db.Exec(`
		UPDATE messages SET status = ?, read_at = ?
		WHERE id IN (`+placeholders+`) AND status IN (?, ?)`,
		args...)
	return err
}

// UnreadBy returns messages in a chat authored by someone other than
// readerID that are not yet read, created at or before throughTs
// (throughTs <= 0 means no bound), oldest first.
func (db *DB) UnreadBy(chatID, readerID string, throughTs int64) ([]Message, error) {
	if throughTs <= 0 {
		throughTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, sender_id, kind, body, media_url, reply_to_id, status, delivered_at, read_at, created_at
		FROM messages
		WHERE chat_id = ? AND sender_id != ? AND status IN (?, ?) AND created_at <= ?
		ORDER BY created_at ASC`,
		chatID, readerID, StatusSent, StatusDelivered, throughTs)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// ListMessages returns a chat's history visible to viewerID using keyset
// pagination by creation time, newest first. Messages the viewer has
// hidden are excluded.
func (db *DB) ListMessages(chatID, viewerID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT m.id, m.chat_id, m.sender_id, m.kind, m.body, m.media_url, m.reply_to_id, m.status, m.delivered_at, m.read_at, m.created_at
		FROM messages m
		WHERE m.chat_id = ? AND m.created_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM message_hides h
			WHERE h.message_id = m.id AND h.user_id = ?
		)
		ORDER BY m.created_at DESC
		LIMIT ?`, chatID, beforeTs, viewerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// HideMessage soft-deletes a message for one viewer only. Idempotent.
func (db *DB) HideMessage(messageID, userID string) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO message_hides (message_id, user_id)
		VALUES (?, ?)`, messageID, userID)
	return err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Kind, &m.Body, &m.MediaURL, &m.ReplyToID, &m.Status, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
