package store

import "database/sql"

// InsertCall persists a newly initiated call.
func (db *DB) InsertCall(c *Call) error {
	_, err := db.Exec(`
		INSERT INTO calls (id, chat_id, initiator_id, recipient_id, kind, status, reason, sdp_offer, sdp_answer, started_at, answered_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ChatID, c.InitiatorID, c.RecipientID, c.Kind, c.Status, c.Reason, c.SDPOffer, c.SDPAnswer, c.StartedAt, c.AnsweredAt, c.EndedAt, c.DurationMs)
	return err
}

// UpdateCall writes the mutable fields of a call record.
func (db *DB) UpdateCall(c *Call) error {
	_, err := db.Exec(`
		UPDATE calls SET status = ?, reason = ?, sdp_offer = ?, sdp_answer = ?, answered_at = ?, ended_at = ?, duration_ms = ?
		WHERE id = ?`,
		c.Status, c.Reason, c.SDPOffer, c.SDPAnswer, c.AnsweredAt, c.EndedAt, c.DurationMs, c.ID)
	return err
}

// GetCall returns a call by id, nil when missing.
func (db *DB) GetCall(id string) (*Call, error) {
	var c Call
	err := db.QueryRow(`
		SELECT id, chat_id, initiator_id, recipient_id, kind, status, reason, sdp_offer, sdp_answer, started_at, answered_at, ended_at, duration_ms
		FROM calls WHERE id = ?`, id).
		Scan(&c.ID, &c.ChatID, &c.InitiatorID, &c.RecipientID, &c.Kind, &c.Status, &c.Reason, &c.SDPOffer, &c.SDPAnswer, &c.StartedAt, &c.AnsweredAt, &c.EndedAt, &c.DurationMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendCandidate appends one ICE candidate to a call's ordered list.
func (db *DB) AppendCandidate(callID, senderID, candidate string, at int64) error {
	_, err := db.Exec(`
		INSERT INTO call_candidates (call_id, sender_id, candidate, created_at)
		VALUES (?, ?, ?, ?)`, callID, senderID, candidate, at)
	return err
}

// Candidates returns a call's ICE candidates in append order.
func (db *DB) Candidates(callID string) ([]Candidate, error) {
	rows, err := db.Query(`
		SELECT id, call_id, sender_id, candidate, created_at
		FROM call_candidates WHERE call_id = ? ORDER BY id ASC`, callID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cands []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.CallID, &c.SenderID, &c.Candidate, &c.CreatedAt); err != nil {
			return nil, err
		}
		cands = append(cands, c)
	}
	return cands, rows.Err()
}
