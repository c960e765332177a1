package store

import "database/sql"

// TouchLastSeen records when a user's last connection went away.
func (db *DB) TouchLastSeen(userID string, at int64) error {
	_, err := db.Exec(`
		INSERT INTO user_presence (user_id, last_seen) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_seen = excluded.last_seen`,
		userID, at)
	return err
}

// LastSeen returns a user's recorded last-seen time, 0 when unknown.
func (db *DB) LastSeen(userID string) (int64, error) {
	var at int64
	err := db.QueryRow(`SELECT last_seen FROM user_presence WHERE user_id = ?`, userID).Scan(&at)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return at, err
}
