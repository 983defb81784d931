// internal/database/messages.go
package database

import "time"

// AddMessage appends a message to a session's history
func (d *Database) AddMessage(msg *Message) (int64, error) {
	msg.CreatedAt = time.Now()

	result, err := d.db.Exec(`
		INSERT INTO messages (session_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	msg.ID = id
	return id, nil
}

// ListMessages retrieves all messages for a session in insertion order
func (d *Database) ListMessages(sessionID string) ([]*Message, error) {
	rows, err := d.db.Query(`
		SELECT id, session_id, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UserMessageIDs returns the IDs of user-authored rows in insertion order.
// Rewind reconciliation uses these to find its cut line.
func (d *Database) UserMessageIDs(sessionID string) ([]int64, error) {
	rows, err := d.db.Query(`
		SELECT id FROM messages WHERE session_id = ? AND role = 'user' ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountMessages returns the number of messages in a session's history
func (d *Database) CountMessages(sessionID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&count)
	return count, err
}

// DeleteMessage removes a single message by ID
func (d *Database) DeleteMessage(sessionID string, id int64) error {
	_, err := d.db.Exec("DELETE FROM messages WHERE session_id = ? AND id = ?", sessionID, id)
	return err
}

// DeleteMessagesFrom removes the given message and everything after it,
// returning the number of rows deleted
func (d *Database) DeleteMessagesFrom(sessionID string, id int64) (int, error) {
	result, err := d.db.Exec(`
		DELETE FROM messages WHERE session_id = ? AND id >= ?`, sessionID, id)
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
