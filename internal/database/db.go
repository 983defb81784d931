// internal/database/db.go
package database

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Database wraps the SQLite database connection
type Database struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	d := &Database{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// init creates the database schema
func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		project_path TEXT NOT NULL,
		transcript_session_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		transcript_session_id TEXT NOT NULL,
		target_entry_id TEXT NOT NULL,
		preview TEXT NOT NULL DEFAULT '',
		ordinal INTEGER NOT NULL,
		snapshot_ref TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(session_id, target_entry_id)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, ordinal);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// SaveSetting saves or updates a setting
func (d *Database) SaveSetting(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)`, key, value, time.Now())
	return err
}

// GetSetting retrieves a setting by key
func (d *Database) GetSetting(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	return value, err
}

// CreateSession creates a new session record
func (d *Database) CreateSession(session *Session) error {
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := d.db.Exec(`
		INSERT INTO sessions (id, name, project_path, transcript_session_id, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Name, session.ProjectPath, session.TranscriptSessionID,
		session.Model, session.CreatedAt, session.UpdatedAt)
	return err
}

// GetSession retrieves a session by ID
func (d *Database) GetSession(id string) (*Session, error) {
	row := d.db.QueryRow(`
		SELECT id, name, project_path, transcript_session_id, model, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	session := &Session{}
	err := row.Scan(&session.ID, &session.Name, &session.ProjectPath,
		&session.TranscriptSessionID, &session.Model, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions retrieves all sessions, newest first
func (d *Database) ListSessions() ([]*Session, error) {
	rows, err := d.db.Query(`
		SELECT id, name, project_path, transcript_session_id, model, created_at, updated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session := &Session{}
		err := rows.Scan(&session.ID, &session.Name, &session.ProjectPath,
			&session.TranscriptSessionID, &session.Model, &session.CreatedAt, &session.UpdatedAt)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSessionName renames a session
func (d *Database) UpdateSessionName(id, name string) error {
	_, err := d.db.Exec(`
		UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now(), id)
	return err
}

// UpdateSessionTranscriptID records the transcript-session identifier reported
// by the agent runtime. The two IDs differ: the runtime owns its own.
func (d *Database) UpdateSessionTranscriptID(id, transcriptSessionID string) error {
	_, err := d.db.Exec(`
		UPDATE sessions SET transcript_session_id = ?, updated_at = ? WHERE id = ?`,
		transcriptSessionID, time.Now(), id)
	return err
}

// DeleteSession deletes a session along with its messages and checkpoints
func (d *Database) DeleteSession(id string) error {
	if _, err := d.db.Exec("DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return err
	}
	if _, err := d.db.Exec("DELETE FROM checkpoints WHERE session_id = ?", id); err != nil {
		return err
	}
	_, err := d.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}
