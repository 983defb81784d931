// internal/database/models.go
package database

import "time"

// Session represents a conversation session tracked by the hub.
// TranscriptSessionID is the identifier the agent runtime uses for its own
// log file and may differ from the hub's session ID.
type Session struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	ProjectPath         string    `json:"project_path"`
	TranscriptSessionID string    `json:"transcript_session_id"`
	Model               string    `json:"model"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Message represents one turn in the relational message history
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
