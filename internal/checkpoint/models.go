// internal/checkpoint/models.go
package checkpoint

import (
	"errors"
	"fmt"
	"time"
)

// Checkpoint represents a named, restorable point in a session
type Checkpoint struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"session_id"`
	TranscriptSessionID string    `json:"transcript_session_id"`
	TargetEntryID       string    `json:"target_entry_id"`
	Preview             string    `json:"preview"`
	Ordinal             int       `json:"ordinal"`
	SnapshotRef         string    `json:"snapshot_ref,omitempty"`
	HasSnapshot         bool      `json:"has_snapshot"`
	CreatedAt           time.Time `json:"created_at"`
}

// RewindResult reports the per-axis outcome of a rewind operation.
// Chat and code rewinds are independent; overall success requires every
// requested axis to succeed.
type RewindResult struct {
	Success         bool   `json:"success"`
	ChatRewound     bool   `json:"chat_rewound"`
	CodeRewound     bool   `json:"code_rewound"`
	MessagesRemoved int    `json:"messages_removed"`
	FilesRestored   int    `json:"files_restored"`
	Error           string `json:"error,omitempty"`
}

// Sentinel errors for the checkpoint engine
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrNoTranscript       = errors.New("session has no transcript reference")
	ErrTargetNotFound     = errors.New("target entry not found in transcript")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrNoSnapshot         = errors.New("checkpoint has no snapshot")
)

// NewID derives a checkpoint ID from the session, transcript position and
// creation time. IDs sort by creation within a session.
func NewID(sessionID string, ordinal int, at time.Time) string {
	prefix := sessionID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("ck-%s-%d-%d", prefix, ordinal, at.UnixMilli())
}
