// internal/transcript/entry.go
package transcript

import (
	"encoding/json"
	"strings"
)

// Entry represents a single record in the append-only transcript log.
// The log is owned by the agent runtime; fields we do not model are preserved
// through the raw line bytes, never re-serialized from this struct.
type Entry struct {
	ID           string          `json:"id"`
	ParentID     *string         `json:"parentId"`
	Role         string          `json:"role"`
	Content      json.RawMessage `json:"content,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
	IsMeta       bool            `json:"isMeta,omitempty"`
	IsSideBranch bool            `json:"isSideBranch,omitempty"`
}

// Summary describes one checkpointable position in the transcript
type Summary struct {
	EntryID string `json:"entry_id"`
	Ordinal int    `json:"ordinal"`
	Preview string `json:"preview"`
	Text    string `json:"text"`
}

// contentBlock is the structured form a content payload may take
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

const previewLength = 100

// IsCheckpointable reports whether this entry is a user-turn boundary.
// Meta entries, side-branch entries and tool-result payloads (which carry the
// "user" role in the log format) do not count.
func (e *Entry) IsCheckpointable() bool {
	if e.Role != "user" || e.IsMeta || e.IsSideBranch || e.ID == "" {
		return false
	}
	return !e.isToolResult()
}

// isToolResult checks whether the content payload is a tool result rather
// than an actual user-authored turn
func (e *Entry) isToolResult() bool {
	if len(e.Content) == 0 {
		return false
	}

	var blocks []contentBlock
	if err := json.Unmarshal(e.Content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "tool_result" {
				return true
			}
		}
		return false
	}

	var single contentBlock
	if err := json.Unmarshal(e.Content, &single); err == nil {
		return single.Type == "tool_result"
	}

	return false
}

// Text extracts the human-readable text from the content payload
func (e *Entry) Text() string {
	if len(e.Content) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(e.Content, &text); err == nil {
		return text
	}

	var blocks []contentBlock
	if err := json.Unmarshal(e.Content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	return ""
}

// Preview returns the first previewLength runes of the entry text
func (e *Entry) Preview() string {
	text := e.Text()
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength])
}
