// internal/eventhub/hub.go
package eventhub

import (
	"backtrack/internal/checkpoint"
)

// Broadcaster delivers events to connected callers
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// EventHub is the central event dispatch point. Components emit typed events;
// the hub forwards them to whatever broadcaster is attached.
type EventHub struct {
	broadcaster Broadcaster
}

// New creates a new EventHub
func New() *EventHub {
	return &EventHub{}
}

// SetBroadcaster attaches the websocket broadcaster
func (h *EventHub) SetBroadcaster(b Broadcaster) {
	h.broadcaster = b
}

// emit sends an event if a broadcaster is attached
func (h *EventHub) emit(eventName string, payload interface{}) {
	if h.broadcaster != nil {
		h.broadcaster.BroadcastEvent(eventName, payload)
	}
}

// Emit is the generic event sender
func (h *EventHub) Emit(eventName string, payload interface{}) {
	h.emit(eventName, payload)
}

// EmitCheckpointCreated announces a new checkpoint
func (h *EventHub) EmitCheckpointCreated(cp *checkpoint.Checkpoint) {
	h.emit("checkpoint:created", cp)
}

// EmitRewindCompleted announces the outcome of a rewind
func (h *EventHub) EmitRewindCompleted(sessionID string, result *checkpoint.RewindResult) {
	h.emit("rewind:completed", map[string]interface{}{
		"session_id": sessionID,
		"result":     result,
	})
}

// TranscriptChangedEvent signals growth of a session's transcript log
type TranscriptChangedEvent struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

func (h *EventHub) EmitTranscriptChanged(event TranscriptChangedEvent) {
	h.emit("transcript:changed", event)
}

// Agent output events, forwarded verbatim from the agent runtime

func (h *EventHub) EmitAgentOutput(sessionID string, output interface{}) {
	h.emit("agent-output", map[string]interface{}{
		"session_id": sessionID,
		"output":     output,
	})
}

func (h *EventHub) EmitAgentError(sessionID string, err string) {
	h.emit("agent-error", map[string]interface{}{
		"session_id": sessionID,
		"error":      err,
	})
}

func (h *EventHub) EmitAgentComplete(sessionID string, result interface{}) {
	h.emit("agent-complete", map[string]interface{}{
		"session_id": sessionID,
		"result":     result,
	})
}
