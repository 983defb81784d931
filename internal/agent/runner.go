// internal/agent/runner.go
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"backtrack/internal/database"
)

// TurnConfig describes one prompt sent to the agent CLI
type TurnConfig struct {
	SessionID           string `json:"session_id"`
	ProjectPath         string `json:"project_path"`
	Prompt              string `json:"prompt"`
	Model               string `json:"model,omitempty"`
	TranscriptSessionID string `json:"transcript_session_id,omitempty"`
}

// Recorder persists turns into the hub's relational message history
type Recorder interface {
	AddMessage(msg *database.Message) (int64, error)
	UpdateSessionTranscriptID(sessionID, transcriptSessionID string) error
}

// Emitter forwards agent runtime output to connected callers
type Emitter interface {
	EmitAgentOutput(sessionID string, output interface{})
	EmitAgentError(sessionID string, err string)
	EmitAgentComplete(sessionID string, result interface{})
}

// Turn is a single non-interactive run of the agent CLI. The CLI owns the
// transcript log; we only forward its JSONL stream and mirror the turn into
// the relational history.
type Turn struct {
	Config    TurnConfig
	Status    string // "created", "running", "completed", "failed", "cancelled"
	StartedAt time.Time

	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	mu        sync.RWMutex
	done      chan struct{}
	readers   sync.WaitGroup
	cancelled bool

	assistantText string
}

// Runner launches agent turns and tracks the running one per session
type Runner struct {
	binary   string
	recorder Recorder
	emitter  Emitter

	mu    sync.RWMutex
	turns map[string]*Turn
}

// NewRunner creates a Runner using the given agent CLI binary
func NewRunner(binary string, recorder Recorder, emitter Emitter) *Runner {
	return &Runner{
		binary:   binary,
		recorder: recorder,
		emitter:  emitter,
		turns:    make(map[string]*Turn),
	}
}

// Run starts a turn for a session. Only one turn may run per session.
func (r *Runner) Run(ctx context.Context, config TurnConfig) (*Turn, error) {
	r.mu.Lock()
	if existing, ok := r.turns[config.SessionID]; ok && existing.IsRunning() {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s already has a running turn", config.SessionID)
	}

	turn := &Turn{
		Config: config,
		Status: "created",
		done:   make(chan struct{}),
	}
	r.turns[config.SessionID] = turn
	r.mu.Unlock()

	if err := r.start(ctx, turn); err != nil {
		return nil, err
	}
	return turn, nil
}

// Running returns the running turn for a session, if any
func (r *Runner) Running(sessionID string) *Turn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	turn, ok := r.turns[sessionID]
	if !ok || !turn.IsRunning() {
		return nil
	}
	return turn
}

// start launches the CLI process and begins streaming its output
func (r *Runner) start(ctx context.Context, turn *Turn) error {
	turn.mu.Lock()
	defer turn.mu.Unlock()

	args := []string{}

	// Resume flag goes before the prompt
	if turn.Config.TranscriptSessionID != "" {
		args = append(args, "--resume", turn.Config.TranscriptSessionID)
	}

	args = append(args, "-p", turn.Config.Prompt)

	if turn.Config.Model != "" {
		args = append(args, "--model", turn.Config.Model)
	}

	args = append(args, "--output-format", "stream-json")
	args = append(args, "--verbose")

	log.Printf("[Agent] Starting turn for session %s with args: %v", turn.Config.SessionID, args)

	turn.cmd = exec.CommandContext(ctx, r.binary, args...)
	turn.cmd.Dir = turn.Config.ProjectPath
	turn.cmd.Env = os.Environ()

	var err error
	turn.stdout, err = turn.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	turn.stderr, err = turn.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := turn.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	turn.Status = "running"
	turn.StartedAt = time.Now()

	// The user turn is mirrored into the relational history immediately;
	// the assistant turn is recorded on completion
	if r.recorder != nil {
		_, err := r.recorder.AddMessage(&database.Message{
			SessionID: turn.Config.SessionID,
			Role:      "user",
			Content:   turn.Config.Prompt,
		})
		if err != nil {
			log.Printf("[Agent] Failed to record user message: %v", err)
		}
	}

	turn.readers.Add(2)
	go r.readOutput(turn, turn.stdout)
	go r.readOutput(turn, turn.stderr)
	go r.waitForCompletion(turn)

	return nil
}

// readOutput streams JSONL lines from the CLI to the event hub and collects
// the assistant's text
func (r *Runner) readOutput(turn *Turn, reader io.ReadCloser) {
	defer turn.readers.Done()

	scanner := bufio.NewScanner(reader)
	// Increase buffer size for large JSON outputs
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		var msg map[string]interface{}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			if r.emitter != nil {
				r.emitter.EmitAgentOutput(turn.Config.SessionID, map[string]interface{}{
					"type":    "raw",
					"content": line,
				})
			}
			continue
		}

		// The init message carries the runtime's own session identifier,
		// which names the transcript log file
		if msg["type"] == "system" && msg["subtype"] == "init" {
			if id, ok := msg["session_id"].(string); ok && id != "" && r.recorder != nil {
				if err := r.recorder.UpdateSessionTranscriptID(turn.Config.SessionID, id); err != nil {
					log.Printf("[Agent] Failed to record transcript session ID: %v", err)
				}
			}
		}

		if msg["type"] == "assistant" {
			turn.collectAssistantText(msg)
		}

		if r.emitter != nil {
			r.emitter.EmitAgentOutput(turn.Config.SessionID, msg)
		}
	}

	if err := scanner.Err(); err != nil && r.emitter != nil {
		r.emitter.EmitAgentError(turn.Config.SessionID, err.Error())
	}
}

// collectAssistantText accumulates text blocks from assistant messages
func (t *Turn) collectAssistantText(msg map[string]interface{}) {
	message, ok := msg["message"].(map[string]interface{})
	if !ok {
		return
	}
	blocks, ok := message["content"].([]interface{})
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		if block["type"] == "text" {
			if text, ok := block["text"].(string); ok {
				if t.assistantText != "" {
					t.assistantText += "\n"
				}
				t.assistantText += text
			}
		}
	}
}

// waitForCompletion waits for the CLI to exit and records the assistant turn
func (r *Runner) waitForCompletion(turn *Turn) {
	// Drain both pipes before Wait so no output is lost and the collected
	// assistant text is complete
	turn.readers.Wait()
	err := turn.cmd.Wait()

	turn.mu.Lock()
	if turn.cancelled {
		turn.Status = "cancelled"
	} else if err != nil {
		turn.Status = "failed"
	} else {
		turn.Status = "completed"
	}
	status := turn.Status
	text := turn.assistantText
	close(turn.done)
	turn.mu.Unlock()

	if status == "completed" && text != "" && r.recorder != nil {
		_, err := r.recorder.AddMessage(&database.Message{
			SessionID: turn.Config.SessionID,
			Role:      "assistant",
			Content:   text,
		})
		if err != nil {
			log.Printf("[Agent] Failed to record assistant message: %v", err)
		}
	}

	if r.emitter != nil {
		r.emitter.EmitAgentComplete(turn.Config.SessionID, map[string]interface{}{
			"status":  status,
			"success": status == "completed",
		})
	}
}

// Terminate stops the running turn for a session
func (r *Runner) Terminate(sessionID string) error {
	turn := r.Running(sessionID)
	if turn == nil {
		return fmt.Errorf("no running turn for session %s", sessionID)
	}
	return turn.terminate()
}

func (t *Turn) terminate() error {
	t.mu.Lock()
	if t.cmd == nil || t.cmd.Process == nil {
		t.mu.Unlock()
		return fmt.Errorf("no running process")
	}
	t.cancelled = true
	proc := t.cmd.Process
	t.mu.Unlock()

	// Try graceful termination first
	if err := proc.Signal(os.Interrupt); err != nil {
		return proc.Kill()
	}

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()

	select {
	case <-t.done:
		return nil
	case <-timer.C:
		return proc.Kill()
	}
}

// IsRunning returns whether the turn is currently running
func (t *Turn) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status == "running"
}

// Wait blocks until the turn finishes
func (t *Turn) Wait() {
	<-t.done
}
