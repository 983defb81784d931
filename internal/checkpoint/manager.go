// internal/checkpoint/manager.go
package checkpoint

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"backtrack/internal/snapshot"
	"backtrack/internal/transcript"
)

// SessionRef is the resolved view of a session: where its workspace lives and
// which transcript log belongs to it
type SessionRef struct {
	SessionID           string
	WorkingDir          string
	ProjectDir          string
	TranscriptSessionID string
}

// SessionResolver resolves a hub session ID to its workspace and transcript
// reference. Implementations return ErrSessionNotFound / ErrNoTranscript.
type SessionResolver interface {
	ResolveSession(sessionID string) (*SessionRef, error)
}

// Index is the durable relational checkpoint index
type Index interface {
	CreateCheckpoint(cp *Checkpoint) error
	GetCheckpoint(sessionID, checkpointID string) (*Checkpoint, error)
	GetCheckpointByTargetEntry(sessionID, entryID string) (*Checkpoint, error)
	ListCheckpoints(sessionID string) ([]*Checkpoint, error)
	DeleteCheckpointsAfterOrdinal(sessionID string, ordinal int) (int, error)
}

// MessageHistory is the hub's relational message history, reconciled after a
// chat rewind
type MessageHistory interface {
	UserMessageIDs(sessionID string) ([]int64, error)
	DeleteMessagesFrom(sessionID string, id int64) (int, error)
}

// TranscriptStore is the adapter over the externally-owned transcript log
type TranscriptStore interface {
	Locate(projectDir, transcriptSessionID string) (string, error)
	ListCheckpointable(path string) ([]transcript.Summary, error)
	LastCheckpointable(path string) (*transcript.Summary, error)
	TruncateTo(path, targetID string, keepFollowingResponse bool) (int, error)
}

// SnapshotStore captures and restores workspace states
type SnapshotStore interface {
	IsVersioned(workingDir string) bool
	Capture(ctx context.Context, workingDir, message string) string
	Restore(ctx context.Context, workingDir, ref string) (int, error)
	List(workingDir string, limit int) ([]snapshot.Info, error)
}

// BackupStore copies a transcript log aside before it is mutated
type BackupStore interface {
	Save(logPath, sessionID string) (string, error)
}

// Emitter publishes checkpoint lifecycle events
type Emitter interface {
	EmitCheckpointCreated(cp *Checkpoint)
	EmitRewindCompleted(sessionID string, result *RewindResult)
}

// Manager orchestrates the transcript adapter, snapshot store and checkpoint
// index into createCheckpoint / listCheckpoints / rewind operations
type Manager struct {
	resolver    SessionResolver
	transcripts TranscriptStore
	snapshots   SnapshotStore
	index       Index
	history     MessageHistory
	backups     BackupStore
	emitter     Emitter

	captureTimeout time.Duration
	restoreTimeout time.Duration

	// One lock per session: concurrent truncation or capture against the
	// same log or working directory is unsafe. Different sessions proceed
	// in parallel.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options configures a Manager
type Options struct {
	Resolver       SessionResolver
	Transcripts    TranscriptStore
	Snapshots      SnapshotStore
	Index          Index
	History        MessageHistory
	Backups        BackupStore
	Emitter        Emitter
	CaptureTimeout time.Duration
	RestoreTimeout time.Duration
}

// NewManager creates a checkpoint manager
func NewManager(opts Options) *Manager {
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = 30 * time.Second
	}
	if opts.RestoreTimeout <= 0 {
		opts.RestoreTimeout = 120 * time.Second
	}

	return &Manager{
		resolver:       opts.Resolver,
		transcripts:    opts.Transcripts,
		snapshots:      opts.Snapshots,
		index:          opts.Index,
		history:        opts.History,
		backups:        opts.Backups,
		emitter:        opts.Emitter,
		captureTimeout: opts.CaptureTimeout,
		restoreTimeout: opts.RestoreTimeout,
	}
}

// sessionLock returns the mutex serializing operations for a session
func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks == nil {
		m.locks = make(map[string]*sync.Mutex)
	}
	lock, exists := m.locks[sessionID]
	if !exists {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// CreateCheckpoint records a checkpoint at the newest checkpointable position
// of the session's transcript, optionally capturing a workspace snapshot.
//
// Returns (nil, nil) when the transcript has no checkpointable position yet.
// Creation is idempotent: an existing checkpoint for the same transcript
// entry is returned unchanged.
func (m *Manager) CreateCheckpoint(ctx context.Context, sessionID, description string, captureSnapshot bool) (*Checkpoint, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ref, err := m.resolver.ResolveSession(sessionID)
	if err != nil {
		return nil, err
	}

	logPath, err := m.transcripts.Locate(ref.ProjectDir, ref.TranscriptSessionID)
	if err != nil {
		// Session not yet materialized by the agent runtime
		return nil, nil
	}

	last, err := m.transcripts.LastCheckpointable(logPath)
	if err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	if last == nil {
		return nil, nil
	}

	existing, err := m.index.GetCheckpointByTargetEntry(sessionID, last.EntryID)
	if err != nil {
		return nil, fmt.Errorf("lookup checkpoint: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	cp := &Checkpoint{
		ID:                  NewID(sessionID, last.Ordinal, now),
		SessionID:           sessionID,
		TranscriptSessionID: ref.TranscriptSessionID,
		TargetEntryID:       last.EntryID,
		Preview:             last.Preview,
		Ordinal:             last.Ordinal,
		CreatedAt:           now,
	}

	if captureSnapshot {
		message := description
		if message == "" {
			message = fmt.Sprintf("Checkpoint at turn %d: %s", last.Ordinal, last.Preview)
		}

		captureCtx, cancel := context.WithTimeout(ctx, m.captureTimeout)
		snapshotRef := m.snapshots.Capture(captureCtx, ref.WorkingDir, message)
		cancel()

		// A missing snapshot is not a failure of checkpoint creation
		if snapshotRef != "" {
			cp.SnapshotRef = snapshotRef
			cp.HasSnapshot = true
		}
	}

	if err := m.index.CreateCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}

	log.Printf("[Checkpoint] Created %s for session %s at ordinal %d (snapshot=%v)",
		cp.ID, sessionID, cp.Ordinal, cp.HasSnapshot)

	if m.emitter != nil {
		m.emitter.EmitCheckpointCreated(cp)
	}

	return cp, nil
}

// ListCheckpoints returns the session's checkpoints in ordinal order
func (m *Manager) ListCheckpoints(sessionID string) ([]*Checkpoint, error) {
	if _, err := m.resolver.ResolveSession(sessionID); err != nil {
		return nil, err
	}
	return m.index.ListCheckpoints(sessionID)
}

// ListSnapshots returns the workspace snapshots for a session, newest first
func (m *Manager) ListSnapshots(sessionID string, limit int) ([]snapshot.Info, error) {
	ref, err := m.resolver.ResolveSession(sessionID)
	if err != nil {
		return nil, err
	}
	return m.snapshots.List(ref.WorkingDir, limit)
}

// Rewind rolls the session back to a checkpoint. The chat and code axes are
// independent: each may be requested or skipped, and overall success requires
// every requested axis to succeed. Partial failure is reported with per-axis
// flags and is never rolled back automatically; the pre-truncation backup is
// the escape hatch.
func (m *Manager) Rewind(ctx context.Context, sessionID, targetCheckpointID string, restoreChat, restoreCode, keepResponse bool) (*RewindResult, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ref, err := m.resolver.ResolveSession(sessionID)
	if err != nil {
		return nil, err
	}

	cp, err := m.index.GetCheckpoint(sessionID, targetCheckpointID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, ErrCheckpointNotFound
	}

	result := &RewindResult{}
	var failures []string

	if restoreChat {
		if err := m.rewindChat(ref, cp, keepResponse, result); err != nil {
			failures = append(failures, fmt.Sprintf("chat rewind failed: %v", err))
		}
	}

	if restoreCode {
		if err := m.rewindCode(ctx, ref, cp, result); err != nil {
			failures = append(failures, fmt.Sprintf("code rewind failed: %v", err))
		}
	}

	result.Success = (!restoreChat || result.ChatRewound) && (!restoreCode || result.CodeRewound)
	result.Error = strings.Join(failures, "; ")

	log.Printf("[Checkpoint] Rewind session %s to %s: success=%v chat=%v code=%v removed=%d restored=%d",
		sessionID, targetCheckpointID, result.Success, result.ChatRewound, result.CodeRewound,
		result.MessagesRemoved, result.FilesRestored)

	if m.emitter != nil {
		m.emitter.EmitRewindCompleted(sessionID, result)
	}

	return result, nil
}

// rewindChat truncates the transcript log and reconciles the relational
// stores. The backup is taken before any destructive mutation; a backup
// failure aborts the axis with the log untouched.
func (m *Manager) rewindChat(ref *SessionRef, cp *Checkpoint, keepResponse bool, result *RewindResult) error {
	logPath, err := m.transcripts.Locate(ref.ProjectDir, ref.TranscriptSessionID)
	if err != nil {
		return ErrNoTranscript
	}

	if m.backups != nil {
		if _, err := m.backups.Save(logPath, ref.SessionID); err != nil {
			return fmt.Errorf("backup transcript: %w", err)
		}
	}

	removed, err := m.transcripts.TruncateTo(logPath, cp.TargetEntryID, keepResponse)
	if err != nil {
		return err
	}

	result.ChatRewound = true
	result.MessagesRemoved = removed

	// Reconcile the hub's own message history. The cut line is derived from
	// the count of retained checkpointable positions, not raw line counts:
	// the relational store and the transcript log may have drifted.
	retained := cp.Ordinal + 1
	ids, err := m.history.UserMessageIDs(ref.SessionID)
	if err != nil {
		log.Printf("[Checkpoint] Reconcile skipped for session %s: %v", ref.SessionID, err)
	} else if len(ids) > retained {
		if _, err := m.history.DeleteMessagesFrom(ref.SessionID, ids[retained]); err != nil {
			log.Printf("[Checkpoint] Reconcile failed for session %s: %v", ref.SessionID, err)
		}
	}

	// Checkpoints past the rewind point now reference removed entries
	if pruned, err := m.index.DeleteCheckpointsAfterOrdinal(ref.SessionID, cp.Ordinal); err != nil {
		log.Printf("[Checkpoint] Prune failed for session %s: %v", ref.SessionID, err)
	} else if pruned > 0 {
		log.Printf("[Checkpoint] Pruned %d checkpoints after ordinal %d for session %s",
			pruned, cp.Ordinal, ref.SessionID)
	}

	return nil
}

// rewindCode restores the workspace from the checkpoint's snapshot. A missing
// snapshot reference is a named failure, not a crash.
func (m *Manager) rewindCode(ctx context.Context, ref *SessionRef, cp *Checkpoint, result *RewindResult) error {
	if cp.SnapshotRef == "" {
		return ErrNoSnapshot
	}

	restoreCtx, cancel := context.WithTimeout(ctx, m.restoreTimeout)
	defer cancel()

	files, err := m.snapshots.Restore(restoreCtx, ref.WorkingDir, cp.SnapshotRef)
	if err != nil {
		return err
	}

	result.CodeRewound = true
	result.FilesRestored = files
	return nil
}
