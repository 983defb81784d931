// internal/checkpoint/manager_test.go
package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"backtrack/internal/snapshot"
	"backtrack/internal/transcript"
)

// ===== Fakes =====

type fakeResolver struct {
	ref *SessionRef
	err error
}

func (f *fakeResolver) ResolveSession(sessionID string) (*SessionRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ref, nil
}

type fakeIndex struct {
	checkpoints []*Checkpoint
}

func (f *fakeIndex) CreateCheckpoint(cp *Checkpoint) error {
	for _, existing := range f.checkpoints {
		if existing.SessionID == cp.SessionID && existing.TargetEntryID == cp.TargetEntryID {
			return errors.New("UNIQUE constraint failed")
		}
	}
	f.checkpoints = append(f.checkpoints, cp)
	return nil
}

func (f *fakeIndex) GetCheckpoint(sessionID, checkpointID string) (*Checkpoint, error) {
	for _, cp := range f.checkpoints {
		if cp.SessionID == sessionID && cp.ID == checkpointID {
			return cp, nil
		}
	}
	return nil, nil
}

func (f *fakeIndex) GetCheckpointByTargetEntry(sessionID, entryID string) (*Checkpoint, error) {
	for _, cp := range f.checkpoints {
		if cp.SessionID == sessionID && cp.TargetEntryID == entryID {
			return cp, nil
		}
	}
	return nil, nil
}

func (f *fakeIndex) ListCheckpoints(sessionID string) ([]*Checkpoint, error) {
	var out []*Checkpoint
	for _, cp := range f.checkpoints {
		if cp.SessionID == sessionID {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (f *fakeIndex) DeleteCheckpointsAfterOrdinal(sessionID string, ordinal int) (int, error) {
	var kept []*Checkpoint
	deleted := 0
	for _, cp := range f.checkpoints {
		if cp.SessionID == sessionID && cp.Ordinal > ordinal {
			deleted++
			continue
		}
		kept = append(kept, cp)
	}
	f.checkpoints = kept
	return deleted, nil
}

type fakeHistory struct {
	ids         []int64
	deletedFrom int64
}

func (f *fakeHistory) UserMessageIDs(sessionID string) ([]int64, error) {
	return f.ids, nil
}

func (f *fakeHistory) DeleteMessagesFrom(sessionID string, id int64) (int, error) {
	f.deletedFrom = id
	deleted := 0
	var kept []int64
	for _, existing := range f.ids {
		if existing >= id {
			deleted++
			continue
		}
		kept = append(kept, existing)
	}
	f.ids = kept
	return deleted, nil
}

type fakeSnapshots struct {
	captureRef   string
	restoreFiles int
	restoreErr   error
	captures     int
	restores     int
}

func (f *fakeSnapshots) IsVersioned(workingDir string) bool { return f.captureRef != "" }

func (f *fakeSnapshots) Capture(ctx context.Context, workingDir, message string) string {
	f.captures++
	return f.captureRef
}

func (f *fakeSnapshots) Restore(ctx context.Context, workingDir, ref string) (int, error) {
	f.restores++
	if f.restoreErr != nil {
		return 0, f.restoreErr
	}
	return f.restoreFiles, nil
}

func (f *fakeSnapshots) List(workingDir string, limit int) ([]snapshot.Info, error) {
	return []snapshot.Info{}, nil
}

type fakeBackups struct {
	saved int
	err   error
}

func (f *fakeBackups) Save(logPath, sessionID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.saved++
	return logPath + ".bak", nil
}

type fakeEmitter struct {
	created []*Checkpoint
	rewinds []*RewindResult
}

func (f *fakeEmitter) EmitCheckpointCreated(cp *Checkpoint) { f.created = append(f.created, cp) }
func (f *fakeEmitter) EmitRewindCompleted(sessionID string, result *RewindResult) {
	f.rewinds = append(f.rewinds, result)
}

// ===== Harness =====

var managerTestLines = []string{
	`{"id":"u0","parentId":null,"role":"user","content":"first question","timestamp":"2026-01-01T10:00:00Z"}`,
	`{"id":"a0","parentId":"u0","role":"assistant","content":[{"type":"text","text":"first answer"}]}`,
	`{"id":"u1","parentId":"a0","role":"user","content":"second question"}`,
	`{"id":"a1","parentId":"u1","role":"assistant","content":[{"type":"text","text":"second answer"}]}`,
	`{"id":"u2","parentId":"a1","role":"user","content":"third question"}`,
	`{"id":"a2","parentId":"u2","role":"assistant","content":[{"type":"text","text":"third answer"}]}`,
}

type harness struct {
	manager   *Manager
	index     *fakeIndex
	history   *fakeHistory
	snapshots *fakeSnapshots
	backups   *fakeBackups
	emitter   *fakeEmitter
	logPath   string
}

// newHarness builds a manager over a real on-disk transcript log and in-memory
// collaborators
func newHarness(t *testing.T, logLines []string) *harness {
	t.Helper()

	root := t.TempDir()
	projectDir := "test-project"
	logDir := filepath.Join(root, "projects", projectDir)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		t.Fatal(err)
	}

	logPath := filepath.Join(logDir, "tr-1.jsonl")
	if len(logLines) > 0 {
		content := strings.Join(logLines, "\n") + "\n"
		if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	h := &harness{
		index:     &fakeIndex{},
		history:   &fakeHistory{ids: []int64{10, 20, 30}},
		snapshots: &fakeSnapshots{captureRef: "snap-abc"},
		backups:   &fakeBackups{},
		emitter:   &fakeEmitter{},
		logPath:   logPath,
	}

	h.manager = NewManager(Options{
		Resolver: &fakeResolver{ref: &SessionRef{
			SessionID:           "sess-1",
			WorkingDir:          "/tmp/workspace",
			ProjectDir:          projectDir,
			TranscriptSessionID: "tr-1",
		}},
		Transcripts: transcript.NewStore(root),
		Snapshots:   h.snapshots,
		Index:       h.index,
		History:     h.history,
		Backups:     h.backups,
		Emitter:     h.emitter,
	})

	return h
}

// ===== CreateCheckpoint =====

func TestCreateCheckpoint(t *testing.T) {
	h := newHarness(t, managerTestLines)
	ctx := context.Background()

	cp, err := h.manager.CreateCheckpoint(ctx, "sess-1", "", true)
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if cp == nil {
		t.Fatal("Expected a checkpoint")
	}

	if cp.TargetEntryID != "u2" || cp.Ordinal != 2 {
		t.Errorf("Expected checkpoint at u2 ordinal 2, got %s ordinal %d", cp.TargetEntryID, cp.Ordinal)
	}
	if cp.Preview != "third question" {
		t.Errorf("Expected preview 'third question', got '%s'", cp.Preview)
	}
	if !cp.HasSnapshot || cp.SnapshotRef != "snap-abc" {
		t.Errorf("Expected snapshot captured, got %+v", cp)
	}
	if !strings.HasPrefix(cp.ID, "ck-sess-1-2-") {
		t.Errorf("Unexpected checkpoint ID: %s", cp.ID)
	}

	if len(h.index.checkpoints) != 1 {
		t.Errorf("Expected 1 indexed checkpoint, got %d", len(h.index.checkpoints))
	}
	if len(h.emitter.created) != 1 {
		t.Errorf("Expected 1 created event, got %d", len(h.emitter.created))
	}
}

func TestCreateCheckpointIdempotent(t *testing.T) {
	h := newHarness(t, managerTestLines)
	ctx := context.Background()

	first, err := h.manager.CreateCheckpoint(ctx, "sess-1", "", true)
	if err != nil {
		t.Fatal(err)
	}

	// The transcript has not grown; a second call returns the same checkpoint
	second, err := h.manager.CreateCheckpoint(ctx, "sess-1", "", true)
	if err != nil {
		t.Fatalf("Second CreateCheckpoint failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected same checkpoint, got %s and %s", first.ID, second.ID)
	}

	if len(h.index.checkpoints) != 1 {
		t.Errorf("Expected 1 indexed checkpoint, got %d", len(h.index.checkpoints))
	}
	if len(h.emitter.created) != 1 {
		t.Errorf("Expected 1 created event, got %d", len(h.emitter.created))
	}
	if h.snapshots.captures != 1 {
		t.Errorf("Expected 1 snapshot capture, got %d", h.snapshots.captures)
	}
}

func TestCreateCheckpointNoPositions(t *testing.T) {
	// Only non-checkpointable entries in the log
	h := newHarness(t, []string{
		`{"id":"a0","role":"assistant","content":[{"type":"text","text":"greeting"}]}`,
		`{"id":"m0","role":"user","content":"note","isMeta":true}`,
	})

	cp, err := h.manager.CreateCheckpoint(context.Background(), "sess-1", "", true)
	if err != nil {
		t.Fatalf("Expected nil error, got %v", err)
	}
	if cp != nil {
		t.Errorf("Expected nil checkpoint for empty transcript, got %+v", cp)
	}
}

func TestCreateCheckpointUnmaterializedSession(t *testing.T) {
	// No log file on disk at all
	h := newHarness(t, nil)

	cp, err := h.manager.CreateCheckpoint(context.Background(), "sess-1", "", true)
	if err != nil || cp != nil {
		t.Errorf("Expected (nil, nil) for unmaterialized session, got (%+v, %v)", cp, err)
	}
}

func TestCreateCheckpointWithoutSnapshot(t *testing.T) {
	h := newHarness(t, managerTestLines)

	cp, err := h.manager.CreateCheckpoint(context.Background(), "sess-1", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if cp.HasSnapshot || cp.SnapshotRef != "" {
		t.Errorf("Expected no snapshot, got %+v", cp)
	}
	if h.snapshots.captures != 0 {
		t.Errorf("Expected no capture calls, got %d", h.snapshots.captures)
	}
}

func TestCreateCheckpointUnversionedWorkspace(t *testing.T) {
	h := newHarness(t, managerTestLines)
	h.snapshots.captureRef = "" // capture degrades to no reference

	cp, err := h.manager.CreateCheckpoint(context.Background(), "sess-1", "", true)
	if err != nil {
		t.Fatalf("Expected creation to succeed without a snapshot, got %v", err)
	}
	if cp.HasSnapshot {
		t.Error("Expected no snapshot on unversioned workspace")
	}
}

func TestCreateCheckpointSessionErrors(t *testing.T) {
	h := newHarness(t, managerTestLines)
	h.manager.resolver = &fakeResolver{err: ErrSessionNotFound}

	if _, err := h.manager.CreateCheckpoint(context.Background(), "nope", "", true); err != ErrSessionNotFound {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

// ===== Rewind =====

func seedCheckpoint(h *harness, id, target string, ordinal int, snapshotRef string) *Checkpoint {
	cp := &Checkpoint{
		ID:                  id,
		SessionID:           "sess-1",
		TranscriptSessionID: "tr-1",
		TargetEntryID:       target,
		Ordinal:             ordinal,
		SnapshotRef:         snapshotRef,
		HasSnapshot:         snapshotRef != "",
	}
	h.index.checkpoints = append(h.index.checkpoints, cp)
	return cp
}

func TestRewindChatAndCode(t *testing.T) {
	h := newHarness(t, managerTestLines)
	h.snapshots.restoreFiles = 5
	seedCheckpoint(h, "ck-1", "u1", 1, "snap-abc")
	seedCheckpoint(h, "ck-2", "u2", 2, "snap-def")

	result, err := h.manager.Rewind(context.Background(), "sess-1", "ck-1", true, true, true)
	if err != nil {
		t.Fatalf("Rewind failed: %v", err)
	}

	if !result.Success || !result.ChatRewound || !result.CodeRewound {
		t.Errorf("Expected full success, got %+v", result)
	}
	if result.MessagesRemoved != 2 {
		t.Errorf("Expected 2 lines removed, got %d", result.MessagesRemoved)
	}
	if result.FilesRestored != 5 {
		t.Errorf("Expected 5 files restored, got %d", result.FilesRestored)
	}

	// Backup taken before the log was touched
	if h.backups.saved != 1 {
		t.Errorf("Expected 1 backup, got %d", h.backups.saved)
	}

	// Relational history cut at the third user row
	if h.history.deletedFrom != 30 {
		t.Errorf("Expected history cut at id 30, got %d", h.history.deletedFrom)
	}

	// Later checkpoint pruned from the index
	if remaining, _ := h.index.ListCheckpoints("sess-1"); len(remaining) != 1 || remaining[0].ID != "ck-1" {
		t.Errorf("Expected only ck-1 remaining, got %+v", remaining)
	}

	if len(h.emitter.rewinds) != 1 {
		t.Errorf("Expected 1 rewind event, got %d", len(h.emitter.rewinds))
	}
}

func TestRewindMissingSnapshotIsPartialFailure(t *testing.T) {
	h := newHarness(t, managerTestLines)
	seedCheckpoint(h, "ck-1", "u1", 1, "")

	result, err := h.manager.Rewind(context.Background(), "sess-1", "ck-1", true, true, true)
	if err != nil {
		t.Fatalf("Rewind returned error instead of partial result: %v", err)
	}

	if result.Success {
		t.Error("Expected overall failure when a requested axis fails")
	}
	if !result.ChatRewound {
		t.Error("Expected chat axis to succeed independently")
	}
	if result.CodeRewound {
		t.Error("Expected code axis to fail without a snapshot")
	}
	if !strings.Contains(result.Error, "no snapshot") {
		t.Errorf("Expected snapshot failure in error, got '%s'", result.Error)
	}
}

func TestRewindChatOnly(t *testing.T) {
	h := newHarness(t, managerTestLines)
	seedCheckpoint(h, "ck-1", "u1", 1, "")

	result, err := h.manager.Rewind(context.Background(), "sess-1", "ck-1", true, false, true)
	if err != nil {
		t.Fatal(err)
	}

	// Code axis not requested; its absence does not count against success
	if !result.Success || !result.ChatRewound || result.CodeRewound {
		t.Errorf("Expected chat-only success, got %+v", result)
	}
	if h.snapshots.restores != 0 {
		t.Errorf("Expected no restore calls, got %d", h.snapshots.restores)
	}
}

func TestRewindCodeOnly(t *testing.T) {
	h := newHarness(t, managerTestLines)
	h.snapshots.restoreFiles = 3
	seedCheckpoint(h, "ck-1", "u1", 1, "snap-abc")
	before, _ := os.ReadFile(h.logPath)

	result, err := h.manager.Rewind(context.Background(), "sess-1", "ck-1", false, true, true)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Success || result.ChatRewound || !result.CodeRewound {
		t.Errorf("Expected code-only success, got %+v", result)
	}

	after, _ := os.ReadFile(h.logPath)
	if string(before) != string(after) {
		t.Error("Expected transcript untouched by code-only rewind")
	}
	if h.backups.saved != 0 {
		t.Errorf("Expected no backup for code-only rewind, got %d", h.backups.saved)
	}
}

func TestRewindBackupFailureAbortsChat(t *testing.T) {
	h := newHarness(t, managerTestLines)
	h.backups.err = errors.New("disk full")
	seedCheckpoint(h, "ck-1", "u1", 1, "")
	before, _ := os.ReadFile(h.logPath)

	result, err := h.manager.Rewind(context.Background(), "sess-1", "ck-1", true, false, true)
	if err != nil {
		t.Fatal(err)
	}

	if result.Success || result.ChatRewound {
		t.Errorf("Expected chat axis failure, got %+v", result)
	}
	if !strings.Contains(result.Error, "backup") {
		t.Errorf("Expected backup failure in error, got '%s'", result.Error)
	}

	// The log must be untouched when the backup could not be taken
	after, _ := os.ReadFile(h.logPath)
	if string(before) != string(after) {
		t.Error("Expected transcript untouched after backup failure")
	}
}

func TestRewindToNewestKeepResponse(t *testing.T) {
	h := newHarness(t, managerTestLines)
	seedCheckpoint(h, "ck-1", "u2", 2, "")
	historyBefore := len(h.history.ids)

	result, err := h.manager.Rewind(context.Background(), "sess-1", "ck-1", true, false, true)
	if err != nil {
		t.Fatal(err)
	}

	// Newest checkpoint with the response kept: a successful zero-change rewind
	if !result.Success || !result.ChatRewound {
		t.Errorf("Expected no-op success, got %+v", result)
	}
	if result.MessagesRemoved != 0 {
		t.Errorf("Expected 0 lines removed, got %d", result.MessagesRemoved)
	}
	if len(h.history.ids) != historyBefore {
		t.Error("Expected relational history untouched by no-op rewind")
	}
}

func TestRewindCheckpointNotFound(t *testing.T) {
	h := newHarness(t, managerTestLines)

	if _, err := h.manager.Rewind(context.Background(), "sess-1", "ck-missing", true, true, true); err != ErrCheckpointNotFound {
		t.Errorf("Expected ErrCheckpointNotFound, got %v", err)
	}
}

func TestRewindRestoreFailure(t *testing.T) {
	h := newHarness(t, managerTestLines)
	h.snapshots.restoreErr = errors.New("corrupt object")
	seedCheckpoint(h, "ck-1", "u1", 1, "snap-abc")

	result, err := h.manager.Rewind(context.Background(), "sess-1", "ck-1", false, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.CodeRewound {
		t.Errorf("Expected code axis failure, got %+v", result)
	}
	if !strings.Contains(result.Error, "corrupt object") {
		t.Errorf("Expected restore failure in error, got '%s'", result.Error)
	}
}

// ===== ListCheckpoints =====

func TestListCheckpoints(t *testing.T) {
	h := newHarness(t, managerTestLines)
	seedCheckpoint(h, "ck-1", "u0", 0, "")
	seedCheckpoint(h, "ck-2", "u1", 1, "snap-abc")

	checkpoints, err := h.manager.ListCheckpoints("sess-1")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(checkpoints) != 2 {
		t.Fatalf("Expected 2 checkpoints, got %d", len(checkpoints))
	}

	h.manager.resolver = &fakeResolver{err: ErrSessionNotFound}
	if _, err := h.manager.ListCheckpoints("nope"); err != ErrSessionNotFound {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}
