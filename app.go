// app.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"backtrack/internal/agent"
	"backtrack/internal/checkpoint"
	"backtrack/internal/config"
	"backtrack/internal/database"
	"backtrack/internal/eventhub"
	"backtrack/internal/snapshot"
	"backtrack/internal/transcript"
)

// App contains the core application state and managers. Its exported methods
// form the RPC surface served over the websocket.
type App struct {
	ctx    context.Context
	config *config.Config
	db     *database.Database
	hub    *eventhub.EventHub

	transcripts *transcript.Store
	snapshots   *snapshot.Store
	backups     *transcript.Backups
	manager     *checkpoint.Manager
	runner      *agent.Runner
	watcher     *transcript.Watcher

	mu           sync.RWMutex
	watchedPaths map[string]string // log path -> session ID
}

// NewApp creates an App instance
func NewApp() *App {
	return &App{
		watchedPaths: make(map[string]string),
	}
}

// Startup initializes all managers. Called once before serving.
func (a *App) Startup(ctx context.Context) error {
	a.ctx = ctx

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.config = cfg

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.db = db

	a.hub = eventhub.New()
	a.transcripts = transcript.NewStore(cfg.TranscriptRoot)
	a.snapshots = snapshot.NewStore()
	a.backups = transcript.NewBackups(cfg.BackupDir, cfg.Settings.BackupRetention)

	a.manager = checkpoint.NewManager(checkpoint.Options{
		Resolver:       &sessionResolver{db: db},
		Transcripts:    a.transcripts,
		Snapshots:      a.snapshots,
		Index:          db,
		History:        db,
		Backups:        a.backups,
		Emitter:        a.hub,
		CaptureTimeout: cfg.Settings.CaptureTimeout,
		RestoreTimeout: cfg.Settings.RestoreTimeout,
	})

	a.runner = agent.NewRunner(cfg.Settings.AgentBinary, db, a.hub)

	watcher, err := transcript.NewWatcher(500*time.Millisecond, a.onTranscriptChanged)
	if err != nil {
		return fmt.Errorf("create transcript watcher: %w", err)
	}
	a.watcher = watcher
	if err := a.watcher.Start(); err != nil {
		return err
	}

	log.Printf("[App] Started with database %s", cfg.DatabasePath)
	return nil
}

// Shutdown releases resources
func (a *App) Shutdown() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// SetBroadcaster attaches the websocket server to the event hub
func (a *App) SetBroadcaster(b eventhub.Broadcaster) {
	a.hub.SetBroadcaster(b)
}

// onTranscriptChanged forwards log growth to connected callers
func (a *App) onTranscriptChanged(path string) {
	a.mu.RLock()
	sessionID, ok := a.watchedPaths[path]
	a.mu.RUnlock()
	if !ok {
		return
	}

	a.hub.EmitTranscriptChanged(eventhub.TranscriptChangedEvent{
		SessionID: sessionID,
		Path:      path,
	})
}

// watchTranscript starts watching a session's log once its location is known
func (a *App) watchTranscript(sessionID string) {
	ref, err := (&sessionResolver{db: a.db}).ResolveSession(sessionID)
	if err != nil {
		return
	}

	path, err := a.transcripts.Locate(ref.ProjectDir, ref.TranscriptSessionID)
	if err != nil {
		return
	}

	a.mu.Lock()
	_, already := a.watchedPaths[path]
	a.watchedPaths[path] = sessionID
	a.mu.Unlock()

	if !already {
		if err := a.watcher.Watch(path); err != nil {
			log.Printf("[App] Failed to watch transcript %s: %v", path, err)
		}
	}
}

// ===== Session RPC surface =====

// CreateSession registers a new session for a project directory
func (a *App) CreateSession(name, projectPath, model string) (*database.Session, error) {
	session := &database.Session{
		ID:          uuid.New().String(),
		Name:        name,
		ProjectPath: projectPath,
		Model:       model,
	}
	if err := a.db.CreateSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns all sessions
func (a *App) ListSessions() ([]*database.Session, error) {
	return a.db.ListSessions()
}

// GetSession returns one session
func (a *App) GetSession(sessionID string) (*database.Session, error) {
	session, err := a.db.GetSession(sessionID)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrSessionNotFound
	}
	return session, err
}

// RenameSession updates a session's display name
func (a *App) RenameSession(sessionID, name string) error {
	return a.db.UpdateSessionName(sessionID, name)
}

// DeleteSession removes a session with its messages and checkpoints
func (a *App) DeleteSession(sessionID string) error {
	return a.db.DeleteSession(sessionID)
}

// ListMessages returns the session's relational message history
func (a *App) ListMessages(sessionID string) ([]*database.Message, error) {
	return a.db.ListMessages(sessionID)
}

// SendPrompt starts an agent turn for the session. A checkpoint is created
// automatically after the turn completes.
func (a *App) SendPrompt(sessionID, prompt string) error {
	session, err := a.GetSession(sessionID)
	if err != nil {
		return err
	}

	turn, err := a.runner.Run(a.ctx, agent.TurnConfig{
		SessionID:           sessionID,
		ProjectPath:         session.ProjectPath,
		Prompt:              prompt,
		Model:               session.Model,
		TranscriptSessionID: session.TranscriptSessionID,
	})
	if err != nil {
		return err
	}

	go func() {
		turn.Wait()
		a.watchTranscript(sessionID)
		if _, err := a.manager.CreateCheckpoint(a.ctx, sessionID, "", true); err != nil {
			log.Printf("[App] Auto checkpoint failed for session %s: %v", sessionID, err)
		}
	}()

	return nil
}

// TerminateTurn stops the session's running turn
func (a *App) TerminateTurn(sessionID string) error {
	return a.runner.Terminate(sessionID)
}

// ===== Checkpoint RPC surface =====

// CreateCheckpoint records a checkpoint at the newest transcript position
func (a *App) CreateCheckpoint(sessionID, description string, captureSnapshot bool) (*checkpoint.Checkpoint, error) {
	return a.manager.CreateCheckpoint(a.ctx, sessionID, description, captureSnapshot)
}

// ListCheckpoints returns the session's checkpoints in ordinal order
func (a *App) ListCheckpoints(sessionID string) ([]*checkpoint.Checkpoint, error) {
	return a.manager.ListCheckpoints(sessionID)
}

// Rewind rolls the session back to a checkpoint
func (a *App) Rewind(sessionID, checkpointID string, restoreChat, restoreCode, keepResponse bool) (*checkpoint.RewindResult, error) {
	return a.manager.Rewind(a.ctx, sessionID, checkpointID, restoreChat, restoreCode, keepResponse)
}

// ListSnapshots returns workspace snapshots for the session, newest first
func (a *App) ListSnapshots(sessionID string, limit int) ([]snapshot.Info, error) {
	return a.manager.ListSnapshots(sessionID, limit)
}

// ===== Collaborator adapters =====

// sessionResolver resolves hub sessions against the database
type sessionResolver struct {
	db *database.Database
}

func (r *sessionResolver) ResolveSession(sessionID string) (*checkpoint.SessionRef, error) {
	session, err := r.db.GetSession(sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, checkpoint.ErrSessionNotFound
		}
		return nil, err
	}

	if session.TranscriptSessionID == "" {
		return nil, checkpoint.ErrNoTranscript
	}

	return &checkpoint.SessionRef{
		SessionID:           session.ID,
		WorkingDir:          session.ProjectPath,
		ProjectDir:          config.TranscriptProjectDir(session.ProjectPath),
		TranscriptSessionID: session.TranscriptSessionID,
	}, nil
}
