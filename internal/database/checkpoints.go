// internal/database/checkpoints.go
package database

import (
	"database/sql"
	"time"

	"backtrack/internal/checkpoint"
)

// CreateCheckpoint persists a checkpoint index row.
// The UNIQUE(session_id, target_entry_id) constraint enforces idempotency.
func (d *Database) CreateCheckpoint(cp *checkpoint.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	var snapshotRef interface{}
	if cp.SnapshotRef != "" {
		snapshotRef = cp.SnapshotRef
	}

	_, err := d.db.Exec(`
		INSERT INTO checkpoints (id, session_id, transcript_session_id, target_entry_id, preview, ordinal, snapshot_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.TranscriptSessionID, cp.TargetEntryID,
		cp.Preview, cp.Ordinal, snapshotRef, cp.CreatedAt)
	return err
}

// GetCheckpoint retrieves a checkpoint by ID, or nil if it does not exist
func (d *Database) GetCheckpoint(sessionID, checkpointID string) (*checkpoint.Checkpoint, error) {
	row := d.db.QueryRow(`
		SELECT id, session_id, transcript_session_id, target_entry_id, preview, ordinal, snapshot_ref, created_at
		FROM checkpoints WHERE session_id = ? AND id = ?`, sessionID, checkpointID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

// GetCheckpointByTargetEntry retrieves the checkpoint for a transcript entry,
// or nil if none exists. Used for idempotent creation.
func (d *Database) GetCheckpointByTargetEntry(sessionID, entryID string) (*checkpoint.Checkpoint, error) {
	row := d.db.QueryRow(`
		SELECT id, session_id, transcript_session_id, target_entry_id, preview, ordinal, snapshot_ref, created_at
		FROM checkpoints WHERE session_id = ? AND target_entry_id = ?`, sessionID, entryID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

// ListCheckpoints retrieves all checkpoints for a session in ordinal order
func (d *Database) ListCheckpoints(sessionID string) ([]*checkpoint.Checkpoint, error) {
	rows, err := d.db.Query(`
		SELECT id, session_id, transcript_session_id, target_entry_id, preview, ordinal, snapshot_ref, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY ordinal`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointRow(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// DeleteCheckpointsAfterOrdinal removes all checkpoints whose ordinal exceeds
// the given position, returning the number of rows deleted
func (d *Database) DeleteCheckpointsAfterOrdinal(sessionID string, ordinal int) (int, error) {
	result, err := d.db.Exec(`
		DELETE FROM checkpoints WHERE session_id = ? AND ordinal > ?`, sessionID, ordinal)
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// AttachSnapshotRef records a snapshot reference on an existing checkpoint.
// This is the only in-place mutation a checkpoint row ever receives.
func (d *Database) AttachSnapshotRef(sessionID, checkpointID, snapshotRef string) error {
	_, err := d.db.Exec(`
		UPDATE checkpoints SET snapshot_ref = ? WHERE session_id = ? AND id = ?`,
		snapshotRef, sessionID, checkpointID)
	return err
}

func scanCheckpoint(row *sql.Row) (*checkpoint.Checkpoint, error) {
	cp := &checkpoint.Checkpoint{}
	var snapshotRef sql.NullString

	err := row.Scan(&cp.ID, &cp.SessionID, &cp.TranscriptSessionID, &cp.TargetEntryID,
		&cp.Preview, &cp.Ordinal, &snapshotRef, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}

	if snapshotRef.Valid {
		cp.SnapshotRef = snapshotRef.String
		cp.HasSnapshot = true
	}
	return cp, nil
}

func scanCheckpointRow(rows *sql.Rows) (*checkpoint.Checkpoint, error) {
	cp := &checkpoint.Checkpoint{}
	var snapshotRef sql.NullString

	err := rows.Scan(&cp.ID, &cp.SessionID, &cp.TranscriptSessionID, &cp.TargetEntryID,
		&cp.Preview, &cp.Ordinal, &snapshotRef, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}

	if snapshotRef.Valid {
		cp.SnapshotRef = snapshotRef.String
		cp.HasSnapshot = true
	}
	return cp, nil
}
