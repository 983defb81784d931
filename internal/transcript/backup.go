// internal/transcript/backup.go
package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Backups writes zstd-compressed copies of transcript logs before they are
// truncated. The backup is the only way back after a rewind, so it is taken
// before any destructive mutation.
type Backups struct {
	dir       string
	retention int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewBackups creates a backup writer storing at most retention backups per
// session under dir
func NewBackups(dir string, retention int) *Backups {
	encoder, _ := zstd.NewWriter(nil)
	decoder, _ := zstd.NewReader(nil)

	return &Backups{
		dir:       dir,
		retention: retention,
		encoder:   encoder,
		decoder:   decoder,
	}
}

// Save copies the log file into the backup directory, compressed, and prunes
// old backups beyond the retention count. Returns the backup path.
func (b *Backups) Save(logPath, sessionID string) (string, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return "", fmt.Errorf("read transcript for backup: %w", err)
	}

	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%d.jsonl.zst", sessionID, time.Now().UnixMilli())
	backupPath := filepath.Join(b.dir, name)

	compressed := b.encoder.EncodeAll(data, nil)
	if err := os.WriteFile(backupPath, compressed, 0644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	b.prune(sessionID)

	return backupPath, nil
}

// Restore decompresses a backup file and returns its contents
func (b *Backups) Restore(backupPath string) ([]byte, error) {
	compressed, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, err
	}
	return b.decoder.DecodeAll(compressed, nil)
}

// prune removes the oldest backups for a session beyond the retention count
func (b *Backups) prune(sessionID string) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), sessionID+"-") &&
			strings.HasSuffix(entry.Name(), ".jsonl.zst") {
			names = append(names, entry.Name())
		}
	}

	if len(names) <= b.retention {
		return
	}

	// Timestamps in the names make lexical order chronological
	sort.Strings(names)
	for _, name := range names[:len(names)-b.retention] {
		os.Remove(filepath.Join(b.dir, name))
	}
}
