// internal/transcript/backup_test.go
package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBackupSaveRestore(t *testing.T) {
	dir := t.TempDir()
	backups := NewBackups(filepath.Join(dir, "backups"), 3)

	logPath := filepath.Join(dir, "session.jsonl")
	content := strings.Join(testLogLines, "\n") + "\n"
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	backupPath, err := backups.Save(logPath, "sess-1")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !strings.HasSuffix(backupPath, ".jsonl.zst") {
		t.Errorf("Expected .jsonl.zst suffix, got %s", backupPath)
	}

	restored, err := backups.Restore(backupPath)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if string(restored) != content {
		t.Error("Expected restored bytes identical to the original log")
	}
}

func TestBackupSaveMissingLog(t *testing.T) {
	backups := NewBackups(t.TempDir(), 3)

	if _, err := backups.Save(filepath.Join(t.TempDir(), "missing.jsonl"), "sess-1"); err == nil {
		t.Error("Expected error for missing log")
	}
}

func TestBackupPrune(t *testing.T) {
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backups")
	backups := NewBackups(backupDir, 2)

	logPath := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(logPath, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// Pre-seed old backups with earlier timestamps than anything Save writes
	for _, name := range []string{
		"sess-1-1000000000000.jsonl.zst",
		"sess-1-1000000000001.jsonl.zst",
		"sess-2-1000000000000.jsonl.zst",
	} {
		if err := os.MkdirAll(backupDir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(backupDir, name), []byte("old"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	newest, err := backups.Save(logPath, "sess-1")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatal(err)
	}

	var sess1 []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "sess-1-") {
			sess1 = append(sess1, entry.Name())
		}
	}
	if len(sess1) != 2 {
		t.Errorf("Expected 2 retained backups for sess-1, got %d: %v", len(sess1), sess1)
	}

	// The newest backup survives, the oldest pre-seed is gone
	if _, err := os.Stat(newest); err != nil {
		t.Error("Expected newest backup to survive pruning")
	}
	if _, err := os.Stat(filepath.Join(backupDir, "sess-1-1000000000000.jsonl.zst")); !os.IsNotExist(err) {
		t.Error("Expected oldest backup to be pruned")
	}

	// Other sessions' backups are untouched
	if _, err := os.Stat(filepath.Join(backupDir, "sess-2-1000000000000.jsonl.zst")); err != nil {
		t.Error("Expected other session's backup to be untouched")
	}
}
