// internal/transcript/store.go
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrTargetNotFound is returned when a truncation target is absent from the log
var ErrTargetNotFound = errors.New("target entry not found in transcript log")

// Store locates and mutates per-session transcript logs under a root
// directory (the agent runtime's state directory)
type Store struct {
	root string
}

// NewStore creates a transcript store rooted at the given directory
func NewStore(root string) *Store {
	return &Store{root: root}
}

// line pairs the parsed entry with the raw bytes it came from. Raw bytes are
// what gets written back on truncation; unparseable lines keep a nil entry
// and are preserved verbatim.
type line struct {
	raw   []byte
	entry *Entry
}

// Locate finds the log file for a transcript session.
// The standard location is <root>/projects/<projectDir>/<sessionID>.jsonl;
// falls back to scanning the project directory for a matching file.
func (s *Store) Locate(projectDir, transcriptSessionID string) (string, error) {
	standard := filepath.Join(s.root, "projects", projectDir, transcriptSessionID+".jsonl")
	if _, err := os.Stat(standard); err == nil {
		return standard, nil
	}

	dir := filepath.Join(s.root, "projects", projectDir)
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") &&
				strings.Contains(entry.Name(), transcriptSessionID) {
				return filepath.Join(dir, entry.Name()), nil
			}
		}
	}

	return "", fmt.Errorf("transcript log not found for session %s", transcriptSessionID)
}

// readLines reads every line of the log, preserving raw bytes per line
func readLines(path string) ([]line, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []line
	scanner := bufio.NewScanner(file)

	// Increase buffer size for potentially large lines
	const maxCapacity = 1024 * 1024 // 1MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	for scanner.Scan() {
		raw := make([]byte, len(scanner.Bytes()))
		copy(raw, scanner.Bytes())

		l := line{raw: raw}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err == nil {
			l.entry = &entry
		}
		lines = append(lines, l)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning transcript: %w", err)
	}

	return lines, nil
}

// ListCheckpointable scans the log and returns the ordered user-turn
// boundaries. A missing log file yields an empty list, not an error: the
// session may not have been materialized by the agent runtime yet.
func (s *Store) ListCheckpointable(path string) ([]Summary, error) {
	lines, err := readLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, err
	}

	summaries := []Summary{}
	for _, l := range lines {
		if l.entry == nil || !l.entry.IsCheckpointable() {
			continue
		}
		summaries = append(summaries, Summary{
			EntryID: l.entry.ID,
			Ordinal: len(summaries),
			Preview: l.entry.Preview(),
			Text:    l.entry.Text(),
		})
	}

	return summaries, nil
}

// LastCheckpointable returns the newest checkpointable position, or nil when
// the log has none
func (s *Store) LastCheckpointable(path string) (*Summary, error) {
	summaries, err := s.ListCheckpointable(path)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return &summaries[len(summaries)-1], nil
}

// TruncateTo removes all log lines after the target entry, returning the
// number of lines discarded.
//
// With keepFollowingResponse the cut lands immediately before the next
// checkpointable entry after the target, keeping the assistant's reply. If no
// such entry exists the target is already the newest turn and the call is a
// zero-change no-op.
//
// The retained lines are written byte-identical to a temporary file in the
// log's directory which is then renamed over the original, so no reader ever
// observes a partially-written log.
func (s *Store) TruncateTo(path, targetID string, keepFollowingResponse bool) (int, error) {
	lines, err := readLines(path)
	if err != nil {
		return 0, err
	}

	targetIdx := -1
	for i, l := range lines {
		if l.entry != nil && l.entry.ID == targetID {
			targetIdx = i
			break
		}
	}
	if targetIdx == -1 {
		return 0, ErrTargetNotFound
	}

	cut := targetIdx + 1
	if keepFollowingResponse {
		next := -1
		for i := targetIdx + 1; i < len(lines); i++ {
			if lines[i].entry != nil && lines[i].entry.IsCheckpointable() {
				next = i
				break
			}
		}
		if next == -1 {
			// Target is the newest checkpoint; nothing to remove
			return 0, nil
		}
		cut = next
	}

	removed := len(lines) - cut
	if removed == 0 {
		return 0, nil
	}

	if err := writeAtomic(path, lines[:cut]); err != nil {
		return 0, err
	}

	return removed, nil
}

// writeAtomic writes the retained lines to a temp file in the same directory
// as the log and renames it over the original
func writeAtomic(path string, lines []line) error {
	dir := filepath.Dir(path)

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		if _, err := w.Write(l.raw); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write temp file: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write temp file: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Chmod(tmpPath, info.Mode()); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
