// internal/snapshot/store.go
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// HiddenRef is the reference holding the snapshot history line. It is an
// orphan chain of full-tree commits with no common ancestor with the user's
// branches and is never checked out.
const HiddenRef = "refs/backtrack/snapshots"

// Info describes one snapshot on the hidden history line
type Info struct {
	Ref       string    `json:"ref"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store captures and restores point-in-time states of workspace directories.
// All operations on a non-versioned directory are no-ops reporting
// unavailable; version control is optional functionality.
type Store struct{}

// NewStore creates a snapshot store
func NewStore() *Store {
	return &Store{}
}

// IsVersioned reports whether the directory is a git work tree
func (s *Store) IsVersioned(workingDir string) bool {
	_, err := git.PlainOpen(workingDir)
	return err == nil
}

// Capture records the entire current state of the directory (tracked,
// modified and untracked files) on the hidden history line without touching
// the user's index, HEAD or checked-out files.
//
// Capture is best-effort: any failure degrades to returning the current HEAD
// reference with a warning, never an error, so checkpoint creation is never
// aborted by a snapshot problem.
func (s *Store) Capture(ctx context.Context, workingDir, message string) string {
	if !s.IsVersioned(workingDir) {
		return ""
	}

	head, _ := runGit(ctx, workingDir, nil, "rev-parse", "--verify", "HEAD")

	status, err := runGit(ctx, workingDir, nil, "status", "--porcelain")
	if err != nil {
		log.Printf("[Snapshot] status failed in %s: %v", workingDir, err)
		return head
	}
	if status == "" && head != "" {
		// Nothing pending; the current state reference is the snapshot
		return head
	}

	ref, err := s.captureTree(ctx, workingDir, message)
	if err != nil {
		log.Printf("[Snapshot] capture failed in %s: %v", workingDir, err)
		return head
	}

	return ref
}

// captureTree stages the full tree into a throwaway index and commits it on
// the hidden history line
func (s *Store) captureTree(ctx context.Context, workingDir, message string) (string, error) {
	tmpIndex, err := os.CreateTemp("", "backtrack-index-")
	if err != nil {
		return "", fmt.Errorf("create temp index: %w", err)
	}
	tmpIndex.Close()
	os.Remove(tmpIndex.Name()) // git add recreates it
	defer os.Remove(tmpIndex.Name())

	env := []string{"GIT_INDEX_FILE=" + tmpIndex.Name()}

	if _, err := runGit(ctx, workingDir, env, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage tree: %w", err)
	}

	tree, err := runGit(ctx, workingDir, env, "write-tree")
	if err != nil {
		return "", fmt.Errorf("write tree: %w", err)
	}

	args := []string{"commit-tree", tree, "-m", message}
	// First capture has no parent; that initializes the hidden line
	if parent, err := runGit(ctx, workingDir, nil, "rev-parse", "--verify", HiddenRef); err == nil {
		args = append(args, "-p", parent)
	}

	commit, err := runGit(ctx, workingDir, nil, args...)
	if err != nil {
		return "", fmt.Errorf("commit tree: %w", err)
	}

	if _, err := runGit(ctx, workingDir, nil, "update-ref", HiddenRef, commit); err != nil {
		return "", fmt.Errorf("update ref: %w", err)
	}

	return commit, nil
}

// Restore discards all uncommitted and untracked changes in the directory and
// resets its content to exactly match the referenced snapshot tree. The
// user's HEAD and branch pointer are not moved.
//
// This is destructive and irreversible without a prior snapshot; callers must
// have confirmed intent. Returns the number of files written.
func (s *Store) Restore(ctx context.Context, workingDir, ref string) (int, error) {
	if !s.IsVersioned(workingDir) {
		return 0, fmt.Errorf("directory %s is not version controlled", workingDir)
	}

	if _, err := runGit(ctx, workingDir, nil, "cat-file", "-e", ref+"^{commit}"); err != nil {
		return 0, fmt.Errorf("snapshot %s not found: %w", ref, err)
	}

	treeList, err := runGit(ctx, workingDir, nil, "ls-tree", "-r", "--name-only", ref)
	if err != nil {
		return 0, fmt.Errorf("list snapshot tree: %w", err)
	}
	inSnapshot := make(map[string]bool)
	for _, name := range splitLines(treeList) {
		inSnapshot[name] = true
	}

	// Remove files (tracked or untracked) that the snapshot does not contain
	currentList, err := runGit(ctx, workingDir, nil, "ls-files", "-c", "-o", "--exclude-standard")
	if err != nil {
		return 0, fmt.Errorf("list working files: %w", err)
	}
	for _, name := range splitLines(currentList) {
		if !inSnapshot[name] {
			os.Remove(filepath.Join(workingDir, name))
		}
	}

	// Write the snapshot tree through a throwaway index so the user's own
	// index is untouched
	tmpIndex, err := os.CreateTemp("", "backtrack-index-")
	if err != nil {
		return 0, fmt.Errorf("create temp index: %w", err)
	}
	tmpIndex.Close()
	os.Remove(tmpIndex.Name())
	defer os.Remove(tmpIndex.Name())

	env := []string{"GIT_INDEX_FILE=" + tmpIndex.Name()}

	if _, err := runGit(ctx, workingDir, env, "read-tree", ref); err != nil {
		return 0, fmt.Errorf("read snapshot tree: %w", err)
	}
	if _, err := runGit(ctx, workingDir, env, "checkout-index", "-a", "-f"); err != nil {
		return 0, fmt.Errorf("checkout snapshot tree: %w", err)
	}

	return len(inSnapshot), nil
}

// List returns the snapshots on the hidden history line, newest first
func (s *Store) List(workingDir string, limit int) ([]Info, error) {
	repo, err := git.PlainOpen(workingDir)
	if err != nil {
		return nil, nil // not versioned: unavailable, not an error
	}

	ref, err := repo.Reference(plumbing.ReferenceName(HiddenRef), true)
	if err != nil {
		return []Info{}, nil // no snapshots yet
	}

	var infos []Info
	commit, err := repo.CommitObject(ref.Hash())
	for err == nil && commit != nil {
		infos = append(infos, Info{
			Ref:       commit.Hash.String(),
			Message:   strings.TrimSpace(commit.Message),
			Timestamp: commit.Committer.When,
		})
		if limit > 0 && len(infos) >= limit {
			break
		}
		if commit.NumParents() == 0 {
			break
		}
		commit, err = commit.Parent(0)
	}

	return infos, nil
}

// runGit executes a git command in the given directory with optional extra
// environment variables. go-git is used for repository introspection, but the
// plumbing commands (temp-index staging, commit-tree, checkout-index) go
// through the git binary.
func runGit(ctx context.Context, dir string, extraEnv []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w, stderr: %s", args[0], err, stderr.String())
	}

	return strings.TrimSpace(stdout.String()), nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
