package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/buildd-ai/runner/internal/log"
)

// Git-specific errors for worktree operations.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")
)

// Per-operation timeouts. Stats queries are quick; anything touching the
// network or rewriting the tree gets more room.
const (
	opTimeout       = 5 * time.Second
	resetTimeout    = 10 * time.Second
	worktreeTimeout = 30 * time.Second
	fetchTimeout    = 30 * time.Second
)

// Compile-time check that RealExecutor implements GitExecutor.
var _ GitExecutor = (*RealExecutor)(nil)

// RealExecutor implements GitExecutor by executing actual git commands.
type RealExecutor struct {
	workDir string
}

// NewRealExecutor creates a new RealExecutor rooted at workDir.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir}
}

// NewExecutor is the Factory used by the manager.
func NewExecutor(workDir string) GitExecutor {
	return NewRealExecutor(workDir)
}

// runGit executes a git command under the given timeout and discards output.
func (e *RealExecutor) runGit(ctx context.Context, timeout time.Duration, args ...string) error {
	_, err := e.runGitOutput(ctx, timeout, args...)
	return err
}

// runGitOutput executes a git command and returns trimmed stdout.
func (e *RealExecutor) runGitOutput(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), ctx.Err())
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	// Locked worktree: fatal: '<path>' is locked
	if strings.Contains(stderrLower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}

	// Not a git repository
	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo checks if the working directory is inside a git repository.
func (e *RealExecutor) IsGitRepo(ctx context.Context) bool {
	return e.runGit(ctx, opTimeout, "rev-parse", "--git-dir") == nil
}

// HeadSHA resolves the current HEAD commit.
func (e *RealExecutor) HeadSHA(ctx context.Context) (string, error) {
	return e.runGitOutput(ctx, opTimeout, "rev-parse", "HEAD")
}

// DefaultBranch detects the default branch name.
// Order: remote HEAD → main/master existence → fallback to "main".
func (e *RealExecutor) DefaultBranch(ctx context.Context) (string, error) {
	// Remote HEAD (works for cloned repos).
	// Returns: refs/remotes/origin/main -> extract "main"
	if ref, err := e.runGitOutput(ctx, opTimeout, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if i := strings.LastIndex(ref, "/"); i >= 0 && i < len(ref)-1 {
			return ref[i+1:], nil
		}
	}

	// Which of main/master exists locally.
	if err := e.runGit(ctx, opTimeout, "show-ref", "--verify", "--quiet", "refs/heads/main"); err == nil {
		return "main", nil
	}
	if err := e.runGit(ctx, opTimeout, "show-ref", "--verify", "--quiet", "refs/heads/master"); err == nil {
		return "master", nil
	}

	return "main", nil
}

// Stats collects post-session change statistics. Every command failure is
// ignored individually so a half-broken repo still yields partial stats.
func (e *RealExecutor) Stats(ctx context.Context, defaultBranch string, fallbackCommits int) Stats {
	var s Stats

	if sha, err := e.HeadSHA(ctx); err == nil {
		s.LastCommitSHA = sha
	}

	s.CommitCount = fallbackCommits
	if defaultBranch != "" {
		if out, err := e.runGitOutput(ctx, opTimeout, "rev-list", "--count", "HEAD", "^origin/"+defaultBranch); err == nil {
			if n, convErr := strconv.Atoi(out); convErr == nil {
				s.CommitCount = n
			}
		}
	}

	if out, err := e.runGitOutput(ctx, opTimeout, "diff", "--numstat", "HEAD~1"); err == nil {
		s.FilesChanged, s.LinesAdded, s.LinesRemoved = sumNumstat(out)
	}

	return s
}

// sumNumstat folds `git diff --numstat` output into totals. Binary files
// report "-" for both counters; they still count as changed files.
func sumNumstat(out string) (files, added, removed int) {
	for line := range strings.SplitSeq(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		files++
		if n, err := strconv.Atoi(parts[0]); err == nil {
			added += n
		}
		if n, err := strconv.Atoi(parts[1]); err == nil {
			removed += n
		}
	}
	return files, added, removed
}

// SetupWorktree prepares an isolated worktree for branch under the
// repository root. Leftovers from a previous run with the same branch are
// cleaned first so retries do not trip over stale state.
func (e *RealExecutor) SetupWorktree(ctx context.Context, branch, defaultBranch string) (string, error) {
	if err := e.ensureWorktreesExcluded(ctx); err != nil {
		log.Debug(log.CatGit, "could not exclude worktree dir", "error", err)
	}

	if err := e.runGit(ctx, fetchTimeout, "fetch", "origin"); err != nil {
		log.Warn(log.CatGit, "fetch before worktree add failed", "error", err)
	}

	target := filepath.Join(e.workDir, WorktreeDirName, branch)

	// Clean stale state: a crashed run may have left the worktree, its
	// directory, or the branch behind.
	_ = e.runGit(ctx, worktreeTimeout, "worktree", "remove", "--force", target)
	_ = os.RemoveAll(target)
	_ = e.runGit(ctx, worktreeTimeout, "worktree", "prune")
	_ = e.runGit(ctx, opTimeout, "branch", "-D", branch)

	if err := e.runGit(ctx, worktreeTimeout, "worktree", "add", "-b", branch, target, "origin/"+defaultBranch); err != nil {
		return "", err
	}

	log.Info(log.CatGit, "worktree created", "branch", branch, "path", target)
	return target, nil
}

// CleanupWorktree removes a worktree, falling back to a plain directory
// removal when git refuses, then prunes stale references.
func (e *RealExecutor) CleanupWorktree(ctx context.Context, path string) error {
	removeErr := e.runGit(ctx, worktreeTimeout, "worktree", "remove", "--force", path)
	if removeErr != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			_ = e.runGit(ctx, worktreeTimeout, "worktree", "prune")
			return fmt.Errorf("remove worktree %s: %w", path, removeErr)
		}
	}
	_ = e.runGit(ctx, worktreeTimeout, "worktree", "prune")
	return nil
}

// PruneWorktrees removes stale worktree references.
func (e *RealExecutor) PruneWorktrees(ctx context.Context) error {
	return e.runGit(ctx, worktreeTimeout, "worktree", "prune")
}

// ResetHard moves the working tree back to the given commit.
func (e *RealExecutor) ResetHard(ctx context.Context, sha string) error {
	return e.runGit(ctx, resetTimeout, "reset", "--hard", sha)
}

// ensureWorktreesExcluded appends the worktree directory to
// .git/info/exclude so sessions never see it as untracked.
func (e *RealExecutor) ensureWorktreesExcluded(ctx context.Context) error {
	gitDir, err := e.runGitOutput(ctx, opTimeout, "rev-parse", "--git-common-dir")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(gitDir) && e.workDir != "" {
		gitDir = filepath.Join(e.workDir, gitDir)
	}

	entry := WorktreeDirName + "/"
	excludePath := filepath.Join(gitDir, "info", "exclude")

	existing, err := os.ReadFile(excludePath) //nolint:gosec // G304: path derives from the repo's git dir
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for line := range strings.SplitSeq(string(existing), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return err
	}
	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"
	return os.WriteFile(excludePath, []byte(content), 0o644) //nolint:gosec // G306: matches git's own exclude file mode
}
