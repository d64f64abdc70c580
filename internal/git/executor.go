package git

import (
	"context"
)

// WorktreeDirName is the directory under the repository root where
// per-worker worktrees are created. It is added to .git/info/exclude so
// agent sessions never see their own sandbox as untracked noise.
const WorktreeDirName = ".buildd-worktrees"

// Stats summarizes the commits a session produced. Zero values mean the
// underlying git command failed or reported nothing; callers treat every
// field as best-effort.
type Stats struct {
	CommitCount   int
	FilesChanged  int
	LinesAdded    int
	LinesRemoved  int
	LastCommitSHA string
}

// GitExecutor defines the git operations the runner performs around a
// session. This abstraction allows for easy testing with mock
// implementations.
type GitExecutor interface {
	// IsGitRepo reports whether the working directory is inside a git
	// repository.
	IsGitRepo(ctx context.Context) bool

	// HeadSHA resolves the current HEAD commit.
	HeadSHA(ctx context.Context) (string, error)

	// DefaultBranch detects the repository's default branch.
	// Order: remote HEAD → main/master existence → "main".
	DefaultBranch(ctx context.Context) (string, error)

	// Stats collects post-session change statistics. Each underlying
	// command runs under its own short timeout and failures are
	// individually ignored; fallbackCommits seeds CommitCount when the
	// rev-list count is unavailable.
	Stats(ctx context.Context, defaultBranch string, fallbackCommits int) Stats

	// SetupWorktree prepares an isolated worktree for branch based on
	// origin/<defaultBranch>, cleaning any leftovers from earlier runs.
	// Returns the worktree path.
	SetupWorktree(ctx context.Context, branch, defaultBranch string) (string, error)

	// CleanupWorktree removes a worktree created by SetupWorktree,
	// falling back to a plain directory removal when git refuses.
	CleanupWorktree(ctx context.Context, path string) error

	// PruneWorktrees removes stale worktree references.
	PruneWorktrees(ctx context.Context) error

	// ResetHard moves the working tree back to the given commit.
	ResetHard(ctx context.Context, sha string) error
}

// Factory builds an executor bound to a working directory. The manager
// creates one executor per session working directory.
type Factory func(workDir string) GitExecutor
