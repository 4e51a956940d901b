// Package worktree provides the minimal contract the Pool needs to give
// each running task an isolated git checkout. The git worktree helper's
// own internals (branch naming policy, conflict resolution) are out of
// scope; this package only models the contract the Pool calls through.
package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/parallelctl/parallelctl/internal/logger"
)

// GitService provisions and tears down a per-task worktree.
type GitService interface {
	// Create adds a new worktree for taskID rooted under the service's
	// configured directory, branched from base. Returns the absolute
	// path to the new worktree.
	Create(ctx context.Context, taskID, base string) (string, error)
	// Remove removes the worktree at path, including any uncommitted
	// changes inside it.
	Remove(ctx context.Context, path string) error
}

// ExecGitService implements GitService by shelling out to the git CLI.
type ExecGitService struct {
	rootDir string
}

// NewExecGitService returns a GitService rooted at rootDir. rootDir must
// already exist: every git command runs with it as its working directory.
func NewExecGitService(rootDir string) *ExecGitService {
	return &ExecGitService{rootDir: rootDir}
}

// Create runs `git worktree add -b task-<taskID> <path> <base>`.
func (g *ExecGitService) Create(ctx context.Context, taskID, base string) (string, error) {
	path := filepath.Join(g.rootDir, fmt.Sprintf("task-%s", taskID))
	branch := fmt.Sprintf("task-%s", taskID)

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, base)
	cmd.Dir = g.rootDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("worktree: create %s: %w: %s", path, err, out)
	}

	logger.WithComponent("worktree").Info().
		Str("task_id", taskID).
		Str("path", path).
		Msg("worktree created")
	return path, nil
}

// Remove runs `git worktree remove --force <path>`.
func (g *ExecGitService) Remove(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = g.rootDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("worktree: remove %s: %w: %s", path, err, out)
	}

	logger.WithComponent("worktree").Info().Str("path", path).Msg("worktree removed")
	return nil
}
