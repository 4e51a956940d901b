package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parallelctl/parallelctl/internal/logger"
	"github.com/parallelctl/parallelctl/internal/session"
	"github.com/parallelctl/parallelctl/internal/worktree"
)

// Provisioner composes a Pool with the external collaborators a fresh
// Worker needs: a GitService to carve out its worktree and a
// MultiplexerService to launch the Worker Runtime detached (spec.md
// §4.3 — Provisioning composes GitService and MultiplexerService, then
// launches the Worker Runtime as an OS child process).
type Provisioner struct {
	pool       *Pool
	git        worktree.GitService
	mux        session.MultiplexerService
	workerBin  string
	mainBranch string
}

// NewProvisioner returns a Provisioner that launches workerBin as the
// Worker Runtime binary, rooted at mainBranch for new worktrees.
func NewProvisioner(p *Pool, git worktree.GitService, mux session.MultiplexerService, workerBin, mainBranch string) *Provisioner {
	return &Provisioner{pool: p, git: git, mux: mux, workerBin: workerBin, mainBranch: mainBranch}
}

// Launch provisions a worktree for taskID, registers a new Worker Record
// in StateOffline, and starts the Worker Runtime inside a detached
// multiplexer session. It does not wait for the Worker to connect — the
// caller observes that via the Pool transitioning to idle once the
// Worker completes its RPC registration handshake.
func (p *Provisioner) Launch(ctx context.Context, taskID string) (workerID, worktreePath string, err error) {
	workerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	p.pool.Provision(workerID)

	worktreePath, err = p.git.Create(ctx, taskID, p.mainBranch)
	if err != nil {
		return workerID, "", fmt.Errorf("pool: provision worktree: %w", err)
	}

	sessionName := sessionNameFor(workerID)
	cmd := []string{p.workerBin, "--worker-id", workerID, "--worktree", worktreePath}
	if _, err := p.mux.Start(ctx, sessionName, cmd); err != nil {
		_ = p.git.Remove(ctx, worktreePath)
		return workerID, "", fmt.Errorf("pool: launch worker process: %w", err)
	}

	if err := p.pool.SetWorktree(workerID, worktreePath); err != nil {
		logger.WithComponent("provisioner").Warn().Err(err).Str("worker_id", workerID).Msg("record worktree path")
	}

	return workerID, worktreePath, nil
}

// Teardown removes workerID's multiplexer session and worktree. The
// orchestrator calls it for a Worker that disconnected or was flagged
// crashed, and on shutdown for every Worker record that still holds a
// worktree path.
func (p *Provisioner) Teardown(ctx context.Context, workerID, worktreePath string) {
	sessionName := sessionNameFor(workerID)
	if exists, _ := p.mux.Exists(ctx, sessionName); exists {
		if err := p.mux.Stop(ctx, sessionName); err != nil {
			logger.WithComponent("provisioner").Warn().Err(err).Str("worker_id", workerID).Msg("stop session during teardown")
		}
	}
	if worktreePath != "" {
		if err := p.git.Remove(ctx, worktreePath); err != nil {
			logger.WithComponent("provisioner").Warn().Err(err).Str("worker_id", workerID).Msg("remove worktree during teardown")
		}
	}
}

// RegistrationDeadline returns how long Launch's caller should wait for
// the Worker to reach idle before treating the launch as failed.
func RegistrationDeadline(connectTimeout time.Duration) time.Duration {
	if connectTimeout <= 0 {
		return 30 * time.Second
	}
	return connectTimeout * 3
}

func sessionNameFor(workerID string) string {
	return "parallelctl-" + workerID
}
