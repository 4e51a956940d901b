// Package session provides the minimal contract the Pool needs to give
// each running task an isolated terminal for its Worker process to run
// in. The terminal multiplexer's own internals (pane layout, scrollback
// policy) are out of scope; this package only models the contract.
package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/parallelctl/parallelctl/internal/logger"
)

// MultiplexerService starts and tears down a named session that a
// Worker process runs inside.
type MultiplexerService interface {
	// Start creates a new detached session named name running cmd, and
	// returns the session name for later reference.
	Start(ctx context.Context, name string, cmd []string) (string, error)
	// Stop kills the session named name, if it exists.
	Stop(ctx context.Context, name string) error
	// Exists reports whether a session named name is currently running.
	Exists(ctx context.Context, name string) (bool, error)
}

// TmuxService implements MultiplexerService by shelling out to tmux.
type TmuxService struct{}

// NewTmuxService returns a MultiplexerService backed by the tmux CLI.
func NewTmuxService() *TmuxService {
	return &TmuxService{}
}

// Start runs `tmux new-session -d -s <name> <cmd...>`.
func (s *TmuxService) Start(ctx context.Context, name string, cmd []string) (string, error) {
	args := append([]string{"new-session", "-d", "-s", name}, cmd...)
	out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("session: start %s: %w: %s", name, err, out)
	}

	logger.WithComponent("session").Info().Str("session", name).Msg("session started")
	return name, nil
}

// Stop runs `tmux kill-session -t <name>`.
func (s *TmuxService) Stop(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, "tmux", "kill-session", "-t", name).CombinedOutput()
	if err != nil {
		exists, existsErr := s.Exists(ctx, name)
		if existsErr == nil && !exists {
			return nil
		}
		return fmt.Errorf("session: stop %s: %w: %s", name, err, out)
	}

	logger.WithComponent("session").Info().Str("session", name).Msg("session stopped")
	return nil
}

// Exists runs `tmux has-session -t <name>`.
func (s *TmuxService) Exists(ctx context.Context, name string) (bool, error) {
	err := exec.CommandContext(ctx, "tmux", "has-session", "-t", name).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("session: check %s: %w", name, err)
}
