package worker

import "context"

// TaskInput is the subset of a task a TaskRunner needs to do its work.
type TaskInput struct {
	ID          string
	Title       string
	Description string
	Metadata    map[string]string
}

// TaskRunner executes one task's underlying action inside worktreePath
// and returns a structured result. The real AI/coding action is out of
// scope here; TaskRunner is the pluggable slot for it (spec.md §4.7), so
// the runtime around it is fully testable without a live model client.
// Cancellation is cooperative: ctx is cancelled when the Master requests
// cancel, and a runner should finish its current indivisible step and
// return promptly once it observes that.
type TaskRunner interface {
	Run(ctx context.Context, t TaskInput, worktreePath string) (map[string]any, error)
}

// RunnerFunc adapts a plain function to the TaskRunner interface.
type RunnerFunc func(ctx context.Context, t TaskInput, worktreePath string) (map[string]any, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, t TaskInput, worktreePath string) (map[string]any, error) {
	return f(ctx, t, worktreePath)
}
