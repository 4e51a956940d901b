package worker

import (
	"context"
	"errors"
	"time"
)

// EchoRunner returns the task's description as its output. Useful for
// exercising the pipeline without a real coding action.
var EchoRunner TaskRunner = RunnerFunc(func(ctx context.Context, t TaskInput, worktreePath string) (map[string]any, error) {
	return map[string]any{"echoed": t.Description}, nil
})

// SleepRunner sleeps for the duration in metadata["duration"] (a Go
// duration string, default 1s), honoring ctx cancellation.
var SleepRunner TaskRunner = RunnerFunc(func(ctx context.Context, t TaskInput, worktreePath string) (map[string]any, error) {
	d := time.Second
	if raw, ok := t.Metadata["duration"]; ok {
		if parsed, err := time.ParseDuration(raw); err == nil {
			d = parsed
		}
	}
	select {
	case <-time.After(d):
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
})

// FailRunner always returns an error, used to exercise the retry and
// crash-recovery paths.
var FailRunner TaskRunner = RunnerFunc(func(ctx context.Context, t TaskInput, worktreePath string) (map[string]any, error) {
	return nil, errors.New("fail runner: simulated task failure")
})

// Registry maps a task's runner name (carried in its metadata, key
// "runner") to a TaskRunner. Unknown or absent names fall back to Echo.
type Registry struct {
	runners map[string]TaskRunner
	fallback TaskRunner
}

// NewRegistry returns a Registry seeded with the built-in echo/sleep/fail
// runners, matching the teacher's named-handler map.
func NewRegistry() *Registry {
	return &Registry{
		runners: map[string]TaskRunner{
			"echo":  EchoRunner,
			"sleep": SleepRunner,
			"fail":  FailRunner,
		},
		fallback: EchoRunner,
	}
}

// Register adds or replaces a named runner, e.g. a real coding-agent
// runner supplied by the embedding application.
func (r *Registry) Register(name string, runner TaskRunner) {
	r.runners[name] = runner
}

// Run dispatches to the runner named in t.Metadata["runner"], falling
// back to the registry's default if absent or unrecognized.
func (r *Registry) Run(ctx context.Context, t TaskInput, worktreePath string) (map[string]any, error) {
	name := t.Metadata["runner"]
	runner, ok := r.runners[name]
	if !ok {
		runner = r.fallback
	}
	return runner.Run(ctx, t, worktreePath)
}
