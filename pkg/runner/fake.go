package runner

import (
	"context"
	"sync"
)

// FakeRunner is a CommandRunner for tests. RunFunc decides the outcome of
// each call; when it is nil every command succeeds with empty output.
// Calls records every command in order.
type FakeRunner struct {
	RunFunc func(ctx context.Context, cmd Command) (*Result, error)

	mu    sync.Mutex
	calls []Command
}

// Run records cmd and delegates to RunFunc.
func (f *FakeRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	if f.RunFunc == nil {
		return &Result{}, nil
	}
	return f.RunFunc(ctx, cmd)
}

// Calls returns a copy of the recorded commands.
func (f *FakeRunner) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// Output is a helper for RunFunc implementations returning a successful
// result with the given stdout.
func Output(stdout string) *Result {
	return &Result{Stdout: []byte(stdout)}
}

// Failure is a helper for RunFunc implementations returning a non-zero exit.
func Failure(exitCode int, stderr string) *Result {
	return &Result{ExitCode: exitCode, Stderr: []byte(stderr)}
}

var _ CommandRunner = (*FakeRunner)(nil)
