// Package runner executes external tools as scoped, synchronous operations.
//
// A Command is a program plus a discrete argument vector; nothing is ever
// passed through a shell. Run captures stdout and stderr, enforces the
// command's timeout, and kills the whole process group when the deadline
// passes so no child is left orphaned.
package runner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrTimedOut is returned (wrapped) when a command exceeds its timeout.
var ErrTimedOut = errors.New("command timed out")

// waitDelay bounds how long Wait blocks on I/O after the process is killed.
const waitDelay = 2 * time.Second

// Command describes a single external invocation.
type Command struct {
	Dir     string        // Working directory; empty means the current one
	Name    string        // Program to run
	Args    []string      // Arguments, passed verbatim
	Env     []string      // Extra KEY=VALUE entries appended to os.Environ()
	Stdin   []byte        // Fed to the process; nil means no input
	Timeout time.Duration // Zero means no timeout beyond ctx
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// StderrTail returns at most the last maxLines lines of stderr, trimmed.
func (r *Result) StderrTail(maxLines int) string {
	if r == nil {
		return ""
	}
	return Tail(string(r.Stderr), maxLines)
}

// CommandRunner runs external commands. A non-zero exit is reported through
// Result.ExitCode with a nil error; the error is reserved for commands that
// could not be started, timed out, or were cancelled.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner returns a CommandRunner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes cmd and waits for it to finish.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	// #nosec G204 -- arguments are a discrete vector, never shell-interpolated
	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if ctxErr := runCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, errors.Wrapf(ErrTimedOut, "%s after %s", c.String(), c.Timeout)
		}
		return result, errors.Wrapf(ctxErr, "%s cancelled", c.String())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, errors.Wrapf(err, "failed to run %s", c.Name)
	}

	return result, nil
}

// Tail returns the last maxLines non-empty lines of s.
func Tail(s string, maxLines int) string {
	s = strings.TrimSpace(s)
	if s == "" || maxLines <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

// Compile-time check that ExecRunner implements CommandRunner.
var _ CommandRunner = (*ExecRunner)(nil)
