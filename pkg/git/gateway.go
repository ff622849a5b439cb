// Package git is the gateway to the git CLI.
//
// Every operation is a single synchronous git invocation with a discrete
// argument vector and the gateway's timeout. A non-zero exit surfaces as
// *errors.RepoError carrying the exit code and the tail of stderr; a
// timeout surfaces as *errors.RepoTimeoutError after the process group has
// been killed. Nothing retries; retrying is the caller's decision.
package git

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/runner"
)

const (
	// DefaultCommand is the git executable looked up on PATH.
	DefaultCommand = "git"

	// DefaultTimeout applies when a Gateway is built with a zero timeout.
	DefaultTimeout = 2 * time.Minute

	// stderrTailLines is how much stderr a RepoError keeps.
	stderrTailLines = 8
)

// Gateway runs git commands through a CommandRunner.
type Gateway struct {
	command string
	timeout time.Duration
	runner  runner.CommandRunner
	logger  *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCommand overrides the git executable.
func WithCommand(command string) Option {
	return func(g *Gateway) {
		if command != "" {
			g.command = command
		}
	}
}

// WithTimeout sets the per-invocation timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// WithRunner substitutes the CommandRunner (for testing).
func WithRunner(r runner.CommandRunner) Option {
	return func(g *Gateway) {
		if r != nil {
			g.runner = r
		}
	}
}

// WithLogger sets the logger used for debug tracing of invocations.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGateway creates a Gateway backed by os/exec unless overridden.
func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		command: DefaultCommand,
		timeout: DefaultTimeout,
		runner:  runner.NewExecRunner(),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Timeout returns the per-invocation timeout.
func (g *Gateway) Timeout() time.Duration {
	return g.timeout
}

// run executes git with args inside the repository at dir (injected with
// -C). op names the operation in errors.
func (g *Gateway) run(ctx context.Context, op, dir string, args ...string) (*runner.Result, error) {
	return g.exec(ctx, op, dir, append([]string{"-C", dir}, args...)...)
}

// exec executes git with args as given. path only identifies the target in
// logs and errors.
func (g *Gateway) exec(ctx context.Context, op, path string, args ...string) (*runner.Result, error) {
	return g.execInput(ctx, op, path, nil, args...)
}

// execInput is exec with stdin fed to git.
func (g *Gateway) execInput(ctx context.Context, op, path string, stdin []byte, args ...string) (*runner.Result, error) {
	cmd := runner.Command{
		Name:    g.command,
		Args:    args,
		Stdin:   stdin,
		Timeout: g.timeout,
		// Never block on a credential or editor prompt.
		Env: []string{"GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true"},
	}

	g.logger.Debug("git", "op", op, "path", path, "args", args)

	res, err := g.runner.Run(ctx, cmd)
	if err != nil {
		if errors.Is(err, runner.ErrTimedOut) {
			return nil, yarderrors.NewRepoTimeoutError(op, path, g.timeout, err)
		}
		return nil, errors.Wrapf(err, "git %s", op)
	}
	if res.ExitCode != 0 {
		return res, yarderrors.NewRepoError(op, path, res.ExitCode, res.StderrTail(stderrTailLines))
	}
	return res, nil
}

// output runs git and returns trimmed stdout.
func (g *Gateway) output(ctx context.Context, op, dir string, args ...string) (string, error) {
	res, err := g.run(ctx, op, dir, args...)
	if err != nil {
		return "", err
	}
	return trimOutput(res.Stdout), nil
}
