// Package environment binds workspaces to a shared Python environment and
// exports each workspace's dependency manifest.
package environment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/runner"
)

const (
	// DefaultPython is the interpreter used to create environments.
	DefaultPython = "python3"

	// DefaultTimeout bounds environment creation and freezing.
	DefaultTimeout = 5 * time.Minute

	stderrTailLines = 8
)

// Tool creates and inspects dependency environments.
type Tool interface {
	// Create makes a new environment at path.
	Create(ctx context.Context, path string) error
	// IsValid reports whether path holds a usable environment.
	IsValid(path string) bool
	// Freeze returns the installed dependencies as name==version lines.
	Freeze(ctx context.Context, path string) ([]byte, error)
	// Install installs packages into the environment at path.
	Install(ctx context.Context, path string, packages ...string) error
	// RegisterKernel makes the environment at path selectable as a Jupyter
	// kernel for the current user. ipykernel must already be installed.
	RegisterKernel(ctx context.Context, path, name, displayName string) error
}

// VenvTool is a Tool backed by python's venv module and pip.
type VenvTool struct {
	python  string
	timeout time.Duration
	runner  runner.CommandRunner
	logger  *slog.Logger
}

// VenvOption configures a VenvTool.
type VenvOption func(*VenvTool)

// WithPython overrides the interpreter used to create environments.
func WithPython(python string) VenvOption {
	return func(v *VenvTool) {
		if python != "" {
			v.python = python
		}
	}
}

// WithTimeout sets the per-invocation timeout.
func WithTimeout(timeout time.Duration) VenvOption {
	return func(v *VenvTool) {
		if timeout > 0 {
			v.timeout = timeout
		}
	}
}

// WithRunner substitutes the CommandRunner (for testing).
func WithRunner(r runner.CommandRunner) VenvOption {
	return func(v *VenvTool) {
		if r != nil {
			v.runner = r
		}
	}
}

// WithToolLogger sets the logger used for tracing invocations.
func WithToolLogger(logger *slog.Logger) VenvOption {
	return func(v *VenvTool) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewVenvTool creates a VenvTool.
func NewVenvTool(opts ...VenvOption) *VenvTool {
	v := &VenvTool{
		python:  DefaultPython,
		timeout: DefaultTimeout,
		runner:  runner.NewExecRunner(),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Interpreter returns the path of the python executable inside the
// environment at path.
func Interpreter(path string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(path, "Scripts", "python.exe")
	}
	return filepath.Join(path, "bin", "python")
}

// IsValid reports whether path holds pyvenv.cfg and an interpreter.
func (v *VenvTool) IsValid(path string) bool {
	if _, err := os.Stat(filepath.Join(path, "pyvenv.cfg")); err != nil {
		return false
	}
	info, err := os.Stat(Interpreter(path))
	return err == nil && !info.IsDir()
}

// Create runs `python -m venv path`.
func (v *VenvTool) Create(ctx context.Context, path string) error {
	if _, err := v.run(ctx, "create", path, v.python, "-m", "venv", path); err != nil {
		return err
	}
	if !v.IsValid(path) {
		return yarderrors.NewEnvironmentError(path, "create", "venv finished but "+Interpreter(path)+" is missing")
	}
	return nil
}

// Freeze runs `pip freeze` with the environment's own interpreter and
// returns its output unmodified.
func (v *VenvTool) Freeze(ctx context.Context, path string) ([]byte, error) {
	res, err := v.run(ctx, "freeze", path, Interpreter(path), "-m", "pip", "freeze")
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// Install runs `pip install` with the environment's own interpreter.
func (v *VenvTool) Install(ctx context.Context, path string, packages ...string) error {
	args := append([]string{"-m", "pip", "install", "--"}, packages...)
	_, err := v.run(ctx, "install", path, Interpreter(path), args...)
	return err
}

// RegisterKernel runs `ipykernel install --user` with the environment's own
// interpreter.
func (v *VenvTool) RegisterKernel(ctx context.Context, path, name, displayName string) error {
	_, err := v.run(ctx, "kernel", path, Interpreter(path), "-m", "ipykernel", "install", "--user",
		"--name="+name, "--display-name="+displayName)
	return err
}

func (v *VenvTool) run(ctx context.Context, op, path, name string, args ...string) (*runner.Result, error) {
	cmd := runner.Command{
		Name:    name,
		Args:    args,
		Timeout: v.timeout,
		Env:     []string{"PIP_DISABLE_PIP_VERSION_CHECK=1", "PIP_NO_INPUT=1"},
	}
	v.logger.Debug("environment tool", "op", op, "path", path, "command", cmd.String())

	res, err := v.runner.Run(ctx, cmd)
	if err != nil {
		if errors.Is(err, runner.ErrTimedOut) {
			e := yarderrors.NewEnvironmentErrorWithCause(path, op, "timed out after "+v.timeout.String(), err)
			e.Retryable = true
			return nil, e
		}
		return nil, yarderrors.NewEnvironmentErrorWithCause(path, op, "cannot run "+name, err)
	}
	if !res.Success() {
		msg := fmt.Sprintf("exited with code %d", res.ExitCode)
		if tail := res.StderrTail(stderrTailLines); tail != "" {
			msg += ": " + tail
		}
		return nil, yarderrors.NewEnvironmentError(path, op, msg)
	}
	return res, nil
}

var _ Tool = (*VenvTool)(nil)
