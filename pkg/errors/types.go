// Package errors provides typed errors for the yard project.
//
// This package defines the error taxonomy shared by every subsystem: name
// validation, path collisions, git invocations, the registry, adoption and
// the shared dependency environment. All error types implement the standard
// error interface and support errors.Is() and errors.As() from the standard
// library and cockroachdb/errors.
package errors

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Field   string // Which config field has the issue
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
	}
	return "config error: " + e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with an underlying cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// NameError reports a project, workspace or environment name that does not
// satisfy the naming rules (InvalidName).
type NameError struct {
	Kind    string // "project", "workspace", "environment"
	Name    string
	Message string
}

// Error implements the error interface.
func (e *NameError) Error() string {
	return fmt.Sprintf("invalid %s name %q: %s", e.Kind, e.Name, e.Message)
}

// NewNameError creates a new NameError.
func NewNameError(kind, name, message string) *NameError {
	return &NameError{Kind: kind, Name: name, Message: message}
}

// CollisionError reports that a target path is already taken (PathCollision).
type CollisionError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *CollisionError) Error() string {
	return fmt.Sprintf("path collision at %s: %s", e.Path, e.Message)
}

// NewCollisionError creates a new CollisionError.
func NewCollisionError(path, message string) *CollisionError {
	return &CollisionError{Path: path, Message: message}
}

// RepoError represents a git invocation that exited non-zero
// (RepoOperationFailed).
type RepoError struct {
	Operation  string // e.g., "init-bare", "clone", "fetch"
	Path       string
	ExitCode   int
	StderrTail string
	Cause      error
}

// Error implements the error interface.
func (e *RepoError) Error() string {
	msg := fmt.Sprintf("git %s failed for %s (exit %d)", e.Operation, e.Path, e.ExitCode)
	if e.StderrTail != "" {
		msg += ": " + e.StderrTail
	}
	return msg
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *RepoError) Unwrap() error {
	return e.Cause
}

// NewRepoError creates a new RepoError.
func NewRepoError(operation, path string, exitCode int, stderrTail string) *RepoError {
	return &RepoError{Operation: operation, Path: path, ExitCode: exitCode, StderrTail: stderrTail}
}

// RepoTimeoutError represents a git invocation that exceeded its deadline
// and was killed (RepoOperationTimedOut).
type RepoTimeoutError struct {
	Operation string
	Path      string
	Timeout   time.Duration
	Cause     error
}

// Error implements the error interface.
func (e *RepoTimeoutError) Error() string {
	return fmt.Sprintf("git %s timed out for %s after %s", e.Operation, e.Path, e.Timeout)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *RepoTimeoutError) Unwrap() error {
	return e.Cause
}

// NewRepoTimeoutError creates a new RepoTimeoutError.
func NewRepoTimeoutError(operation, path string, timeout time.Duration, cause error) *RepoTimeoutError {
	return &RepoTimeoutError{Operation: operation, Path: path, Timeout: timeout, Cause: cause}
}

// RegistryError represents a failure reading or writing the registry store.
// Corrupt is set when the persisted store cannot be decoded; that condition
// requires manual recovery (RegistryCorrupt).
type RegistryError struct {
	Operation string // e.g., "load", "commit"
	Path      string
	Message   string
	Corrupt   bool
	Cause     error
}

// Error implements the error interface.
func (e *RegistryError) Error() string {
	if e.Corrupt {
		return fmt.Sprintf("registry %s is corrupt: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("registry %s failed for %s: %s", e.Operation, e.Path, e.Message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *RegistryError) Unwrap() error {
	return e.Cause
}

// NewRegistryError creates a new RegistryError.
func NewRegistryError(operation, path, message string, cause error) *RegistryError {
	return &RegistryError{Operation: operation, Path: path, Message: message, Cause: cause}
}

// NewRegistryCorruptError creates a RegistryError flagged as corrupt.
func NewRegistryCorruptError(path, message string, cause error) *RegistryError {
	return &RegistryError{Operation: "load", Path: path, Message: message, Corrupt: true, Cause: cause}
}

// AdoptionError is raised instead of proceeding when a directory cannot be
// adopted. Unsafe marks the cases where going on could leave history
// unreachable (AdoptionUnsafe).
type AdoptionError struct {
	Dir     string
	Message string
	Unsafe  bool
	Cause   error
}

// Error implements the error interface.
func (e *AdoptionError) Error() string {
	if e.Unsafe {
		return fmt.Sprintf("adoption of %s is unsafe: %s", e.Dir, e.Message)
	}
	return fmt.Sprintf("cannot adopt %s: %s", e.Dir, e.Message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *AdoptionError) Unwrap() error {
	return e.Cause
}

// NewAdoptionError creates a new AdoptionError.
func NewAdoptionError(dir, message string, cause error) *AdoptionError {
	return &AdoptionError{Dir: dir, Message: message, Cause: cause}
}

// NewAdoptionUnsafeError creates an AdoptionError for a refusal that
// protects history.
func NewAdoptionUnsafeError(dir, message string, cause error) *AdoptionError {
	return &AdoptionError{Dir: dir, Message: message, Unsafe: true, Cause: cause}
}

// WorkspaceError reports a failed workspace creation (WorkspaceCreateFailed).
// The partial clone has already been removed when this is returned.
type WorkspaceError struct {
	Project   string
	Workspace string
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s/%s create failed: %s", e.Project, e.Workspace, e.Message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *WorkspaceError) Unwrap() error {
	return e.Cause
}

// NewWorkspaceError creates a new WorkspaceError.
func NewWorkspaceError(project, workspace, message string, cause error) *WorkspaceError {
	return &WorkspaceError{Project: project, Workspace: workspace, Message: message, Cause: cause}
}

// InconsistentStateError signals that the filesystem was mutated but the
// registry commit failed, so the two have diverged.
type InconsistentStateError struct {
	Operation  string
	Paths      []string // Paths left behind on disk
	RolledBack bool     // Whether the filesystem changes were undone
	Cause      error
}

// Error implements the error interface.
func (e *InconsistentStateError) Error() string {
	state := "filesystem and registry have diverged"
	if e.RolledBack {
		state = "filesystem changes were rolled back"
	}
	msg := fmt.Sprintf("%s: registry commit failed, %s", e.Operation, state)
	if len(e.Paths) > 0 {
		msg += " (" + strings.Join(e.Paths, ", ") + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *InconsistentStateError) Unwrap() error {
	return e.Cause
}

// NewInconsistentStateError creates a new InconsistentStateError.
func NewInconsistentStateError(operation string, paths []string, rolledBack bool, cause error) *InconsistentStateError {
	return &InconsistentStateError{Operation: operation, Paths: paths, RolledBack: rolledBack, Cause: cause}
}

// EnvironmentError represents dependency-environment errors.
type EnvironmentError struct {
	Environment string
	Operation   string // e.g., "create", "freeze", "bind"
	Message     string
	Retryable   bool
	Cause       error
}

// Error implements the error interface.
func (e *EnvironmentError) Error() string {
	if e.Environment != "" {
		return fmt.Sprintf("environment %s %s failed: %s", e.Environment, e.Operation, e.Message)
	}
	return fmt.Sprintf("environment %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *EnvironmentError) Unwrap() error {
	return e.Cause
}

// NewEnvironmentError creates a new EnvironmentError.
func NewEnvironmentError(environment, operation, message string) *EnvironmentError {
	return &EnvironmentError{Environment: environment, Operation: operation, Message: message}
}

// NewEnvironmentErrorWithCause creates a new EnvironmentError with an underlying cause.
func NewEnvironmentErrorWithCause(environment, operation, message string, cause error) *EnvironmentError {
	return &EnvironmentError{
		Environment: environment,
		Operation:   operation,
		Message:     message,
		Retryable:   IsRetryable(cause),
		Cause:       cause,
	}
}

// NotFoundError reports a project, workspace or environment that is not
// registered.
type NotFoundError struct {
	Kind string
	Name string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found in registry", e.Kind, e.Name)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(kind, name string) *NotFoundError {
	return &NotFoundError{Kind: kind, Name: name}
}

// IsRetryable checks if an error or any error in its chain is retryable.
// Timeouts are retryable; a git command that ran and exited non-zero is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var timeoutErr *RepoTimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	var envErr *EnvironmentError
	if errors.As(err, &envErr) {
		return envErr.Retryable
	}

	return false
}

// IsConfigError checks if an error or any error in its chain is a ConfigError.
func IsConfigError(err error) bool {
	var configErr *ConfigError
	return errors.As(err, &configErr)
}

// IsNameError checks if an error or any error in its chain is a NameError.
func IsNameError(err error) bool {
	var nameErr *NameError
	return errors.As(err, &nameErr)
}

// IsCollisionError checks if an error or any error in its chain is a CollisionError.
func IsCollisionError(err error) bool {
	var collisionErr *CollisionError
	return errors.As(err, &collisionErr)
}

// IsRepoError checks if an error or any error in its chain is a RepoError.
func IsRepoError(err error) bool {
	var repoErr *RepoError
	return errors.As(err, &repoErr)
}

// IsRepoTimeoutError checks if an error or any error in its chain is a RepoTimeoutError.
func IsRepoTimeoutError(err error) bool {
	var timeoutErr *RepoTimeoutError
	return errors.As(err, &timeoutErr)
}

// IsRegistryError checks if an error or any error in its chain is a RegistryError.
func IsRegistryError(err error) bool {
	var regErr *RegistryError
	return errors.As(err, &regErr)
}

// IsRegistryCorrupt checks if the error chain holds a corrupt-registry error.
func IsRegistryCorrupt(err error) bool {
	var regErr *RegistryError
	return errors.As(err, &regErr) && regErr.Corrupt
}

// IsAdoptionError checks if an error or any error in its chain is an AdoptionError.
func IsAdoptionError(err error) bool {
	var adoptErr *AdoptionError
	return errors.As(err, &adoptErr)
}

// IsWorkspaceError checks if an error or any error in its chain is a WorkspaceError.
func IsWorkspaceError(err error) bool {
	var wsErr *WorkspaceError
	return errors.As(err, &wsErr)
}

// IsInconsistentState checks if an error or any error in its chain is an InconsistentStateError.
func IsInconsistentState(err error) bool {
	var stateErr *InconsistentStateError
	return errors.As(err, &stateErr)
}

// IsEnvironmentError checks if an error or any error in its chain is an EnvironmentError.
func IsEnvironmentError(err error) bool {
	var envErr *EnvironmentError
	return errors.As(err, &envErr)
}

// IsNotFound checks if an error or any error in its chain is a NotFoundError.
func IsNotFound(err error) bool {
	var nfErr *NotFoundError
	return errors.As(err, &nfErr)
}

// Re-export commonly used functions from cockroachdb/errors for convenience.
// This allows consumers to use yarderrors.Wrap() instead of importing two packages.
var (
	// New creates a new error with the given message.
	New = errors.New

	// Newf creates a new error with formatted message.
	Newf = errors.Newf

	// Wrap wraps an error with additional context.
	Wrap = errors.Wrap

	// Wrapf wraps an error with formatted additional context.
	Wrapf = errors.Wrapf

	// Is reports whether any error in err's chain matches target.
	Is = errors.Is

	// As finds the first error in err's chain that matches target.
	As = errors.As

	// Cause returns the root cause of an error.
	Cause = errors.Cause
)
