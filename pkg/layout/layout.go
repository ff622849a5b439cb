// Package layout defines the on-disk shape of a managed project.
//
//	<root>/<project>/origin.git/         bare repository
//	<root>/<project>/workspaces/<name>/  one clone per workspace
//
// Everything here is pure path arithmetic plus read-only checks; nothing
// creates or removes files.
package layout

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	yarderrors "thoreinstein.com/yard/pkg/errors"
)

const (
	// BareDirName is the bare repository directory inside a project.
	BareDirName = "origin.git"

	// WorkspacesDirName holds the project's clones.
	WorkspacesDirName = "workspaces"

	// MaxNameLength bounds project, workspace and environment names.
	MaxNameLength = 64
)

// nameRegex: must start with a letter or digit, then letters, digits, dot,
// hyphen or underscore. No separators, no whitespace, no shell
// metacharacters.
var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Layout computes paths beneath a single projects root.
type Layout struct {
	Root string
}

// New returns a Layout for root, which must be an absolute path.
func New(root string) (Layout, error) {
	if root == "" {
		return Layout{}, yarderrors.NewConfigError("root", "projects root is empty")
	}
	if !filepath.IsAbs(root) {
		return Layout{}, yarderrors.NewConfigError("root", "projects root must be absolute: "+root)
	}
	return Layout{Root: filepath.Clean(root)}, nil
}

// ProjectDir returns <root>/<project>.
func (l Layout) ProjectDir(project string) string {
	return filepath.Join(l.Root, project)
}

// BarePath returns <root>/<project>/origin.git.
func (l Layout) BarePath(project string) string {
	return filepath.Join(l.Root, project, BareDirName)
}

// WorkspacesDir returns <root>/<project>/workspaces.
func (l Layout) WorkspacesDir(project string) string {
	return filepath.Join(l.Root, project, WorkspacesDirName)
}

// WorkspacePath returns <root>/<project>/workspaces/<workspace>.
func (l Layout) WorkspacePath(project, workspace string) string {
	return filepath.Join(l.Root, project, WorkspacesDirName, workspace)
}

// ValidateName checks name against the restricted character set.
// kind ("project", "workspace", "environment") only shapes the error.
func ValidateName(kind, name string) error {
	switch {
	case name == "":
		return yarderrors.NewNameError(kind, name, "name cannot be empty")
	case len(name) > MaxNameLength:
		return yarderrors.NewNameError(kind, name, "name is longer than 64 characters")
	case !nameRegex.MatchString(name):
		return yarderrors.NewNameError(kind, name, "must start with a letter or digit and contain only letters, digits, '.', '-' and '_'")
	case strings.HasSuffix(name, ".git"), strings.HasSuffix(name, ".lock"):
		return yarderrors.NewNameError(kind, name, "must not end in .git or .lock")
	case strings.Contains(name, ".."):
		return yarderrors.NewNameError(kind, name, "must not contain '..'")
	}
	return nil
}

// CheckCollision returns a PathCollision error when path already exists on
// disk and is not a registered workspace. registered tells whether the
// registry already owns path.
func CheckCollision(path string, registered bool) error {
	if registered {
		return nil
	}
	if _, err := os.Lstat(path); err == nil {
		return yarderrors.NewCollisionError(path, "an unregistered file or directory already exists")
	} else if !os.IsNotExist(err) {
		return yarderrors.Wrapf(err, "failed to inspect %s", path)
	}
	return nil
}

// SamePath reports whether a and b name the same location after cleaning
// and, where possible, resolving symlinks.
func SamePath(a, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.Clean(p)
}
