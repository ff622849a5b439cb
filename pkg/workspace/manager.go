// Package workspace manages the lifecycle of projects and their workspaces:
// the bare repository, the working clones pointing at it, and their registry
// records.
//
// Every mutating operation touches the filesystem first and commits to the
// registry last. A failure before the commit removes whatever the operation
// created; a failed commit after the filesystem changed is reported as an
// InconsistentStateError.
package workspace

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/git"
	"thoreinstein.com/yard/pkg/layout"
	"thoreinstein.com/yard/pkg/registry"
)

const (
	// DefaultWorkspaceName is the workspace every new project starts with.
	DefaultWorkspaceName = "main"

	// DefaultBranch is what a new project's bare HEAD points at.
	DefaultBranch = "main"

	defaultParallelism = 4
)

// Manager creates, removes and inspects projects and workspaces.
type Manager struct {
	git      *git.Gateway
	registry *registry.Registry
	logger   *slog.Logger
	locks    *projectLocks

	defaultWorkspace string
	defaultBranch    string
	parallelism      int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDefaultWorkspace sets the name of the workspace created with a project.
func WithDefaultWorkspace(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.defaultWorkspace = name
		}
	}
}

// WithDefaultBranch sets the branch a new project's HEAD points at.
func WithDefaultBranch(branch string) Option {
	return func(m *Manager) {
		if branch != "" {
			m.defaultBranch = branch
		}
	}
}

// WithParallelism bounds how many workspaces Observe inspects at once.
func WithParallelism(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.parallelism = n
		}
	}
}

// NewManager creates a Manager over the given gateway and registry.
func NewManager(gw *git.Gateway, reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		git:              gw,
		registry:         reg,
		logger:           slog.New(slog.DiscardHandler),
		locks:            newProjectLocks(),
		defaultWorkspace: DefaultWorkspaceName,
		defaultBranch:    DefaultBranch,
		parallelism:      defaultParallelism,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the registry the manager commits to.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Gateway returns the git gateway the manager runs commands through.
func (m *Manager) Gateway() *git.Gateway {
	return m.git
}

// LockProject takes the exclusive lock of a project for a mutation performed
// outside the manager, such as an adoption. Call the returned func to release.
func (m *Manager) LockProject(project string) func() {
	return m.locks.lock(project)
}

// ProjectOptions tune CreateProject.
type ProjectOptions struct {
	// InitialWorkspace names the first workspace; empty uses the default.
	InitialWorkspace string
	// Branch is the initial branch of the bare repository; empty uses the
	// default.
	Branch string
}

// WorkspaceOptions tune CreateWorkspace.
type WorkspaceOptions struct {
	// Branch is checked out after cloning, created from the default branch
	// when it does not exist on origin.
	Branch string
}

// RemoveOptions tune RemoveWorkspace.
type RemoveOptions struct {
	// Force removes a workspace with uncommitted or unpushed work.
	Force bool
}

// CreateProject creates <root>/<name>/origin.git and an initial workspace
// cloned from it, then registers both in one commit.
func (m *Manager) CreateProject(ctx context.Context, root, name string, opts ProjectOptions) (*registry.Project, error) {
	wsName := opts.InitialWorkspace
	if wsName == "" {
		wsName = m.defaultWorkspace
	}
	branch := opts.Branch
	if branch == "" {
		branch = m.defaultBranch
	}

	if err := layout.ValidateName("project", name); err != nil {
		return nil, err
	}
	if err := layout.ValidateName("workspace", wsName); err != nil {
		return nil, err
	}
	l, err := layout.New(root)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With("op", uuid.NewString(), "project", name, "workspace", wsName)
	defer m.locks.lock(name)()

	projectDir := l.ProjectDir(name)
	if _, err := m.registry.Project(name); err == nil {
		return nil, yarderrors.NewCollisionError(projectDir, "project "+name+" is already registered")
	}
	if err := layout.CheckCollision(projectDir, false); err != nil {
		return nil, err
	}

	logger.Info("creating project", "path", projectDir)

	if err := os.MkdirAll(l.WorkspacesDir(name), 0o755); err != nil {
		return nil, yarderrors.Wrapf(err, "failed to create %s", projectDir)
	}
	rollback := func(cause error) error {
		if rmErr := os.RemoveAll(projectDir); rmErr != nil {
			logger.Warn("failed to remove partial project", "path", projectDir, "error", rmErr)
		}
		return cause
	}

	bare := l.BarePath(name)
	if err := m.git.InitBare(ctx, bare); err != nil {
		return nil, rollback(err)
	}
	if err := m.git.SetHead(ctx, bare, branch); err != nil {
		return nil, rollback(err)
	}

	wsPath := l.WorkspacePath(name, wsName)
	if err := m.cloneWorkspace(ctx, bare, wsPath); err != nil {
		return nil, rollback(yarderrors.NewWorkspaceError(name, wsName, "initial workspace could not be created", err))
	}

	p := registry.Project{
		Name:     name,
		Root:     l.Root,
		BarePath: bare,
		Workspaces: map[string]registry.Workspace{
			wsName: {
				Name:      wsName,
				Path:      wsPath,
				Branch:    branch,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
	if err := m.registry.Register(p); err != nil {
		rmErr := os.RemoveAll(projectDir)
		return nil, yarderrors.NewInconsistentStateError("create-project", []string{projectDir}, rmErr == nil, err)
	}

	logger.Info("project created", "bare", bare, "workspace_path", wsPath)
	return &p, nil
}

// CreateWorkspace clones a new workspace of project from its bare
// repository and registers it.
func (m *Manager) CreateWorkspace(ctx context.Context, project, name string, opts WorkspaceOptions) (*registry.Workspace, error) {
	if err := layout.ValidateName("workspace", name); err != nil {
		return nil, err
	}

	logger := m.logger.With("op", uuid.NewString(), "project", project, "workspace", name)
	defer m.locks.lock(project)()

	p, err := m.registry.Project(project)
	if err != nil {
		return nil, err
	}
	l, err := layout.New(p.Root)
	if err != nil {
		return nil, err
	}

	wsPath := l.WorkspacePath(project, name)
	if _, exists := p.Workspaces[name]; exists {
		return nil, yarderrors.NewCollisionError(wsPath, "workspace "+name+" already exists in project "+project)
	}
	if err := layout.CheckCollision(wsPath, false); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.WorkspacesDir(project), 0o755); err != nil {
		return nil, yarderrors.Wrapf(err, "failed to create %s", l.WorkspacesDir(project))
	}

	logger.Info("creating workspace", "path", wsPath)

	fail := func(msg string, cause error) error {
		if rmErr := os.RemoveAll(wsPath); rmErr != nil {
			logger.Warn("failed to remove partial clone", "path", wsPath, "error", rmErr)
		}
		return yarderrors.NewWorkspaceError(project, name, msg, cause)
	}

	if err := m.cloneWorkspace(ctx, p.BarePath, wsPath); err != nil {
		return nil, fail("clone failed", err)
	}

	if opts.Branch != "" {
		if err := m.checkoutBranch(ctx, wsPath, opts.Branch); err != nil {
			return nil, fail("checkout of "+opts.Branch+" failed", err)
		}
	}

	branch, err := m.git.CurrentBranch(ctx, wsPath)
	if err != nil {
		return nil, fail("cannot read current branch", err)
	}

	ws := registry.Workspace{
		Name:        name,
		Path:        wsPath,
		Branch:      branch,
		Environment: p.Environment,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.registry.RegisterWorkspace(project, ws); err != nil {
		rmErr := os.RemoveAll(wsPath)
		return nil, yarderrors.NewInconsistentStateError("create-workspace", []string{wsPath}, rmErr == nil, err)
	}

	logger.Info("workspace created", "branch", branch)
	return &ws, nil
}

// cloneWorkspace clones bare into path and checks that origin points back at
// bare.
func (m *Manager) cloneWorkspace(ctx context.Context, bare, path string) error {
	if err := m.git.Clone(ctx, bare, path); err != nil {
		return err
	}
	origin, err := m.git.RemoteURL(ctx, path, "origin")
	if err != nil {
		return err
	}
	if !layout.SamePath(origin, bare) {
		return yarderrors.Newf("origin of %s is %q, expected %s", path, origin, bare)
	}
	return nil
}

// checkoutBranch switches to branch, tracking origin/<branch> when it exists
// and creating it from HEAD otherwise.
func (m *Manager) checkoutBranch(ctx context.Context, path, branch string) error {
	branches, err := m.git.ListBranches(ctx, path)
	if err != nil {
		return err
	}
	exists := false
	for _, b := range branches {
		if b.Name == branch && (b.Remote == "" || b.Remote == "origin") {
			exists = true
			break
		}
	}
	return m.git.Checkout(ctx, path, branch, !exists)
}

// RemoveWorkspace unregisters a workspace and deletes its clone. The bare
// repository and the project are never touched.
func (m *Manager) RemoveWorkspace(ctx context.Context, project, name string, opts RemoveOptions) error {
	logger := m.logger.With("op", uuid.NewString(), "project", project, "workspace", name)
	defer m.locks.lock(project)()

	ws, err := m.registry.Workspace(project, name)
	if err != nil {
		return err
	}

	if !opts.Force && git.HasWorkTreeMetadata(ws.Path) {
		st, err := m.git.Status(ctx, ws.Path)
		if err != nil {
			return err
		}
		if !st.Clean() || st.Ahead > 0 {
			return yarderrors.NewWorkspaceError(project, name,
				"workspace has uncommitted or unpushed changes; use --force to remove it anyway", nil)
		}
	}

	if err := m.registry.UnregisterWorkspace(project, name); err != nil {
		return err
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return yarderrors.NewInconsistentStateError("remove-workspace", []string{ws.Path}, false, err)
	}

	logger.Info("workspace removed", "path", ws.Path)
	return nil
}

// RemoveProject unregisters a project and deletes its directory, bare
// repository included. It refuses while workspaces remain unless force is set.
func (m *Manager) RemoveProject(ctx context.Context, name string, force bool) error {
	logger := m.logger.With("op", uuid.NewString(), "project", name)
	defer m.locks.lock(name)()

	p, err := m.registry.Project(name)
	if err != nil {
		return err
	}
	if n := len(p.Workspaces); n > 0 && !force {
		return yarderrors.NewWorkspaceError(name, "",
			"project still has workspaces; remove them first or use --force", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.registry.UnregisterProject(name); err != nil {
		return err
	}
	if err := os.RemoveAll(p.Dir()); err != nil {
		return yarderrors.NewInconsistentStateError("remove-project", []string{p.Dir()}, false, err)
	}

	logger.Info("project removed", "path", p.Dir())
	return nil
}

// Projects lists registered projects.
func (m *Manager) Projects() []registry.Project {
	return m.registry.List()
}

// Status returns the git status of a workspace.
func (m *Manager) Status(ctx context.Context, project, name string) (*git.Status, error) {
	defer m.locks.rlock(project)()

	ws, err := m.registry.Workspace(project, name)
	if err != nil {
		return nil, err
	}
	return m.git.Status(ctx, ws.Path)
}

// ListBranches returns the local and remote-tracking branches of a
// workspace.
func (m *Manager) ListBranches(ctx context.Context, project, name string) ([]git.Branch, error) {
	defer m.locks.rlock(project)()

	ws, err := m.registry.Workspace(project, name)
	if err != nil {
		return nil, err
	}
	return m.git.ListBranches(ctx, ws.Path)
}
