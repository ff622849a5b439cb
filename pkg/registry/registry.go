// Package registry is the durable source of truth for projects, workspaces
// and environments.
//
// The registry is a single TOML file. Every mutation takes an in-process
// mutex and a cross-process file lock, re-reads the file, applies the change
// and atomically replaces the file. A reader therefore never observes a
// partially written registry, and concurrent yard processes never lose each
// other's updates.
package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/layout"
)

// Workspace is one working clone of a project's bare repository.
type Workspace struct {
	Name        string    `toml:"name" json:"name" yaml:"name"`
	Path        string    `toml:"path" json:"path" yaml:"path"`
	Branch      string    `toml:"branch,omitempty" json:"branch,omitempty" yaml:"branch,omitempty"`
	Adopted     bool      `toml:"adopted,omitempty" json:"adopted,omitempty" yaml:"adopted,omitempty"`
	Environment string    `toml:"environment,omitempty" json:"environment,omitempty" yaml:"environment,omitempty"`
	CreatedAt   time.Time `toml:"created_at" json:"created_at" yaml:"created_at"`
}

// Project is a bare repository plus its workspaces, living under Root.
type Project struct {
	Name        string               `toml:"name" json:"name" yaml:"name"`
	Root        string               `toml:"root" json:"root" yaml:"root"`
	BarePath    string               `toml:"bare_path" json:"bare_path" yaml:"bare_path"`
	Environment string               `toml:"environment,omitempty" json:"environment,omitempty" yaml:"environment,omitempty"`
	Workspaces  map[string]Workspace `toml:"workspaces,omitempty" json:"workspaces,omitempty" yaml:"workspaces,omitempty"`
}

// Dir returns the project directory.
func (p Project) Dir() string {
	return filepath.Join(p.Root, p.Name)
}

// WorkspaceNames returns the workspace names in sorted order.
func (p Project) WorkspaceNames() []string {
	names := make([]string, 0, len(p.Workspaces))
	for name := range p.Workspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p Project) clone() Project {
	out := p
	out.Workspaces = make(map[string]Workspace, len(p.Workspaces))
	for k, v := range p.Workspaces {
		out.Workspaces[k] = v
	}
	return out
}

// Environment is a dependency environment that workspaces bind to.
type Environment struct {
	Name   string `toml:"name" json:"name" yaml:"name"`
	Path   string `toml:"path" json:"path" yaml:"path"`
	Shared bool   `toml:"shared,omitempty" json:"shared,omitempty" yaml:"shared,omitempty"`
}

// WorkspaceRef identifies a workspace together with its project.
type WorkspaceRef struct {
	Project   string    `json:"project" yaml:"project"`
	Workspace Workspace `json:"workspace" yaml:"workspace"`
}

// Registry is the persisted project registry.
type Registry struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger

	mu    sync.RWMutex
	state *state
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Open loads the registry stored at path, creating its directory if needed.
// A missing file is an empty registry.
func Open(path string, opts ...Option) (*Registry, error) {
	if path == "" || !filepath.IsAbs(path) {
		return nil, yarderrors.NewConfigError("registry.path", "registry path must be absolute")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, yarderrors.NewRegistryError("open", path, "cannot create registry directory", err)
	}

	r := &Registry{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}

	st, err := load(path)
	if err != nil {
		return nil, err
	}
	r.state = st
	return r, nil
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Reload re-reads the registry file, picking up writes from other processes.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := load(r.path)
	if err != nil {
		return err
	}
	r.state = st
	return nil
}

// update is the single write path: lock, re-read, mutate, replace.
func (r *Registry) update(op string, fn func(st *state) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.lock.Lock(); err != nil {
		return yarderrors.NewRegistryError(op, r.path, "cannot lock registry", err)
	}
	defer func() {
		if err := r.lock.Unlock(); err != nil {
			r.logger.Warn("failed to unlock registry", "path", r.path, "error", err)
		}
	}()

	st, err := load(r.path)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	if err := save(r.path, st); err != nil {
		return yarderrors.NewRegistryError(op, r.path, "cannot write registry", err)
	}

	r.state = st
	r.logger.Debug("registry updated", "op", op, "path", r.path)
	return nil
}

// Register records a new project together with any workspaces it carries,
// in one write.
func (r *Registry) Register(p Project) error {
	if p.Name == "" {
		return yarderrors.NewNameError("project", p.Name, "name is required")
	}
	return r.update("register-project", func(st *state) error {
		if _, ok := st.Projects[p.Name]; ok {
			return yarderrors.NewCollisionError(p.Dir(), "project "+p.Name+" is already registered")
		}
		p = p.clone()
		for name, ws := range p.Workspaces {
			if ws.Name == "" {
				ws.Name = name
			}
			if ws.CreatedAt.IsZero() {
				ws.CreatedAt = time.Now().UTC()
			}
			p.Workspaces[name] = ws
		}
		st.Projects[p.Name] = p
		return nil
	})
}

// RegisterWorkspace adds ws to an existing project.
func (r *Registry) RegisterWorkspace(project string, ws Workspace) error {
	if ws.Name == "" {
		return yarderrors.NewNameError("workspace", ws.Name, "name is required")
	}
	return r.update("register-workspace", func(st *state) error {
		p, ok := st.Projects[project]
		if !ok {
			return yarderrors.NewNotFoundError("project", project)
		}
		if _, exists := p.Workspaces[ws.Name]; exists {
			return yarderrors.NewCollisionError(ws.Path, "workspace "+ws.Name+" is already registered in project "+project)
		}
		if ws.CreatedAt.IsZero() {
			ws.CreatedAt = time.Now().UTC()
		}
		if p.Workspaces == nil {
			p.Workspaces = make(map[string]Workspace)
		}
		p.Workspaces[ws.Name] = ws
		st.Projects[project] = p
		return nil
	})
}

// UnregisterWorkspace removes a workspace record. The clone on disk is left
// alone.
func (r *Registry) UnregisterWorkspace(project, name string) error {
	return r.update("unregister-workspace", func(st *state) error {
		p, ok := st.Projects[project]
		if !ok {
			return yarderrors.NewNotFoundError("project", project)
		}
		if _, ok := p.Workspaces[name]; !ok {
			return yarderrors.NewNotFoundError("workspace", project+"/"+name)
		}
		delete(p.Workspaces, name)
		st.Projects[project] = p
		return nil
	})
}

// UnregisterProject removes a project and all its workspace records.
func (r *Registry) UnregisterProject(name string) error {
	return r.update("unregister-project", func(st *state) error {
		if _, ok := st.Projects[name]; !ok {
			return yarderrors.NewNotFoundError("project", name)
		}
		delete(st.Projects, name)
		return nil
	})
}

// RegisterEnvironment records env. Registering the same name and path again
// is a no-op; only one environment may be shared.
func (r *Registry) RegisterEnvironment(env Environment) error {
	if env.Name == "" {
		return yarderrors.NewNameError("environment", env.Name, "name is required")
	}
	return r.update("register-environment", func(st *state) error {
		if existing, ok := st.Environments[env.Name]; ok {
			if !layout.SamePath(existing.Path, env.Path) {
				return yarderrors.NewCollisionError(env.Path,
					"environment "+env.Name+" is already registered at "+existing.Path)
			}
			env.Shared = env.Shared || existing.Shared
		}
		if env.Shared {
			for name, other := range st.Environments {
				if other.Shared && name != env.Name {
					return yarderrors.NewEnvironmentError(env.Name, "register",
						"environment "+name+" is already the shared environment")
				}
			}
		}
		st.Environments[env.Name] = env
		return nil
	})
}

// SetShared makes name the shared environment, clearing the flag on any
// other environment.
func (r *Registry) SetShared(name string) error {
	return r.update("set-shared", func(st *state) error {
		if _, ok := st.Environments[name]; !ok {
			return yarderrors.NewNotFoundError("environment", name)
		}
		for key, env := range st.Environments {
			env.Shared = key == name
			st.Environments[key] = env
		}
		return nil
	})
}

// UnregisterEnvironment removes an environment that nothing is bound to.
func (r *Registry) UnregisterEnvironment(name string) error {
	return r.update("unregister-environment", func(st *state) error {
		if _, ok := st.Environments[name]; !ok {
			return yarderrors.NewNotFoundError("environment", name)
		}
		if refs := boundTo(st, name); len(refs) > 0 {
			return yarderrors.NewEnvironmentError(name, "remove", "environment is still bound to workspaces")
		}
		for key, p := range st.Projects {
			if p.Environment == name {
				return yarderrors.NewEnvironmentError(name, "remove", "environment is the default of project "+key)
			}
		}
		delete(st.Environments, name)
		return nil
	})
}

// BindWorkspace points a workspace at env. Binding to the environment it is
// already bound to changes nothing; binding to another one replaces the
// reference.
func (r *Registry) BindWorkspace(env, project, workspace string) error {
	r.mu.RLock()
	if p, ok := r.state.Projects[project]; ok {
		if ws, ok := p.Workspaces[workspace]; ok && ws.Environment == env {
			if _, ok := r.state.Environments[env]; ok {
				r.mu.RUnlock()
				return nil
			}
		}
	}
	r.mu.RUnlock()

	return r.update("bind-workspace", func(st *state) error {
		if _, ok := st.Environments[env]; !ok {
			return yarderrors.NewNotFoundError("environment", env)
		}
		p, ok := st.Projects[project]
		if !ok {
			return yarderrors.NewNotFoundError("project", project)
		}
		ws, ok := p.Workspaces[workspace]
		if !ok {
			return yarderrors.NewNotFoundError("workspace", project+"/"+workspace)
		}
		ws.Environment = env
		p.Workspaces[workspace] = ws
		st.Projects[project] = p
		return nil
	})
}

// UnbindWorkspace clears a workspace's environment reference.
func (r *Registry) UnbindWorkspace(project, workspace string) error {
	return r.update("unbind-workspace", func(st *state) error {
		p, ok := st.Projects[project]
		if !ok {
			return yarderrors.NewNotFoundError("project", project)
		}
		ws, ok := p.Workspaces[workspace]
		if !ok {
			return yarderrors.NewNotFoundError("workspace", project+"/"+workspace)
		}
		ws.Environment = ""
		p.Workspaces[workspace] = ws
		st.Projects[project] = p
		return nil
	})
}

// SetProjectEnvironment sets the environment new workspaces of project are
// bound to. An empty env clears it.
func (r *Registry) SetProjectEnvironment(project, env string) error {
	return r.update("set-project-environment", func(st *state) error {
		p, ok := st.Projects[project]
		if !ok {
			return yarderrors.NewNotFoundError("project", project)
		}
		if env != "" {
			if _, ok := st.Environments[env]; !ok {
				return yarderrors.NewNotFoundError("environment", env)
			}
		}
		p.Environment = env
		st.Projects[project] = p
		return nil
	})
}

// List returns all projects sorted by name.
func (r *Registry) List() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	projects := make([]Project, 0, len(r.state.Projects))
	for _, p := range r.state.Projects {
		projects = append(projects, p.clone())
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects
}

// Project returns the named project.
func (r *Registry) Project(name string) (Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.state.Projects[name]
	if !ok {
		return Project{}, yarderrors.NewNotFoundError("project", name)
	}
	return p.clone(), nil
}

// Workspace returns a workspace of a project.
func (r *Registry) Workspace(project, name string) (Workspace, error) {
	p, err := r.Project(project)
	if err != nil {
		return Workspace{}, err
	}
	ws, ok := p.Workspaces[name]
	if !ok {
		return Workspace{}, yarderrors.NewNotFoundError("workspace", project+"/"+name)
	}
	return ws, nil
}

// Environment returns the named environment.
func (r *Registry) Environment(name string) (Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	env, ok := r.state.Environments[name]
	if !ok {
		return Environment{}, yarderrors.NewNotFoundError("environment", name)
	}
	return env, nil
}

// Environments returns all environments sorted by name.
func (r *Registry) Environments() []Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	envs := make([]Environment, 0, len(r.state.Environments))
	for _, env := range r.state.Environments {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Name < envs[j].Name })
	return envs
}

// Shared returns the shared environment, if one is registered.
func (r *Registry) Shared() (Environment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, env := range r.state.Environments {
		if env.Shared {
			return env, true
		}
	}
	return Environment{}, false
}

// BoundWorkspaces returns every workspace bound to env, ordered by project
// then workspace name.
func (r *Registry) BoundWorkspaces(env string) []WorkspaceRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return boundTo(r.state, env)
}

func boundTo(st *state, env string) []WorkspaceRef {
	var refs []WorkspaceRef
	for _, p := range st.Projects {
		for _, ws := range p.Workspaces {
			if ws.Environment == env {
				refs = append(refs, WorkspaceRef{Project: p.Name, Workspace: ws})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Project != refs[j].Project {
			return refs[i].Project < refs[j].Project
		}
		return refs[i].Workspace.Name < refs[j].Workspace.Name
	})
	return refs
}

// FindWorkspaceByPath returns the workspace whose clone lives at path.
func (r *Registry) FindWorkspaceByPath(path string) (WorkspaceRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.state.Projects {
		for _, ws := range p.Workspaces {
			if layout.SamePath(ws.Path, path) {
				return WorkspaceRef{Project: p.Name, Workspace: ws}, true
			}
		}
	}
	return WorkspaceRef{}, false
}
