package environment

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/fsutil"
	"thoreinstein.com/yard/pkg/layout"
	"thoreinstein.com/yard/pkg/registry"
)

// DefaultManifestName is the file ExportManifest writes in a workspace.
const DefaultManifestName = "requirements.txt"

// Binder creates environments, binds workspaces to them and exports
// manifests. It only reads workspace paths; it never touches repositories.
type Binder struct {
	registry     *registry.Registry
	tool         Tool
	logger       *slog.Logger
	manifestName string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Binder.
type Option func(*Binder)

// WithLogger sets the binder logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Binder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithManifestName sets the manifest file name. It must be a bare file name.
func WithManifestName(name string) Option {
	return func(b *Binder) {
		if name != "" {
			b.manifestName = name
		}
	}
}

// NewBinder creates a Binder over reg using tool for environment operations.
func NewBinder(reg *registry.Registry, tool Tool, opts ...Option) (*Binder, error) {
	b := &Binder{
		registry:     reg,
		tool:         tool,
		logger:       slog.New(slog.DiscardHandler),
		manifestName: DefaultManifestName,
		locks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.manifestName != filepath.Base(b.manifestName) || b.manifestName == "." || b.manifestName == ".." {
		return nil, yarderrors.NewConfigError("environment.manifest_name", "must be a file name, not a path")
	}
	return b, nil
}

// lock serializes operations on one environment.
func (b *Binder) lock(env string) func() {
	b.mu.Lock()
	l, ok := b.locks[env]
	if !ok {
		l = &sync.Mutex{}
		b.locks[env] = l
	}
	b.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// CreateEnvironment creates the environment at path unless a valid one is
// already there, then registers it. Creating an environment that is already
// registered at the same path only fixes up the shared flag.
func (b *Binder) CreateEnvironment(ctx context.Context, name, path string, shared bool) (registry.Environment, error) {
	if err := layout.ValidateName("environment", name); err != nil {
		return registry.Environment{}, err
	}
	if !filepath.IsAbs(path) {
		return registry.Environment{}, yarderrors.NewConfigError("environment.path", "environment path must be absolute: "+path)
	}
	path = filepath.Clean(path)

	defer b.lock(name)()
	logger := b.logger.With("op", uuid.NewString(), "environment", name)

	existing, err := b.registry.Environment(name)
	switch {
	case err == nil:
		if !layout.SamePath(existing.Path, path) {
			return registry.Environment{}, yarderrors.NewCollisionError(path,
				"environment "+name+" is already registered at "+existing.Path)
		}
	case !yarderrors.IsNotFound(err):
		return registry.Environment{}, err
	}
	if shared {
		if other, ok := b.registry.Shared(); ok && other.Name != name {
			return registry.Environment{}, yarderrors.NewEnvironmentError(name, "create",
				"environment "+other.Name+" is already the shared environment")
		}
	}

	created := false
	if !b.tool.IsValid(path) {
		if _, err := os.Stat(path); err == nil {
			return registry.Environment{}, yarderrors.NewCollisionError(path, "path exists but is not a usable environment")
		}
		logger.Info("creating environment", "path", path)
		if err := b.tool.Create(ctx, path); err != nil {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				logger.Warn("cannot remove partial environment", "path", path, "error", rmErr)
			}
			return registry.Environment{}, err
		}
		created = true
	}

	env := registry.Environment{Name: name, Path: path, Shared: shared}
	if err := b.registry.RegisterEnvironment(env); err != nil {
		if !created {
			return registry.Environment{}, err
		}
		rmErr := os.RemoveAll(path)
		return registry.Environment{}, yarderrors.NewInconsistentStateError("create-environment", []string{path}, rmErr == nil, err)
	}

	logger.Info("environment registered", "path", path, "shared", shared, "created", created)
	return b.registry.Environment(name)
}

// RemoveEnvironment unregisters an environment nothing is bound to. The
// environment's files are left on disk.
func (b *Binder) RemoveEnvironment(name string) error {
	defer b.lock(name)()
	return b.registry.UnregisterEnvironment(name)
}

// BindWorkspace binds a workspace to env. Binding twice is a no-op.
func (b *Binder) BindWorkspace(env, project, workspace string) error {
	if err := b.registry.BindWorkspace(env, project, workspace); err != nil {
		return err
	}
	b.logger.Debug("workspace bound", "environment", env, "project", project, "workspace", workspace)
	return nil
}

// UnbindWorkspace clears a workspace's environment reference.
func (b *Binder) UnbindWorkspace(project, workspace string) error {
	return b.registry.UnbindWorkspace(project, workspace)
}

// SetShared makes name the shared environment.
func (b *Binder) SetShared(name string) error {
	return b.registry.SetShared(name)
}

// SetProjectDefault sets the environment new workspaces of project are bound
// to when they are created. An empty env clears it.
func (b *Binder) SetProjectDefault(project, env string) error {
	return b.registry.SetProjectEnvironment(project, env)
}

// ExportManifest freezes the workspace's environment and writes the output,
// unmodified, to the manifest file in the workspace directory. It returns the
// manifest path.
func (b *Binder) ExportManifest(ctx context.Context, project, workspace string) (string, error) {
	ws, err := b.registry.Workspace(project, workspace)
	if err != nil {
		return "", err
	}
	if ws.Environment == "" {
		return "", yarderrors.NewEnvironmentError("", "export",
			"workspace "+project+"/"+workspace+" is not bound to an environment; run 'yard env bind'")
	}
	env, err := b.registry.Environment(ws.Environment)
	if err != nil {
		return "", err
	}

	defer b.lock(env.Name)()
	logger := b.logger.With("op", uuid.NewString(), "environment", env.Name, "project", project, "workspace", workspace)

	if !b.tool.IsValid(env.Path) {
		return "", yarderrors.NewEnvironmentError(env.Name, "export", "no usable environment at "+env.Path+"; run 'yard env create'")
	}
	if info, err := os.Stat(ws.Path); err != nil || !info.IsDir() {
		return "", yarderrors.NewWorkspaceError(project, workspace, "workspace directory "+ws.Path+" is missing", err)
	}

	manifest, err := b.tool.Freeze(ctx, env.Path)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(ws.Path, b.manifestName)
	if err := fsutil.WriteFileAtomic(dest, manifest, 0o644); err != nil {
		return "", yarderrors.NewEnvironmentErrorWithCause(env.Name, "export", "cannot write "+dest, err)
	}
	logger.Info("manifest exported", "path", dest, "bytes", len(manifest))
	return dest, nil
}

// KernelPackage is installed by Install when a kernel is requested.
const KernelPackage = "ipykernel"

// InstallOptions tune Install.
type InstallOptions struct {
	// Kernel installs ipykernel and registers the environment as a Jupyter
	// kernel named after it.
	Kernel bool
}

// Install installs packages into the environment called name, or the shared
// environment when name is empty. It returns the environment it installed
// into.
func (b *Binder) Install(ctx context.Context, name string, packages []string, opts InstallOptions) (registry.Environment, error) {
	env, err := b.resolve(name)
	if err != nil {
		return registry.Environment{}, err
	}
	for _, pkg := range packages {
		if pkg == "" || pkg[0] == '-' {
			return registry.Environment{}, yarderrors.NewEnvironmentError(env.Name, "install", "invalid package "+strconv.Quote(pkg))
		}
	}
	if opts.Kernel && !slices.Contains(packages, KernelPackage) {
		packages = append(packages, KernelPackage)
	}
	if len(packages) == 0 {
		return registry.Environment{}, yarderrors.NewEnvironmentError(env.Name, "install", "no packages given")
	}

	defer b.lock(env.Name)()
	logger := b.logger.With("op", uuid.NewString(), "environment", env.Name)

	if !b.tool.IsValid(env.Path) {
		return registry.Environment{}, yarderrors.NewEnvironmentError(env.Name, "install", "no usable environment at "+env.Path+"; run 'yard env create'")
	}
	if err := b.tool.Install(ctx, env.Path, packages...); err != nil {
		return registry.Environment{}, err
	}
	logger.Info("packages installed", "packages", packages)

	if opts.Kernel {
		display := "Python (" + env.Name + ")"
		if err := b.tool.RegisterKernel(ctx, env.Path, env.Name, display); err != nil {
			return registry.Environment{}, err
		}
		logger.Info("kernel registered", "kernel", env.Name, "display_name", display)
	}
	return env, nil
}

// resolve looks up the environment called name, or the shared one.
func (b *Binder) resolve(name string) (registry.Environment, error) {
	if name != "" {
		return b.registry.Environment(name)
	}
	env, ok := b.registry.Shared()
	if !ok {
		return registry.Environment{}, yarderrors.NewEnvironmentError("", "install",
			"no shared environment; run 'yard env create' or pass --env")
	}
	return env, nil
}
