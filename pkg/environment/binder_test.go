package environment

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/registry"
)

// fakeTool creates environments as plain directories and freezes to a fixed
// manifest. It records the highest number of concurrent freezes.
type fakeTool struct {
	manifest   string
	createErr  error
	installErr error
	delay      time.Duration

	mu        sync.Mutex
	created   []string
	installed []string
	kernels   []string

	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeTool) Create(_ context.Context, path string) error {
	if f.createErr != nil {
		_ = os.MkdirAll(path, 0o755)
		return f.createErr
	}
	f.mu.Lock()
	f.created = append(f.created, path)
	f.mu.Unlock()
	return os.MkdirAll(path, 0o755)
}

func (f *fakeTool) IsValid(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (f *fakeTool) Freeze(context.Context, string) ([]byte, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(f.delay)
	return []byte(f.manifest), nil
}

func (f *fakeTool) Install(_ context.Context, path string, packages ...string) error {
	if f.installErr != nil {
		return f.installErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pkg := range packages {
		f.installed = append(f.installed, filepath.Base(path)+":"+pkg)
	}
	return nil
}

func (f *fakeTool) RegisterKernel(_ context.Context, path, name, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kernels = append(f.kernels, name+"="+displayName)
	return nil
}

func (f *fakeTool) createdPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

func newTestBinder(t *testing.T, tool Tool, opts ...Option) (*Binder, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.toml"))
	require.NoError(t, err)
	b, err := NewBinder(reg, tool, opts...)
	require.NoError(t, err)
	return b, reg
}

// registerProject records a project with workspaces backed by real
// directories; the binder never looks inside them.
func registerProject(t *testing.T, reg *registry.Registry, name string, workspaces ...string) map[string]string {
	t.Helper()
	root := t.TempDir()
	paths := make(map[string]string)
	p := registry.Project{
		Name:       name,
		Root:       root,
		BarePath:   filepath.Join(root, name, "origin.git"),
		Workspaces: make(map[string]registry.Workspace),
	}
	for _, ws := range workspaces {
		path := filepath.Join(root, name, "workspaces", ws)
		require.NoError(t, os.MkdirAll(path, 0o755))
		p.Workspaces[ws] = registry.Workspace{Name: ws, Path: path, Branch: "main"}
		paths[ws] = path
	}
	require.NoError(t, reg.Register(p))
	return paths
}

func TestNewBinder_ManifestName(t *testing.T) {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.toml"))
	require.NoError(t, err)

	_, err = NewBinder(reg, &fakeTool{}, WithManifestName("deps/requirements.txt"))
	assert.True(t, yarderrors.IsConfigError(err))

	b, err := NewBinder(reg, &fakeTool{}, WithManifestName("requirements.lock"))
	require.NoError(t, err)
	assert.Equal(t, "requirements.lock", b.manifestName)
}

func TestCreateEnvironment(t *testing.T) {
	tool := &fakeTool{}
	b, reg := newTestBinder(t, tool)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "global_venv")

	env, err := b.CreateEnvironment(ctx, "global", path, true)
	require.NoError(t, err)
	assert.Equal(t, registry.Environment{Name: "global", Path: path, Shared: true}, env)
	assert.Equal(t, []string{path}, tool.createdPaths())

	shared, ok := reg.Shared()
	require.True(t, ok)
	assert.Equal(t, "global", shared.Name)

	// Already valid and registered: nothing is recreated.
	_, err = b.CreateEnvironment(ctx, "global", path, false)
	require.NoError(t, err)
	assert.Len(t, tool.createdPaths(), 1)
	env, err = reg.Environment("global")
	require.NoError(t, err)
	assert.True(t, env.Shared, "re-creating does not drop the shared flag")

	_, err = b.CreateEnvironment(ctx, "global", filepath.Join(t.TempDir(), "other"), false)
	assert.True(t, yarderrors.IsCollisionError(err))

	second := filepath.Join(t.TempDir(), "second")
	_, err = b.CreateEnvironment(ctx, "second", second, true)
	assert.True(t, yarderrors.IsEnvironmentError(err), "only one shared environment")
	assert.NoDirExists(t, second)
	assert.Len(t, tool.createdPaths(), 1)

	_, err = b.CreateEnvironment(ctx, "second", second, false)
	require.NoError(t, err)
	assert.Len(t, reg.Environments(), 2)
}

func TestCreateEnvironment_Rejects(t *testing.T) {
	b, reg := newTestBinder(t, &fakeTool{})
	ctx := context.Background()

	_, err := b.CreateEnvironment(ctx, "bad name", filepath.Join(t.TempDir(), "v"), false)
	assert.True(t, yarderrors.IsNameError(err))

	_, err = b.CreateEnvironment(ctx, "rel", "relative/venv", false)
	assert.True(t, yarderrors.IsConfigError(err))

	// An existing path that is not an environment is never overwritten.
	file := filepath.Join(t.TempDir(), "taken")
	require.NoError(t, os.WriteFile(file, []byte("keep"), 0o644))
	_, err = b.CreateEnvironment(ctx, "taken", file, false)
	assert.True(t, yarderrors.IsCollisionError(err))
	data, readErr := os.ReadFile(file)
	require.NoError(t, readErr)
	assert.Equal(t, "keep", string(data))

	assert.Empty(t, reg.Environments())
}

func TestCreateEnvironment_ToolFailureCleansUp(t *testing.T) {
	tool := &fakeTool{createErr: yarderrors.NewEnvironmentError("v", "create", "exited with code 1")}
	b, reg := newTestBinder(t, tool)
	path := filepath.Join(t.TempDir(), "venv")

	_, err := b.CreateEnvironment(context.Background(), "global", path, true)
	require.Error(t, err)
	assert.True(t, yarderrors.IsEnvironmentError(err))
	assert.NoDirExists(t, path)
	assert.Empty(t, reg.Environments())
}

func TestCreateEnvironment_RegistryFailure(t *testing.T) {
	b, reg := newTestBinder(t, &fakeTool{})
	path := filepath.Join(t.TempDir(), "venv")
	require.NoError(t, os.WriteFile(reg.Path(), []byte("version = ["), 0o600))

	_, err := b.CreateEnvironment(context.Background(), "global", path, false)
	require.True(t, yarderrors.IsInconsistentState(err))
	var inconsistent *yarderrors.InconsistentStateError
	require.True(t, yarderrors.As(err, &inconsistent))
	assert.True(t, inconsistent.RolledBack)
	assert.NoDirExists(t, path)
}

func TestBindWorkspace_Idempotent(t *testing.T) {
	b, reg := newTestBinder(t, &fakeTool{})
	ctx := context.Background()
	registerProject(t, reg, "app", "main")

	_, err := b.CreateEnvironment(ctx, "global", filepath.Join(t.TempDir(), "venv"), true)
	require.NoError(t, err)

	require.NoError(t, b.BindWorkspace("global", "app", "main"))
	once, err := os.ReadFile(reg.Path())
	require.NoError(t, err)

	require.NoError(t, b.BindWorkspace("global", "app", "main"))
	twice, err := os.ReadFile(reg.Path())
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	refs := reg.BoundWorkspaces("global")
	require.Len(t, refs, 1)
	assert.Equal(t, "main", refs[0].Workspace.Name)

	err = b.BindWorkspace("missing", "app", "main")
	assert.True(t, yarderrors.IsNotFound(err))

	assert.True(t, yarderrors.IsEnvironmentError(b.RemoveEnvironment("global")), "bound environments stay")
	require.NoError(t, b.UnbindWorkspace("app", "main"))
	assert.Empty(t, reg.BoundWorkspaces("global"))
	require.NoError(t, b.RemoveEnvironment("global"))
	assert.Empty(t, reg.Environments())
}

func TestSetSharedAndProjectDefault(t *testing.T) {
	b, reg := newTestBinder(t, &fakeTool{})
	ctx := context.Background()
	registerProject(t, reg, "app", "main")

	_, err := b.CreateEnvironment(ctx, "global", filepath.Join(t.TempDir(), "global"), true)
	require.NoError(t, err)
	_, err = b.CreateEnvironment(ctx, "ml", filepath.Join(t.TempDir(), "ml"), false)
	require.NoError(t, err)

	require.NoError(t, b.SetShared("ml"))
	shared, ok := reg.Shared()
	require.True(t, ok)
	assert.Equal(t, "ml", shared.Name)
	assert.True(t, yarderrors.IsNotFound(b.SetShared("missing")))

	require.NoError(t, b.SetProjectDefault("app", "global"))
	p, err := reg.Project("app")
	require.NoError(t, err)
	assert.Equal(t, "global", p.Environment)
	assert.True(t, yarderrors.IsEnvironmentError(b.RemoveEnvironment("global")), "project default stays")

	require.NoError(t, b.SetProjectDefault("app", ""))
	require.NoError(t, b.RemoveEnvironment("global"))
}

func TestExportManifest(t *testing.T) {
	manifest := "click==8.1.7\nrequests==2.32.3\n"
	b, reg := newTestBinder(t, &fakeTool{manifest: manifest})
	ctx := context.Background()
	paths := registerProject(t, reg, "app", "main", "review")

	_, err := b.CreateEnvironment(ctx, "global", filepath.Join(t.TempDir(), "venv"), true)
	require.NoError(t, err)
	require.NoError(t, b.BindWorkspace("global", "app", "main"))
	require.NoError(t, b.BindWorkspace("global", "app", "review"))

	for _, ws := range []string{"main", "review"} {
		dest, err := b.ExportManifest(ctx, "app", ws)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(paths[ws], DefaultManifestName), dest)

		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, manifest, string(data), "manifest is written unmodified")
	}
}

func TestExportManifest_Errors(t *testing.T) {
	b, reg := newTestBinder(t, &fakeTool{manifest: "a==1\n"})
	ctx := context.Background()
	paths := registerProject(t, reg, "app", "main", "gone")

	_, err := b.ExportManifest(ctx, "app", "main")
	assert.True(t, yarderrors.IsEnvironmentError(err), "unbound workspace")

	_, err = b.ExportManifest(ctx, "app", "nope")
	assert.True(t, yarderrors.IsNotFound(err))

	venv := filepath.Join(t.TempDir(), "venv")
	_, err = b.CreateEnvironment(ctx, "global", venv, true)
	require.NoError(t, err)
	require.NoError(t, b.BindWorkspace("global", "app", "main"))
	require.NoError(t, b.BindWorkspace("global", "app", "gone"))

	require.NoError(t, os.RemoveAll(paths["gone"]))
	_, err = b.ExportManifest(ctx, "app", "gone")
	assert.True(t, yarderrors.IsWorkspaceError(err))

	require.NoError(t, os.RemoveAll(venv))
	_, err = b.ExportManifest(ctx, "app", "main")
	assert.True(t, yarderrors.IsEnvironmentError(err), "environment no longer valid")
	assert.NoFileExists(t, filepath.Join(paths["main"], DefaultManifestName))
}

func TestExportManifest_SerializedPerEnvironment(t *testing.T) {
	defer goleak.VerifyNone(t)

	tool := &fakeTool{manifest: "a==1\n", delay: 20 * time.Millisecond}
	b, reg := newTestBinder(t, tool)
	ctx := context.Background()
	workspaces := []string{"w1", "w2", "w3", "w4"}
	registerProject(t, reg, "app", workspaces...)

	_, err := b.CreateEnvironment(ctx, "global", filepath.Join(t.TempDir(), "venv"), true)
	require.NoError(t, err)
	for _, ws := range workspaces {
		require.NoError(t, b.BindWorkspace("global", "app", ws))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(workspaces))
	for _, ws := range workspaces {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.ExportManifest(ctx, "app", ws)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), tool.maxSeen.Load())
}

func TestInstall(t *testing.T) {
	tool := &fakeTool{}
	b, _ := newTestBinder(t, tool)
	ctx := context.Background()

	dir := t.TempDir()
	_, err := b.CreateEnvironment(ctx, "global", filepath.Join(dir, "global"), true)
	require.NoError(t, err)
	_, err = b.CreateEnvironment(ctx, "ml", filepath.Join(dir, "ml"), false)
	require.NoError(t, err)

	env, err := b.Install(ctx, "", []string{"pandas"}, InstallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "global", env.Name)

	env, err = b.Install(ctx, "ml", nil, InstallOptions{Kernel: true})
	require.NoError(t, err)
	assert.Equal(t, "ml", env.Name)

	assert.Equal(t, []string{"global:pandas", "ml:ipykernel"}, tool.installed)
	assert.Equal(t, []string{"ml=Python (ml)"}, tool.kernels)
}

func TestInstall_Errors(t *testing.T) {
	tool := &fakeTool{}
	b, _ := newTestBinder(t, tool)
	ctx := context.Background()

	_, err := b.Install(ctx, "", []string{"pandas"}, InstallOptions{})
	assert.True(t, yarderrors.IsEnvironmentError(err), "no shared environment")

	_, err = b.Install(ctx, "missing", []string{"pandas"}, InstallOptions{})
	assert.True(t, yarderrors.IsNotFound(err))

	path := filepath.Join(t.TempDir(), "global")
	_, err = b.CreateEnvironment(ctx, "global", path, true)
	require.NoError(t, err)

	_, err = b.Install(ctx, "", nil, InstallOptions{})
	assert.True(t, yarderrors.IsEnvironmentError(err), "nothing to install")

	_, err = b.Install(ctx, "", []string{"--index-url=http://evil"}, InstallOptions{})
	assert.True(t, yarderrors.IsEnvironmentError(err), "options are not packages")

	tool.installErr = errors.New("pip failed")
	_, err = b.Install(ctx, "", []string{"pandas"}, InstallOptions{Kernel: true})
	require.Error(t, err)
	assert.Empty(t, tool.kernels, "no kernel is registered when the install fails")
	tool.installErr = nil

	require.NoError(t, os.RemoveAll(path))
	_, err = b.Install(ctx, "", []string{"pandas"}, InstallOptions{})
	assert.True(t, yarderrors.IsEnvironmentError(err), "environment gone from disk")
	assert.Empty(t, tool.installed)
}
