package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	yarderrors "thoreinstein.com/yard/pkg/errors"
)

func openTemp(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "registry.toml")
	r, err := Open(path)
	require.NoError(t, err)
	return r, path
}

func sampleProject(root, name string, workspaces ...string) Project {
	p := Project{
		Name:       name,
		Root:       root,
		BarePath:   filepath.Join(root, name, "origin.git"),
		Workspaces: map[string]Workspace{},
	}
	for _, ws := range workspaces {
		p.Workspaces[ws] = Workspace{Name: ws, Path: filepath.Join(root, name, "workspaces", ws), Branch: "main"}
	}
	return p
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	r, path := openTemp(t)
	assert.Empty(t, r.List())
	assert.Empty(t, r.Environments())
	assert.Equal(t, path, r.Path())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "opening must not create the file")
}

func TestOpen_RelativePath(t *testing.T) {
	_, err := Open("registry.toml")
	assert.True(t, yarderrors.IsConfigError(err))
}

func TestOpen_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = [this is not toml"), 0o600))

	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, yarderrors.IsRegistryCorrupt(err))
}

func TestOpen_KeyMismatchIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")
	doc := `version = 1

[projects.alpha]
name = "beta"
root = "/r"
bare_path = "/r/beta/origin.git"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := Open(path)
	assert.True(t, yarderrors.IsRegistryCorrupt(err))
}

func TestOpen_NewerFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 99\n"), 0o600))

	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, yarderrors.IsRegistryError(err))
	assert.False(t, yarderrors.IsRegistryCorrupt(err))
}

func TestRegister_RoundTripsThroughDisk(t *testing.T) {
	r, path := openTemp(t)
	root := t.TempDir()

	require.NoError(t, r.Register(sampleProject(root, "app", "main")))

	reopened, err := Open(path)
	require.NoError(t, err)

	p, err := reopened.Project("app")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "app", "origin.git"), p.BarePath)
	require.Contains(t, p.Workspaces, "main")
	assert.Equal(t, "main", p.Workspaces["main"].Branch)
	assert.False(t, p.Workspaces["main"].CreatedAt.IsZero())
	assert.Equal(t, filepath.Join(root, "app"), p.Dir())
}

func TestRegister_Duplicate(t *testing.T) {
	r, _ := openTemp(t)
	root := t.TempDir()

	require.NoError(t, r.Register(sampleProject(root, "app")))
	err := r.Register(sampleProject(root, "app"))
	assert.True(t, yarderrors.IsCollisionError(err))
}

func TestRegisterWorkspace(t *testing.T) {
	r, _ := openTemp(t)
	root := t.TempDir()
	require.NoError(t, r.Register(sampleProject(root, "app", "main")))

	ws := Workspace{Name: "feature", Path: filepath.Join(root, "app", "workspaces", "feature")}
	require.NoError(t, r.RegisterWorkspace("app", ws))

	err := r.RegisterWorkspace("app", ws)
	assert.True(t, yarderrors.IsCollisionError(err))

	err = r.RegisterWorkspace("missing", ws)
	assert.True(t, yarderrors.IsNotFound(err))

	p, err := r.Project("app")
	require.NoError(t, err)
	assert.Equal(t, []string{"feature", "main"}, p.WorkspaceNames())

	got, err := r.Workspace("app", "feature")
	require.NoError(t, err)
	assert.Equal(t, ws.Path, got.Path)
}

func TestUnregister(t *testing.T) {
	r, _ := openTemp(t)
	root := t.TempDir()
	require.NoError(t, r.Register(sampleProject(root, "app", "main", "feature")))

	require.NoError(t, r.UnregisterWorkspace("app", "feature"))
	assert.True(t, yarderrors.IsNotFound(r.UnregisterWorkspace("app", "feature")))

	p, err := r.Project("app")
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, p.WorkspaceNames())

	require.NoError(t, r.UnregisterProject("app"))
	_, err = r.Project("app")
	assert.True(t, yarderrors.IsNotFound(err))
}

func TestReadsReturnCopies(t *testing.T) {
	r, _ := openTemp(t)
	require.NoError(t, r.Register(sampleProject(t.TempDir(), "app", "main")))

	p, err := r.Project("app")
	require.NoError(t, err)
	delete(p.Workspaces, "main")

	again, err := r.Project("app")
	require.NoError(t, err)
	assert.Contains(t, again.Workspaces, "main")
}

func TestEnvironments(t *testing.T) {
	r, _ := openTemp(t)
	envDir := t.TempDir()

	require.NoError(t, r.RegisterEnvironment(Environment{Name: "global", Path: envDir, Shared: true}))
	// Same name and path again is a no-op.
	require.NoError(t, r.RegisterEnvironment(Environment{Name: "global", Path: envDir}))

	shared, ok := r.Shared()
	require.True(t, ok)
	assert.Equal(t, "global", shared.Name)

	err := r.RegisterEnvironment(Environment{Name: "global", Path: t.TempDir()})
	assert.True(t, yarderrors.IsCollisionError(err))

	err = r.RegisterEnvironment(Environment{Name: "other", Path: t.TempDir(), Shared: true})
	assert.True(t, yarderrors.IsEnvironmentError(err), "only one shared environment")

	require.NoError(t, r.RegisterEnvironment(Environment{Name: "other", Path: t.TempDir()}))
	require.NoError(t, r.SetShared("other"))

	shared, ok = r.Shared()
	require.True(t, ok)
	assert.Equal(t, "other", shared.Name)

	g, err := r.Environment("global")
	require.NoError(t, err)
	assert.False(t, g.Shared)

	assert.Len(t, r.Environments(), 2)
}

func TestBindWorkspace_Idempotent(t *testing.T) {
	r, path := openTemp(t)
	require.NoError(t, r.Register(sampleProject(t.TempDir(), "app", "main")))
	require.NoError(t, r.RegisterEnvironment(Environment{Name: "global", Path: t.TempDir(), Shared: true}))

	require.NoError(t, r.BindWorkspace("global", "app", "main"))
	once, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, r.BindWorkspace("global", "app", "main"))
	twice, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, string(once), string(twice))

	refs := r.BoundWorkspaces("global")
	require.Len(t, refs, 1)
	assert.Equal(t, "app", refs[0].Project)
	assert.Equal(t, "main", refs[0].Workspace.Name)
}

func TestBindWorkspace_Rebind(t *testing.T) {
	r, _ := openTemp(t)
	require.NoError(t, r.Register(sampleProject(t.TempDir(), "app", "main")))
	require.NoError(t, r.RegisterEnvironment(Environment{Name: "a", Path: t.TempDir()}))
	require.NoError(t, r.RegisterEnvironment(Environment{Name: "b", Path: t.TempDir()}))

	require.NoError(t, r.BindWorkspace("a", "app", "main"))
	require.NoError(t, r.BindWorkspace("b", "app", "main"))

	assert.Empty(t, r.BoundWorkspaces("a"))
	assert.Len(t, r.BoundWorkspaces("b"), 1)

	assert.True(t, yarderrors.IsNotFound(r.BindWorkspace("missing", "app", "main")))
	assert.True(t, yarderrors.IsNotFound(r.BindWorkspace("a", "app", "missing")))

	err := r.UnregisterEnvironment("b")
	assert.True(t, yarderrors.IsEnvironmentError(err), "bound environments cannot be removed")

	require.NoError(t, r.UnbindWorkspace("app", "main"))
	assert.Empty(t, r.BoundWorkspaces("b"))
	require.NoError(t, r.UnregisterEnvironment("b"))
}

func TestSetProjectEnvironment(t *testing.T) {
	r, _ := openTemp(t)
	require.NoError(t, r.Register(sampleProject(t.TempDir(), "app")))
	require.NoError(t, r.RegisterEnvironment(Environment{Name: "global", Path: t.TempDir()}))

	require.NoError(t, r.SetProjectEnvironment("app", "global"))
	p, err := r.Project("app")
	require.NoError(t, err)
	assert.Equal(t, "global", p.Environment)

	assert.True(t, yarderrors.IsNotFound(r.SetProjectEnvironment("app", "missing")))
	assert.True(t, yarderrors.IsEnvironmentError(r.UnregisterEnvironment("global")))

	require.NoError(t, r.SetProjectEnvironment("app", ""))
	require.NoError(t, r.UnregisterEnvironment("global"))
}

func TestFindWorkspaceByPath(t *testing.T) {
	r, _ := openTemp(t)
	root := t.TempDir()
	require.NoError(t, r.Register(sampleProject(root, "app", "main")))

	ref, ok := r.FindWorkspaceByPath(filepath.Join(root, "app", "workspaces", "main") + "/")
	require.True(t, ok)
	assert.Equal(t, "app", ref.Project)

	_, ok = r.FindWorkspaceByPath(filepath.Join(root, "elsewhere"))
	assert.False(t, ok)
}

func TestUpdate_SeesOtherProcessWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")
	root := t.TempDir()

	a, err := Open(path)
	require.NoError(t, err)
	b, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, a.Register(sampleProject(root, "one")))
	require.NoError(t, b.Register(sampleProject(root, "two")))

	// b re-read the file under the lock, so a's project survived.
	assert.Len(t, b.List(), 2)

	require.NoError(t, a.Reload())
	assert.Len(t, a.List(), 2)
}

func TestUpdate_ConcurrentWritersLoseNothing(t *testing.T) {
	r, path := openTemp(t)
	root := t.TempDir()

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, r.Register(sampleProject(root, name)))
		}(name)
	}
	wg.Wait()

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Len(t, reopened.List(), 8)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "no temp files should be left behind")
	}
}

func TestUpdate_FailedMutationLeavesFileUntouched(t *testing.T) {
	r, path := openTemp(t)
	require.NoError(t, r.Register(sampleProject(t.TempDir(), "app")))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Error(t, r.RegisterWorkspace("missing", Workspace{Name: "x", Path: "/x"}))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}
