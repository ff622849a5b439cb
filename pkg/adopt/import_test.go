package adopt

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/git"
	"thoreinstein.com/yard/pkg/git/gittest"
	"thoreinstein.com/yard/pkg/runner"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestImport_Folder(t *testing.T) {
	gittest.RequireGit(t)
	a, root := newTestAdopter(t, nil)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "field data")
	writeTree(t, src, map[string]string{
		"analysis.py":        "print('hi')\n",
		"data/readings.csv":  "a,b\n1,2\n",
		".venv/pyvenv.cfg":   "home = /usr/bin\n",
		".venv/bin/python":   "",
		"env/Scripts/x.txt":  "",
		"notes/env/keep.txt": "nested names are ordinary folders\n",
	})

	res, err := a.Import(ctx, ImportRequest{Root: root, Dir: src})
	require.NoError(t, err)
	assert.Equal(t, "field_data", res.Project)
	assert.Equal(t, []string{".venv", "env"}, res.Environments)
	assert.Equal(t, 3, res.Files)

	ws := res.Workspace.Path
	assert.Equal(t, filepath.Join(root, "field_data", "workspaces", "main"), ws)
	assert.FileExists(t, filepath.Join(ws, "data", "readings.csv"))
	assert.FileExists(t, filepath.Join(ws, "notes", "env", "keep.txt"))
	assert.NoDirExists(t, filepath.Join(ws, ".venv"))
	assert.NoDirExists(t, filepath.Join(ws, "env"))

	bare := filepath.Join(root, "field_data", "origin.git")
	assert.Equal(t, res.Head, gittest.Git(t, bare, "rev-parse", "refs/heads/main"))
	assert.Equal(t, ImportCommitMessage, gittest.Git(t, ws, "log", "-1", "--format=%s"))
	assert.Equal(t, "origin/main", gittest.Git(t, ws, "rev-parse", "--abbrev-ref", "@{upstream}"))
	assert.Empty(t, gittest.Git(t, ws, "status", "--porcelain"))

	assert.DirExists(t, filepath.Join(src, ".venv"), "the source folder is copied, not moved")
	assert.NoDirExists(t, filepath.Join(src, ".git"))

	discrepancies, err := a.manager.Reconcile(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)
}

func TestImport_EmptyFolder(t *testing.T) {
	gittest.RequireGit(t)
	a, root := newTestAdopter(t, nil)

	src := filepath.Join(t.TempDir(), "scratch")
	require.NoError(t, os.MkdirAll(src, 0o755))

	res, err := a.Import(context.Background(), ImportRequest{Root: root, Dir: src, Workspace: "dev"})
	require.NoError(t, err)
	assert.Zero(t, res.Files)
	assert.Equal(t, "dev", res.Workspace.Name)
	assert.Equal(t, res.Head, gittest.Git(t, filepath.Join(root, "scratch", "origin.git"), "rev-parse", "refs/heads/main"))
}

func TestImport_Refusals(t *testing.T) {
	gittest.RequireGit(t)
	a, root := newTestAdopter(t, nil)
	ctx := context.Background()

	repo := filepath.Join(t.TempDir(), "repo")
	gittest.InitRepo(t, repo)
	_, err := a.Import(ctx, ImportRequest{Root: root, Dir: repo})
	assert.True(t, yarderrors.IsAdoptionError(err))
	assert.Contains(t, err.Error(), "adopt run")

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = a.Import(ctx, ImportRequest{Root: root, Dir: file})
	assert.True(t, yarderrors.IsAdoptionError(err))

	outer := t.TempDir()
	_, err = a.Import(ctx, ImportRequest{Root: filepath.Join(outer, "inner"), Dir: outer})
	assert.True(t, yarderrors.IsAdoptionError(err), "a folder that contains the root is refused")

	src := filepath.Join(t.TempDir(), "taken")
	writeTree(t, src, map[string]string{"a.txt": "a\n"})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "taken"), 0o755))
	_, err = a.Import(ctx, ImportRequest{Root: root, Dir: src})
	assert.True(t, yarderrors.IsCollisionError(err))
	assert.DirExists(t, filepath.Join(root, "taken"), "an existing directory is never removed")
	assert.Empty(t, a.manager.Registry().List())
}

// rejectingPush runs git for real but fails every push.
type rejectingPush struct {
	exec *runner.ExecRunner
}

func (r rejectingPush) Run(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	if slices.Contains(cmd.Args, "push") {
		return runner.Failure(1, "error: failed to push some refs"), nil
	}
	return r.exec.Run(ctx, cmd)
}

func TestImport_FailureRemovesProject(t *testing.T) {
	gittest.RequireGit(t)
	a, root := newTestAdopter(t, rejectingPush{exec: runner.NewExecRunner()})

	src := filepath.Join(t.TempDir(), "notes")
	writeTree(t, src, map[string]string{"todo.md": "- ship\n"})

	_, err := a.Import(context.Background(), ImportRequest{Root: root, Dir: src})
	require.Error(t, err)
	assert.True(t, yarderrors.IsAdoptionError(err))
	assert.True(t, yarderrors.IsRepoError(err))
	assert.False(t, yarderrors.IsInconsistentState(err))

	assert.NoDirExists(t, filepath.Join(root, "notes"))
	assert.Empty(t, a.manager.Registry().List())
	assert.FileExists(t, filepath.Join(src, "todo.md"))
	assert.False(t, git.HasWorkTreeMetadata(src))
}
