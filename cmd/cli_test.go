package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thoreinstein.com/yard/pkg/adopt"
	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/git/gittest"
	"thoreinstein.com/yard/pkg/journal"
	"thoreinstein.com/yard/pkg/registry"
)

// resetFlags puts every flag of cmd and its children back to its default
// so one invocation does not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// testEnv is an isolated home with a config file pointing every yard path
// into a temp directory.
type testEnv struct {
	root   string
	config string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gittest.RequireGit(t)
	t.Chdir(t.TempDir())
	t.Cleanup(resetConfig)

	data := t.TempDir()
	env := &testEnv{
		root:   filepath.Join(data, "projects"),
		config: filepath.Join(data, "config.toml"),
	}
	require.NoError(t, os.MkdirAll(env.root, 0o755))
	content := `root = "` + env.root + `"

[registry]
path = "` + filepath.Join(data, "registry.toml") + `"

[environment]
path = "` + filepath.Join(data, "global_venv") + `"

[journal]
path = "` + filepath.Join(data, "journal.db") + `"
`
	require.NoError(t, os.WriteFile(env.config, []byte(content), 0o644))
	return env
}

// run executes yard with args and returns what it wrote to stdout.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(bytes.NewReader(nil))
	rootCmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "yard %v\n%s", args, out)
	return out
}

func TestCLI_ProjectAndWorkspaceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "project", "create", "api")
	assert.Contains(t, out, "Created project api")
	assert.DirExists(t, filepath.Join(env.root, "api", "origin.git"))
	mainWs := filepath.Join(env.root, "api", "workspaces", "main")
	gittest.Commit(t, mainWs, "README.md", "api\n", "initial commit")
	gittest.Git(t, mainWs, "push", "--quiet", "origin", "main")

	out = env.mustRun(t, "workspace", "create", "api", "login", "--branch", "feature/login")
	assert.Contains(t, out, "on branch feature/login")

	var workspaces []registry.Workspace
	out = env.mustRun(t, "workspace", "list", "api", "-o", "json")
	require.NoError(t, json.Unmarshal([]byte(out), &workspaces))
	require.Len(t, workspaces, 2)
	assert.Equal(t, "login", workspaces[0].Name)
	assert.Equal(t, "feature/login", workspaces[0].Branch)
	assert.Equal(t, "main", workspaces[1].Name)

	out = env.mustRun(t, "workspace", "status", "api", "login")
	assert.Contains(t, out, "Branch: feature/login")

	_, err := env.run(t, "workspace", "create", "api", "login")
	assert.True(t, yarderrors.IsCollisionError(err))

	out = env.mustRun(t, "reconcile", "--strict")
	assert.Contains(t, out, "agree")

	env.mustRun(t, "workspace", "remove", "api", "login")
	assert.NoDirExists(t, filepath.Join(env.root, "api", "workspaces", "login"))

	out = env.mustRun(t, "project", "list")
	assert.Contains(t, out, "api")

	var entries []journal.Entry
	out = env.mustRun(t, "history", "-o", "json")
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 4)
	assert.Equal(t, "workspace.remove", entries[0].Operation)
	assert.Equal(t, journal.OutcomeFailed, entries[1].Outcome)
	assert.Equal(t, "project.create", entries[3].Operation)

	out = env.mustRun(t, "history", "--failed-only")
	assert.Contains(t, out, "workspace.create")
	assert.NotContains(t, out, "project.create")
}

func TestCLI_ReconcileStrict(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun(t, "project", "create", "api")

	require.NoError(t, os.RemoveAll(filepath.Join(env.root, "api", "workspaces", "main")))

	out, err := env.run(t, "reconcile", "-o", "json")
	require.NoError(t, err)
	var found []registry.Discrepancy
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	require.Len(t, found, 1)
	assert.Equal(t, registry.MissingOnDisk, found[0].Kind)

	_, err = env.run(t, "reconcile", "--strict")
	assert.Error(t, err)
}

func TestCLI_Adopt(t *testing.T) {
	env := newTestEnv(t)

	loose := filepath.Join(env.root, "tool")
	head := gittest.InitRepo(t, loose)

	var candidates []adopt.Candidate
	out := env.mustRun(t, "adopt", "scan", "-o", "json")
	require.NoError(t, json.Unmarshal([]byte(out), &candidates))
	require.Len(t, candidates, 1)
	assert.Equal(t, adopt.Unmanaged, candidates[0].Class)

	out = env.mustRun(t, "adopt", "run", loose)
	assert.Contains(t, out, "Adopted tool/tool")
	assert.Contains(t, out, head[:12])
	// The loose directory's name is reused for the project it became.
	assert.DirExists(t, filepath.Join(env.root, "tool", "workspaces", "tool"))
	assert.NoDirExists(t, filepath.Join(env.root, "tool", ".git"))
	assert.Equal(t, head, gittest.Head(t, filepath.Join(env.root, "tool", "workspaces", "tool")))

	out = env.mustRun(t, "adopt", "scan")
	assert.Contains(t, out, string(adopt.NotARepo))

	// stdin is not a terminal, so no prompt.
	out = env.mustRun(t, "adopt", "all", "--project", "tool")
	assert.Contains(t, out, "Nothing to adopt")

	env.mustRun(t, "reconcile", "--strict")
}

func TestCLI_AdoptImport(t *testing.T) {
	env := newTestEnv(t)

	src := filepath.Join(t.TempDir(), "survey data")
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".venv"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".venv", "pyvenv.cfg"), []byte("home = /usr\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "clean.py"), []byte("print()\n"), 0o644))

	out := env.mustRun(t, "adopt", "import", src)
	assert.Contains(t, out, "survey_data/main")
	assert.Contains(t, out, "Files: 1")
	assert.Contains(t, out, ".venv")

	ws := filepath.Join(env.root, "survey_data", "workspaces", "main")
	assert.FileExists(t, filepath.Join(ws, "clean.py"))
	assert.NoDirExists(t, filepath.Join(ws, ".venv"))

	// Importing a repository is refused and points at adoption.
	_, err := env.run(t, "adopt", "import", ws)
	assert.True(t, yarderrors.IsAdoptionError(err))

	out = env.mustRun(t, "history", "--operation", "adopt.import", "-o", "json")
	assert.Contains(t, out, "survey_data")

	env.mustRun(t, "reconcile", "--strict")
}

func TestCLI_EnvInstall(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "env", "install")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--kernel")

	_, err = env.run(t, "env", "install", "pandas")
	assert.True(t, yarderrors.IsEnvironmentError(err), "no shared environment yet")

	_, err = env.run(t, "env", "install", "--env", "ml", "pandas")
	assert.True(t, yarderrors.IsNotFound(err))
}

func TestCLI_Doctor(t *testing.T) {
	env := newTestEnv(t)

	var results []checkResult
	out, _ := env.run(t, "doctor", "-o", "json")
	require.NoError(t, json.Unmarshal([]byte(out), &results))

	byName := make(map[string]checkResult)
	for _, r := range results {
		byName[r.Name] = r
	}
	assert.Equal(t, checkPass, byName["git"].Status)
	assert.Equal(t, checkPass, byName["root"].Status)
	assert.Equal(t, checkWarn, byName["environment"].Status, "no shared environment yet")
	assert.Equal(t, checkPass, byName["journal"].Status)
}

func TestCLI_EnvList(t *testing.T) {
	env := newTestEnv(t)
	out := env.mustRun(t, "env", "list")
	assert.Contains(t, out, "No environments registered")

	_, err := env.run(t, "env", "bind", "api", "main")
	assert.True(t, yarderrors.IsNotFound(err))
}
