package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func observed(root string, p Project) ObservedProject {
	op := ObservedProject{
		Name:       p.Name,
		Dir:        p.Dir(),
		HasBare:    true,
		Workspaces: map[string]ObservedWorkspace{},
	}
	for name, ws := range p.Workspaces {
		op.Workspaces[name] = ObservedWorkspace{Name: name, Path: ws.Path, IsRepo: true, OriginURL: p.BarePath}
	}
	return op
}

func TestReconcile(t *testing.T) {
	root := "/srv/yard"
	app := sampleProject(root, "app", "main", "feature")

	tests := []struct {
		name   string
		mutate func(obs *Observation)
		want   []Discrepancy
	}{
		{
			name:   "in sync",
			mutate: func(*Observation) {},
		},
		{
			name: "bare repo missing",
			mutate: func(obs *Observation) {
				p := obs.Projects["app"]
				p.HasBare = false
				obs.Projects["app"] = p
			},
			want: []Discrepancy{
				{Kind: MissingOnDisk, Project: "app", Path: app.BarePath, Detail: "bare repository not found"},
			},
		},
		{
			name: "project directory gone",
			mutate: func(obs *Observation) {
				delete(obs.Projects, "app")
			},
			want: []Discrepancy{
				{Kind: MissingOnDisk, Project: "app", Path: app.BarePath, Detail: "bare repository not found"},
				{Kind: MissingOnDisk, Project: "app", Workspace: "feature", Path: app.Workspaces["feature"].Path, Detail: "workspace directory not found"},
				{Kind: MissingOnDisk, Project: "app", Workspace: "main", Path: app.Workspaces["main"].Path, Detail: "workspace directory not found"},
			},
		},
		{
			name: "workspace is not a repository",
			mutate: func(obs *Observation) {
				ws := obs.Projects["app"].Workspaces["feature"]
				ws.IsRepo = false
				obs.Projects["app"].Workspaces["feature"] = ws
			},
			want: []Discrepancy{
				{Kind: MissingOnDisk, Project: "app", Workspace: "feature", Path: app.Workspaces["feature"].Path, Detail: "workspace directory is not a git repository"},
			},
		},
		{
			name: "origin rewired elsewhere",
			mutate: func(obs *Observation) {
				ws := obs.Projects["app"].Workspaces["main"]
				ws.OriginURL = "https://example.com/app.git"
				obs.Projects["app"].Workspaces["main"] = ws
			},
			want: []Discrepancy{
				{Kind: RemoteMismatch, Project: "app", Workspace: "main", Path: app.Workspaces["main"].Path, Detail: "origin is https://example.com/app.git"},
			},
		},
		{
			name: "origin removed",
			mutate: func(obs *Observation) {
				ws := obs.Projects["app"].Workspaces["main"]
				ws.OriginURL = ""
				obs.Projects["app"].Workspaces["main"] = ws
			},
			want: []Discrepancy{
				{Kind: RemoteMismatch, Project: "app", Workspace: "main", Path: app.Workspaces["main"].Path, Detail: "origin remote is missing"},
			},
		},
		{
			name: "stray workspace and project",
			mutate: func(obs *Observation) {
				obs.Projects["app"].Workspaces["scratch"] = ObservedWorkspace{
					Name: "scratch", Path: filepath.Join(root, "app", "workspaces", "scratch"), IsRepo: true,
				}
				obs.Projects["other"] = ObservedProject{Name: "other", HasBare: true}
			},
			want: []Discrepancy{
				{Kind: UnregisteredOnDisk, Project: "app", Workspace: "scratch", Path: filepath.Join(root, "app", "workspaces", "scratch"), Detail: "workspace directory is not registered"},
				{Kind: UnregisteredOnDisk, Project: "other", Path: filepath.Join(root, "other"), Detail: "project directory is not registered"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := Observation{Root: root, Projects: map[string]ObservedProject{"app": observed(root, app)}}
			tt.mutate(&obs)

			got := Reconcile([]Project{app}, obs)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReconcile_IgnoresOtherRoots(t *testing.T) {
	elsewhere := sampleProject("/other/root", "app", "main")
	obs := Observation{Root: "/srv/yard", Projects: map[string]ObservedProject{}}

	assert.Empty(t, Reconcile([]Project{elsewhere}, obs))
}

func TestRegistry_ReconcileUsesRegisteredState(t *testing.T) {
	r, _ := openTemp(t)
	root := t.TempDir()
	app := sampleProject(root, "app", "main")
	if err := r.Register(app); err != nil {
		t.Fatal(err)
	}

	obs := Observation{Root: root, Projects: map[string]ObservedProject{"app": observed(root, app)}}
	assert.Empty(t, r.Reconcile(obs))

	obs.Projects = map[string]ObservedProject{}
	assert.Len(t, r.Reconcile(obs), 2)
}
