package registry

import (
	"path/filepath"
	"sort"

	"thoreinstein.com/yard/pkg/layout"
)

// Observation is what a filesystem walk of a root found. It is produced by
// the workspace manager and only ever read here.
type Observation struct {
	Root     string
	Projects map[string]ObservedProject
}

// ObservedProject is a project directory under the root.
type ObservedProject struct {
	Name       string
	Dir        string
	HasBare    bool
	Workspaces map[string]ObservedWorkspace
}

// ObservedWorkspace is a directory under a project's workspaces/ directory.
type ObservedWorkspace struct {
	Name      string
	Path      string
	IsRepo    bool
	OriginURL string // empty when there is no origin remote
}

// DiscrepancyKind classifies a difference between registry and disk.
type DiscrepancyKind string

const (
	// MissingOnDisk is a registered project or workspace with nothing (or no
	// repository) at its path.
	MissingOnDisk DiscrepancyKind = "missing-on-disk"

	// UnregisteredOnDisk is a project or workspace directory the registry
	// does not know about.
	UnregisteredOnDisk DiscrepancyKind = "unregistered-on-disk"

	// RemoteMismatch is a registered workspace whose origin does not point
	// at its project's bare repository.
	RemoteMismatch DiscrepancyKind = "remote-mismatch"
)

// Discrepancy is one advisory difference found by Reconcile.
type Discrepancy struct {
	Kind      DiscrepancyKind `json:"kind" yaml:"kind"`
	Project   string          `json:"project" yaml:"project"`
	Workspace string          `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Path      string          `json:"path" yaml:"path"`
	Detail    string          `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Reconcile diffs the registered projects under obs.Root against obs.
// Nothing is mutated.
func (r *Registry) Reconcile(obs Observation) []Discrepancy {
	return Reconcile(r.List(), obs)
}

// Reconcile diffs projects against obs. Projects registered under a
// different root are ignored.
func Reconcile(projects []Project, obs Observation) []Discrepancy {
	var out []Discrepancy
	known := make(map[string]Project)

	for _, p := range projects {
		if !layout.SamePath(p.Root, obs.Root) {
			continue
		}
		known[p.Name] = p

		seen, ok := obs.Projects[p.Name]
		if !ok || !seen.HasBare {
			out = append(out, Discrepancy{
				Kind:    MissingOnDisk,
				Project: p.Name,
				Path:    p.BarePath,
				Detail:  "bare repository not found",
			})
		}

		for _, ws := range p.Workspaces {
			got, ok := seen.Workspaces[ws.Name]
			switch {
			case !ok:
				out = append(out, Discrepancy{
					Kind: MissingOnDisk, Project: p.Name, Workspace: ws.Name, Path: ws.Path,
					Detail: "workspace directory not found",
				})
			case !got.IsRepo:
				out = append(out, Discrepancy{
					Kind: MissingOnDisk, Project: p.Name, Workspace: ws.Name, Path: ws.Path,
					Detail: "workspace directory is not a git repository",
				})
			case !layout.SamePath(got.OriginURL, p.BarePath):
				detail := "origin is " + got.OriginURL
				if got.OriginURL == "" {
					detail = "origin remote is missing"
				}
				out = append(out, Discrepancy{
					Kind: RemoteMismatch, Project: p.Name, Workspace: ws.Name, Path: ws.Path,
					Detail: detail,
				})
			}
		}
	}

	for name, seen := range obs.Projects {
		p, ok := known[name]
		if !ok {
			dir := seen.Dir
			if dir == "" {
				dir = filepath.Join(obs.Root, name)
			}
			out = append(out, Discrepancy{
				Kind: UnregisteredOnDisk, Project: name, Path: dir,
				Detail: "project directory is not registered",
			})
			continue
		}
		for wsName, ws := range seen.Workspaces {
			if _, ok := p.Workspaces[wsName]; !ok {
				out = append(out, Discrepancy{
					Kind: UnregisteredOnDisk, Project: name, Workspace: wsName, Path: ws.Path,
					Detail: "workspace directory is not registered",
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		if out[i].Workspace != out[j].Workspace {
			return out[i].Workspace < out[j].Workspace
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
