package adopt

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/fsutil"
	"thoreinstein.com/yard/pkg/git"
	"thoreinstein.com/yard/pkg/layout"
	"thoreinstein.com/yard/pkg/registry"
	"thoreinstein.com/yard/pkg/workspace"
)

// ImportCommitMessage is the message of the commit that records an
// imported folder.
const ImportCommitMessage = "Initial import"

// environmentDirs are names commonly given to virtual environments. A
// top-level directory is treated as one when it holds pyvenv.cfg or, under
// one of these names, an interpreter directory.
var environmentDirs = []string{"venv", ".venv", "env", ".env", "virtualenv"}

// ImportRequest describes turning a folder that is not a repository into a
// new project.
type ImportRequest struct {
	Root      string // projects root
	Dir       string // folder to import; it is copied, never modified
	Project   string // defaults to the folder's base name, spaces replaced by _
	Workspace string // defaults to the manager's default workspace name
}

// ImportResult is the outcome of a successful import.
type ImportResult struct {
	Project   string             `json:"project" yaml:"project"`
	Workspace registry.Workspace `json:"workspace" yaml:"workspace"`
	Head      string             `json:"head" yaml:"head"`
	Files     int                `json:"files" yaml:"files"`
	// Environments lists virtual environment directories that were left in
	// the source folder instead of being copied.
	Environments []string `json:"environments,omitempty" yaml:"environments,omitempty"`
}

// Import creates a project from a plain folder: a new bare repository and
// workspace, the folder's files copied into the workspace, committed and
// pushed to origin. Virtual environments inside the folder are reported,
// not copied. On any failure the new project is removed again.
func (a *Adopter) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	l, err := layout.New(req.Root)
	if err != nil {
		return nil, err
	}
	if req.Dir == "" {
		return nil, yarderrors.NewAdoptionError(req.Dir, "no directory given", nil)
	}
	dir, err := filepath.Abs(req.Dir)
	if err != nil {
		return nil, yarderrors.Wrapf(err, "failed to resolve %s", req.Dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, yarderrors.NewAdoptionError(dir, "cannot read directory", err)
	}
	if !info.IsDir() {
		return nil, yarderrors.NewAdoptionError(dir, "not a directory", nil)
	}
	if git.HasWorkTreeMetadata(dir) {
		return nil, yarderrors.NewAdoptionError(dir, "already a git repository; use 'yard adopt run' to keep its history", nil)
	}
	if isWithin(dir, l.Root) {
		return nil, yarderrors.NewAdoptionError(dir, "directory contains the projects root", nil)
	}

	project := req.Project
	if project == "" {
		project = strings.ReplaceAll(filepath.Base(dir), " ", "_")
	}
	if err := layout.ValidateName("project", project); err != nil {
		return nil, err
	}

	envs, err := findEnvironments(dir)
	if err != nil {
		return nil, yarderrors.NewAdoptionError(dir, "cannot read directory", err)
	}

	logger := a.logger.With("project", project, "dir", dir)
	p, err := a.manager.CreateProject(ctx, l.Root, project, workspace.ProjectOptions{InitialWorkspace: req.Workspace})
	if err != nil {
		return nil, err
	}
	var ws registry.Workspace
	for _, w := range p.Workspaces {
		ws = w
	}

	res := &ImportResult{Project: project, Workspace: ws, Environments: envs}
	if err := a.populate(ctx, dir, ws, res); err != nil {
		if rbErr := a.manager.RemoveProject(context.Background(), project, true); rbErr != nil {
			return nil, yarderrors.NewInconsistentStateError("adopt-import", []string{p.Dir()}, false,
				errors.CombineErrors(err, rbErr))
		}
		return nil, yarderrors.NewAdoptionError(dir, "import failed; project "+project+" was removed again", err)
	}

	logger.Info("imported folder", "workspace_path", ws.Path, "files", res.Files, "head", res.Head)
	if len(envs) > 0 {
		logger.Warn("virtual environments were not imported", "environments", envs)
	}
	return res, nil
}

// populate fills the new workspace from dir and publishes the first commit.
func (a *Adopter) populate(ctx context.Context, dir string, ws registry.Workspace, res *ImportResult) error {
	defer a.manager.LockProject(res.Project)()

	n, err := fsutil.CopyTree(dir, ws.Path, func(rel string, d fs.DirEntry) bool {
		return d.IsDir() && slices.Contains(res.Environments, rel)
	})
	if err != nil {
		return err
	}
	res.Files = n

	gw := a.manager.Gateway()
	if err := gw.AddAll(ctx, ws.Path); err != nil {
		return err
	}
	head, err := gw.Commit(ctx, ws.Path, ImportCommitMessage)
	if err != nil {
		return err
	}
	if err := gw.Push(ctx, ws.Path, originRemote, ws.Branch); err != nil {
		return err
	}
	res.Head = head
	return nil
}

// findEnvironments lists the top-level directories of dir that hold a
// virtual environment.
func findEnvironments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var envs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if exists(filepath.Join(path, "pyvenv.cfg")) ||
			(slices.Contains(environmentDirs, e.Name()) && (exists(filepath.Join(path, "bin")) || exists(filepath.Join(path, "Scripts")))) {
			envs = append(envs, e.Name())
		}
	}
	return envs, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
