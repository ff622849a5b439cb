package adopt

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/git"
	"thoreinstein.com/yard/pkg/layout"
	"thoreinstein.com/yard/pkg/registry"
)

const originRemote = "origin"

// adoption carries the state of one Adopt call through its steps, including
// what has been done so far so rollback can undo exactly that.
type adoption struct {
	gw       *git.Gateway
	registry *registry.Registry
	logger   *slog.Logger
	retry    yarderrors.RetryConfig
	upstream string
	fetch    bool

	layout  layout.Layout
	dir     string // where the repository was found
	source  string // where it currently is before the move
	project string
	wsName  string
	bare    string
	target  string

	existing     registry.Project
	newProject   bool
	inPlace      bool
	needsStage   bool
	head         string
	branch       string
	hadOrigin    bool
	originIsBare bool

	staged            bool
	mirrored          bool
	createdProjectDir bool
	createdBare       bool
	moved             bool
	renamedOrigin     bool
	addedOrigin       bool

	workspace registry.Workspace
	warnings  []string
}

func (a *Adopter) runPreflight(ctx context.Context, adp *adoption) error {
	dir := adp.dir
	if !git.HasWorkTreeMetadata(dir) {
		return yarderrors.NewAdoptionError(dir, "not a git working tree", nil)
	}
	if isWithin(dir, adp.layout.Root) {
		return yarderrors.NewAdoptionError(dir, "directory contains the projects root", nil)
	}
	if ref, ok := adp.registry.FindWorkspaceByPath(dir); ok {
		return yarderrors.NewAdoptionError(dir,
			"already managed as workspace "+ref.Workspace.Name+" of project "+ref.Project, nil)
	}
	adp.inPlace = layout.SamePath(dir, adp.target)
	projectDir := adp.layout.ProjectDir(adp.project)

	p, err := adp.registry.Project(adp.project)
	switch {
	case err == nil:
		if !layout.SamePath(p.Root, adp.layout.Root) {
			return yarderrors.NewAdoptionError(dir, "project "+adp.project+" is registered under "+p.Root, nil)
		}
		if _, exists := p.Workspaces[adp.wsName]; exists {
			return yarderrors.NewCollisionError(adp.target, "workspace "+adp.wsName+" already exists in project "+adp.project)
		}
		if !git.IsBareRepo(p.BarePath) {
			return yarderrors.NewAdoptionError(dir, "bare repository "+p.BarePath+" is missing; run 'yard reconcile'", nil)
		}
		adp.existing = p
		adp.bare = p.BarePath
	case yarderrors.IsNotFound(err):
		adp.newProject = true
		adp.needsStage = layout.SamePath(dir, projectDir)
		if !adp.needsStage && !adp.inPlace {
			if err := layout.CheckCollision(projectDir, false); err != nil {
				return err
			}
		}
		if err := layout.CheckCollision(adp.bare, false); err != nil {
			return err
		}
	default:
		return err
	}

	if !adp.inPlace && !adp.needsStage {
		if err := layout.CheckCollision(adp.target, false); err != nil {
			return err
		}
	}

	head, err := adp.gw.HeadCommit(ctx, dir)
	if err != nil {
		return yarderrors.NewAdoptionError(dir, "cannot read HEAD", err)
	}
	if head == "" {
		return yarderrors.NewAdoptionError(dir, "repository has no commits; nothing to adopt", nil)
	}
	branch, err := adp.gw.CurrentBranch(ctx, dir)
	if err != nil {
		return yarderrors.NewAdoptionError(dir, "cannot read current branch", err)
	}
	if branch == git.DetachedHead {
		return yarderrors.NewAdoptionError(dir, "HEAD is detached; check out a branch first", nil)
	}

	remotes, err := adp.gw.Remotes(ctx, dir)
	if err != nil {
		return yarderrors.NewAdoptionError(dir, "cannot list remotes", err)
	}
	adp.hadOrigin = slices.Contains(remotes, originRemote)
	if adp.hadOrigin {
		url, err := adp.gw.RemoteURL(ctx, dir, originRemote)
		if err != nil {
			return yarderrors.NewAdoptionError(dir, "cannot read origin remote", err)
		}
		// A stray clone of the project's own bare repo needs no rewiring.
		adp.originIsBare = layout.SamePath(url, adp.bare)
	}
	if adp.hadOrigin && !adp.originIsBare && slices.Contains(remotes, adp.upstream) {
		return yarderrors.NewAdoptionError(dir,
			"repository already has both origin and "+adp.upstream+" remotes; set adopt.upstream_name to a free name", nil)
	}

	adp.head = head
	adp.branch = branch
	adp.logger.Debug("preflight passed", "head", head, "branch", branch, "new_project", adp.newProject)
	return nil
}

// runStage moves a directory out of the way when it occupies the path the
// new project directory needs.
func (a *Adopter) runStage(_ context.Context, adp *adoption) error {
	if !adp.needsStage {
		return nil
	}
	staging := filepath.Join(adp.layout.Root, ".yard-adopt-"+uuid.NewString())
	if err := os.Rename(adp.dir, staging); err != nil {
		return yarderrors.NewAdoptionError(adp.dir, "cannot stage directory", err)
	}
	adp.source = staging
	adp.staged = true
	return nil
}

// runMirror fetches every ref of the source into the adoption's namespace
// of the bare repository, publishes its branches and tags, and proves the
// head commit arrived.
func (a *Adopter) runMirror(ctx context.Context, adp *adoption) error {
	if adp.newProject {
		projectDir := adp.layout.ProjectDir(adp.project)
		if _, err := os.Stat(projectDir); os.IsNotExist(err) {
			adp.createdProjectDir = true
		}
		if err := adp.gw.InitBare(ctx, adp.bare); err != nil {
			return yarderrors.NewAdoptionError(adp.dir, "cannot create bare repository", err)
		}
		adp.createdBare = true
	}

	ns := adp.namespace()
	refspecs := []string{
		"+refs/heads/*:" + ns + "/heads/*",
		"+refs/tags/*:" + ns + "/tags/*",
		"+refs/remotes/*:" + ns + "/remotes/*",
		"+HEAD:" + ns + "/HEAD",
	}
	if err := adp.gw.FetchAtomic(ctx, adp.bare, adp.source, refspecs...); err != nil {
		return yarderrors.NewAdoptionUnsafeError(adp.dir, "mirroring into "+adp.bare+" failed", err)
	}
	adp.mirrored = true

	updates, err := a.planRefs(ctx, adp)
	if err != nil {
		return err
	}
	if err := adp.gw.UpdateRefs(ctx, adp.bare, updates); err != nil {
		return yarderrors.NewAdoptionError(adp.dir, "cannot publish branches and tags in "+adp.bare, err)
	}

	count, err := adp.gw.RefCount(ctx, adp.bare)
	if err != nil {
		return yarderrors.NewAdoptionUnsafeError(adp.dir, "cannot verify mirror", err)
	}
	ok, err := adp.gw.HasCommit(ctx, adp.bare, adp.head)
	if err != nil {
		return yarderrors.NewAdoptionUnsafeError(adp.dir, "cannot verify mirror", err)
	}
	if count == 0 || !ok {
		return yarderrors.NewAdoptionUnsafeError(adp.dir, "bare repository does not contain "+adp.head+" after mirroring", nil)
	}

	if adp.newProject {
		if err := adp.gw.SetHead(ctx, adp.bare, adp.branch); err != nil {
			return yarderrors.NewAdoptionError(adp.dir, "cannot set bare HEAD", err)
		}
	}
	adp.logger.Debug("mirror verified", "bare", adp.bare, "refs", count)
	return nil
}

// planRefs decides how each staged branch and tag reaches refs/heads and
// refs/tags of the bare repository. A branch the bare repository already
// contains is left alone, one that extends it fast-forwards it, and anything
// else is a conflict that refuses the adoption. Staged branches and tags are
// dropped in the same transaction.
func (a *Adopter) planRefs(ctx context.Context, adp *adoption) ([]git.RefUpdate, error) {
	ns := adp.namespace()
	staged, err := adp.gw.ListRefs(ctx, adp.bare, ns+"/heads", ns+"/tags")
	if err != nil {
		return nil, yarderrors.NewAdoptionError(adp.dir, "cannot read mirrored refs", err)
	}
	current, err := adp.gw.ListRefs(ctx, adp.bare, "refs/heads", "refs/tags")
	if err != nil {
		return nil, yarderrors.NewAdoptionError(adp.dir, "cannot read project refs", err)
	}
	have := make(map[string]string, len(current))
	for _, r := range current {
		have[r.Name] = r.Commit
	}

	var (
		updates   []git.RefUpdate
		conflicts []string
	)
	for _, r := range staged {
		updates = append(updates, git.RefUpdate{Ref: r.Name, Old: r.Commit})

		dest := "refs/" + strings.TrimPrefix(r.Name, ns+"/")
		old, exists := have[dest]
		switch {
		case !exists:
			updates = append(updates, git.RefUpdate{Ref: dest, New: r.Commit})
		case old == r.Commit:
		case strings.HasPrefix(dest, "refs/tags/"):
			conflicts = append(conflicts, dest)
		default:
			ahead, err := adp.gw.IsAncestor(ctx, adp.bare, old, r.Commit)
			if err != nil {
				return nil, yarderrors.NewAdoptionError(adp.dir, "cannot compare "+dest, err)
			}
			if ahead {
				updates = append(updates, git.RefUpdate{Ref: dest, New: r.Commit, Old: old})
				continue
			}
			behind, err := adp.gw.IsAncestor(ctx, adp.bare, r.Commit, old)
			if err != nil {
				return nil, yarderrors.NewAdoptionError(adp.dir, "cannot compare "+dest, err)
			}
			if behind {
				adp.logger.Debug("branch already contained in project", "ref", dest)
				continue
			}
			conflicts = append(conflicts, dest)
		}
	}

	if len(conflicts) > 0 {
		return nil, yarderrors.NewAdoptionUnsafeError(adp.dir,
			"history diverges from project "+adp.project+" at "+strings.Join(conflicts, ", "), nil)
	}
	return updates, nil
}

func (a *Adopter) runMove(_ context.Context, adp *adoption) error {
	if adp.inPlace {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(adp.target), 0o755); err != nil {
		return yarderrors.NewAdoptionError(adp.dir, "cannot create workspaces directory", err)
	}
	if err := os.Rename(adp.source, adp.target); err != nil {
		return yarderrors.NewAdoptionError(adp.dir,
			"cannot move into "+adp.target+"; the directory must be on the same filesystem as the root", err)
	}
	adp.moved = true
	return nil
}

func (a *Adopter) runRewire(ctx context.Context, adp *adoption) error {
	if adp.originIsBare {
		return nil
	}
	if adp.hadOrigin {
		if err := adp.gw.RenameRemote(ctx, adp.target, originRemote, adp.upstream); err != nil {
			return yarderrors.NewAdoptionError(adp.dir, "cannot rename origin to "+adp.upstream, err)
		}
		adp.renamedOrigin = true
	}
	if err := adp.gw.AddRemote(ctx, adp.target, originRemote, adp.bare); err != nil {
		return yarderrors.NewAdoptionError(adp.dir, "cannot add origin remote", err)
	}
	adp.addedOrigin = true

	if err := adp.gw.Fetch(ctx, adp.target, originRemote); err != nil {
		adp.warn("fetch from the new origin failed", err)
	}
	return nil
}

// runFetch refreshes the original remote. The repository is already safe at
// this point, so a failure is only a warning.
func (a *Adopter) runFetch(ctx context.Context, adp *adoption) error {
	if !adp.fetch || !adp.hadOrigin || adp.originIsBare {
		return nil
	}
	err := yarderrors.Retry(ctx, adp.retry, func() error {
		return adp.gw.Fetch(ctx, adp.target, adp.upstream)
	})
	if err != nil {
		adp.warn("fetch from "+adp.upstream+" failed", err)
	}
	return nil
}

func (a *Adopter) runRegister(_ context.Context, adp *adoption) error {
	adp.workspace = registry.Workspace{
		Name:        adp.wsName,
		Path:        adp.target,
		Branch:      adp.branch,
		Adopted:     true,
		Environment: adp.existing.Environment,
		CreatedAt:   time.Now().UTC(),
	}

	var err error
	if adp.newProject {
		err = adp.registry.Register(registry.Project{
			Name:       adp.project,
			Root:       adp.layout.Root,
			BarePath:   adp.bare,
			Workspaces: map[string]registry.Workspace{adp.wsName: adp.workspace},
		})
	} else {
		err = adp.registry.RegisterWorkspace(adp.project, adp.workspace)
	}
	if err == nil {
		return nil
	}

	if rbErr := adp.rollback(); rbErr != nil {
		return yarderrors.NewInconsistentStateError("adopt", []string{adp.target, adp.bare}, false,
			errors.CombineErrors(err, rbErr))
	}
	return yarderrors.NewInconsistentStateError("adopt", []string{adp.dir}, true, err)
}

func (adp *adoption) warn(msg string, err error) {
	adp.warnings = append(adp.warnings, msg+": "+err.Error())
	adp.logger.Warn(msg, "error", err)
}

// rollback undoes completed steps in reverse order. The repository is moved
// back before anything is deleted, and nothing is deleted if it cannot be.
func (adp *adoption) rollback() error {
	ctx := context.Background()
	var errs error

	if adp.addedOrigin {
		if err := adp.gw.RemoveRemote(ctx, adp.target, originRemote); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if adp.renamedOrigin {
		if err := adp.gw.RenameRemote(ctx, adp.target, adp.upstream, originRemote); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if adp.moved {
		if err := os.Rename(adp.target, adp.source); err != nil {
			adp.logger.Error("cannot move repository back; leaving it in place", "path", adp.target, "error", err)
			return errors.CombineErrors(errs, err)
		}
		adp.moved = false
	}
	if adp.staged {
		if err := os.Rename(adp.source, adp.dir); err != nil {
			adp.logger.Error("cannot restore staged repository", "path", adp.source, "error", err)
			return errors.CombineErrors(errs, err)
		}
		adp.staged = false
	}
	if adp.mirrored && !adp.createdBare {
		if err := adp.dropNamespace(ctx); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if adp.createdBare {
		remove := adp.bare
		if adp.createdProjectDir {
			remove = adp.layout.ProjectDir(adp.project)
		}
		if err := os.RemoveAll(remove); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}

	if errs != nil {
		adp.logger.Warn("rollback incomplete", "error", errs)
	}
	return errs
}

// namespace is where the adopted repository's refs are staged, and where
// its remote-tracking refs and HEAD are kept.
func (adp *adoption) namespace() string {
	return "refs/adopted/" + adp.wsName
}

// dropNamespace deletes the refs a mirror into an existing bare repository
// left under the namespace.
func (adp *adoption) dropNamespace(ctx context.Context) error {
	refs, err := adp.gw.ListRefs(ctx, adp.bare, adp.namespace())
	if err != nil {
		return err
	}
	updates := make([]git.RefUpdate, 0, len(refs))
	for _, r := range refs {
		updates = append(updates, git.RefUpdate{Ref: r.Name, Old: r.Commit})
	}
	return adp.gw.UpdateRefs(ctx, adp.bare, updates)
}

// isWithin reports whether child is parent or lies beneath it.
func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
