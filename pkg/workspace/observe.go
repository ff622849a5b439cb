package workspace

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/git"
	"thoreinstein.com/yard/pkg/layout"
	"thoreinstein.com/yard/pkg/registry"
)

// Observe walks root and reports every project directory (one holding
// origin.git or workspaces/) and its workspaces. The walk only reads; every
// project directory is held under its read lock while it is inspected.
func (m *Manager) Observe(ctx context.Context, root string) (registry.Observation, error) {
	l, err := layout.New(root)
	if err != nil {
		return registry.Observation{}, err
	}
	names, err := projectDirs(l)
	if err != nil {
		return registry.Observation{}, err
	}
	defer m.locks.rlockAll(names)()
	return m.observe(ctx, l, names)
}

// Reconcile observes root and diffs it against the registry. The result is
// advisory; nothing is changed on disk or in the registry.
//
// The read locks of every project on disk or registered under root are held
// across both the walk and the registry snapshot, so a concurrent create or
// remove lands entirely before or after the comparison.
func (m *Manager) Reconcile(ctx context.Context, root string) ([]registry.Discrepancy, error) {
	l, err := layout.New(root)
	if err != nil {
		return nil, err
	}
	names, err := projectDirs(l)
	if err != nil {
		return nil, err
	}
	for _, p := range m.registry.List() {
		if layout.SamePath(p.Root, l.Root) {
			names = append(names, p.Name)
		}
	}
	slices.Sort(names)
	names = slices.Compact(names)

	defer m.locks.rlockAll(names)()
	obs, err := m.observe(ctx, l, names)
	if err != nil {
		return nil, err
	}

	// Projects registered after the lock set was chosen are left for the
	// next run.
	var projects []registry.Project
	for _, p := range m.registry.List() {
		if _, ok := slices.BinarySearch(names, p.Name); ok {
			projects = append(projects, p)
		}
	}
	return registry.Reconcile(projects, obs), nil
}

// projectDirs lists the visible directories directly under the root.
func projectDirs(l layout.Layout) ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, yarderrors.Wrapf(err, "failed to read %s", l.Root)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// observe inspects the named project directories. Callers hold their read
// locks.
func (m *Manager) observe(ctx context.Context, l layout.Layout, names []string) (registry.Observation, error) {
	obs := registry.Observation{Root: l.Root, Projects: make(map[string]registry.ObservedProject)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)

	for _, name := range names {
		hasBare := git.IsBareRepo(l.BarePath(name))
		wsEntries, wsErr := os.ReadDir(l.WorkspacesDir(name))
		if !hasBare && wsErr != nil {
			continue
		}

		op := registry.ObservedProject{
			Name:       name,
			Dir:        l.ProjectDir(name),
			HasBare:    hasBare,
			Workspaces: make(map[string]registry.ObservedWorkspace),
		}
		obs.Projects[name] = op

		for _, wsEntry := range wsEntries {
			wsName := wsEntry.Name()
			if !wsEntry.IsDir() || strings.HasPrefix(wsName, ".") {
				continue
			}
			found := op.Workspaces
			g.Go(func() error {
				ws, err := m.observeWorkspace(gctx, wsName, l.WorkspacePath(name, wsName))
				if err != nil {
					return err
				}
				mu.Lock()
				found[wsName] = ws
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return registry.Observation{}, err
	}
	return obs, nil
}

func (m *Manager) observeWorkspace(ctx context.Context, name, path string) (registry.ObservedWorkspace, error) {
	ws := registry.ObservedWorkspace{Name: name, Path: path}
	if !git.HasWorkTreeMetadata(path) {
		return ws, nil
	}

	origin, err := m.git.RemoteURL(ctx, path, "origin")
	if err != nil {
		if yarderrors.IsRepoError(err) {
			m.logger.Debug("workspace is not a usable repository", "path", path, "error", err)
			return ws, nil
		}
		return ws, err
	}
	ws.IsRepo = true
	ws.OriginURL = origin
	return ws, nil
}
