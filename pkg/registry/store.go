package registry

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	toml "github.com/pelletier/go-toml/v2"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/fsutil"
)

// FormatVersion is the on-disk format version this build reads and writes.
const FormatVersion = 1

// state is the whole persisted document.
type state struct {
	Version      int                    `toml:"version"`
	Projects     map[string]Project     `toml:"projects,omitempty"`
	Environments map[string]Environment `toml:"environments,omitempty"`
}

func newState() *state {
	return &state{
		Version:      FormatVersion,
		Projects:     make(map[string]Project),
		Environments: make(map[string]Environment),
	}
}

// load reads the registry file at path. A missing or empty file is an empty
// registry; anything unparsable is corrupt.
func load(path string) (*state, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, yarderrors.NewRegistryError("load", path, "cannot read registry", err)
	}
	if len(data) == 0 {
		return newState(), nil
	}

	st := &state{}
	if err := toml.Unmarshal(data, st); err != nil {
		return nil, yarderrors.NewRegistryCorruptError(path, "registry is not valid TOML", err)
	}
	if st.Version > FormatVersion {
		return nil, yarderrors.NewRegistryError("load", path,
			"registry was written by a newer version of yard", nil)
	}
	if err := normalize(st); err != nil {
		return nil, yarderrors.NewRegistryCorruptError(path, err.Error(), nil)
	}
	return st, nil
}

// normalize fills names from map keys and rejects records that contradict
// their key.
func normalize(st *state) error {
	st.Version = FormatVersion
	if st.Projects == nil {
		st.Projects = make(map[string]Project)
	}
	if st.Environments == nil {
		st.Environments = make(map[string]Environment)
	}

	for key, p := range st.Projects {
		if p.Name == "" {
			p.Name = key
		}
		if p.Name != key {
			return errors.Newf("project %q is stored under key %q", p.Name, key)
		}
		if p.Workspaces == nil {
			p.Workspaces = make(map[string]Workspace)
		}
		for wsKey, ws := range p.Workspaces {
			if ws.Name == "" {
				ws.Name = wsKey
			}
			if ws.Name != wsKey {
				return errors.Newf("workspace %q of project %q is stored under key %q", ws.Name, key, wsKey)
			}
			p.Workspaces[wsKey] = ws
		}
		st.Projects[key] = p
	}

	shared := ""
	for key, env := range st.Environments {
		if env.Name == "" {
			env.Name = key
		}
		if env.Name != key {
			return errors.Newf("environment %q is stored under key %q", env.Name, key)
		}
		if env.Shared {
			if shared != "" {
				return errors.Newf("environments %q and %q are both marked shared", shared, key)
			}
			shared = key
		}
		st.Environments[key] = env
	}
	return nil
}

// save marshals the whole state and atomically replaces the registry file.
func save(path string, st *state) error {
	data, err := toml.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode registry")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrapf(err, "create registry directory")
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}
