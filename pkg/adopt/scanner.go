// Package adopt finds repositories sitting loose under a root and migrates
// them into the project layout without losing history.
package adopt

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/git"
	"thoreinstein.com/yard/pkg/registry"
)

// Class is the scan classification of a directory.
type Class string

const (
	// Managed is a working clone the registry already knows.
	Managed Class = "managed"
	// Unmanaged is a working clone yard does not know: an adoption candidate.
	Unmanaged Class = "unmanaged"
	// NotARepo is anything else, project directories and bare repos included.
	NotARepo Class = "not-a-repo"
)

// Candidate is one classified directory.
type Candidate struct {
	Name      string `json:"name" yaml:"name"`
	Path      string `json:"path" yaml:"path"`
	Class     Class  `json:"class" yaml:"class"`
	Project   string `json:"project,omitempty" yaml:"project,omitempty"`
	Workspace string `json:"workspace,omitempty" yaml:"workspace,omitempty"`
}

// Scanner classifies directories under a root.
type Scanner struct {
	registry *registry.Registry
}

// NewScanner creates a Scanner that checks registration against reg.
func NewScanner(reg *registry.Registry) *Scanner {
	return &Scanner{registry: reg}
}

// Scan classifies each immediate child directory of root, sorted by name.
// Hidden directories and plain files are skipped.
func (s *Scanner) Scan(root string) ([]Candidate, error) {
	if !filepath.IsAbs(root) {
		return nil, yarderrors.NewConfigError("root", "scan root must be an absolute path")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, yarderrors.Wrapf(err, "failed to read %s", root)
	}

	var out []Candidate
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, s.Classify(filepath.Join(root, name)))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Classify classifies a single directory.
func (s *Scanner) Classify(path string) Candidate {
	c := Candidate{Name: filepath.Base(path), Path: path, Class: NotARepo}
	if !git.HasWorkTreeMetadata(path) {
		return c
	}
	if ref, ok := s.registry.FindWorkspaceByPath(path); ok {
		c.Class = Managed
		c.Project = ref.Project
		c.Workspace = ref.Workspace.Name
		return c
	}
	c.Class = Unmanaged
	return c
}

// UnmanagedOnly filters candidates down to adoption candidates.
func UnmanagedOnly(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Class == Unmanaged {
			out = append(out, c)
		}
	}
	return out
}
