package git

import (
	"context"
	"strings"

	yarderrors "thoreinstein.com/yard/pkg/errors"
)

// Ref is a fully qualified ref and the object it points at. For annotated
// tags Commit is the tag object, not the tagged commit.
type Ref struct {
	Name   string `json:"name" yaml:"name"`
	Commit string `json:"commit" yaml:"commit"`
}

// ListRefs returns the refs of the repository at path matching patterns
// (for-each-ref prefixes such as "refs/heads").
func (g *Gateway) ListRefs(ctx context.Context, path string, patterns ...string) ([]Ref, error) {
	args := append([]string{"for-each-ref", "--format=%(refname) %(objectname)"}, patterns...)
	out, err := g.output(ctx, "list-refs", path, args...)
	if err != nil {
		return nil, err
	}
	var refs []Ref
	for _, line := range splitLines(out) {
		name, commit, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		refs = append(refs, Ref{Name: name, Commit: commit})
	}
	return refs, nil
}

// IsAncestor reports whether ancestor is reachable from descendant in the
// repository at path. A commit is its own ancestor.
func (g *Gateway) IsAncestor(ctx context.Context, path, ancestor, descendant string) (bool, error) {
	_, err := g.run(ctx, "is-ancestor", path, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// RefUpdate is one change in an UpdateRefs transaction. An empty New
// deletes Ref; an empty Old on a non-delete requires Ref not to exist.
type RefUpdate struct {
	Ref string
	New string
	Old string
}

func (u RefUpdate) line() string {
	switch {
	case u.New == "" && u.Old == "":
		return "delete " + u.Ref
	case u.New == "":
		return "delete " + u.Ref + " " + u.Old
	case u.Old == "":
		return "create " + u.Ref + " " + u.New
	default:
		return "update " + u.Ref + " " + u.New + " " + u.Old
	}
}

// UpdateRefs applies updates in one transaction: either every ref is
// changed or none is, and each Old value is checked under the ref lock.
func (g *Gateway) UpdateRefs(ctx context.Context, path string, updates []RefUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	var b strings.Builder
	for _, u := range updates {
		if !strings.HasPrefix(u.Ref, "refs/") || strings.ContainsAny(u.Ref, " \n") {
			return yarderrors.NewNameError("ref", u.Ref, "must be a full ref name under refs/")
		}
		b.WriteString(u.line())
		b.WriteByte('\n')
	}
	_, err := g.execInput(ctx, "update-refs", path, []byte(b.String()), "-C", path, "update-ref", "--stdin")
	return err
}
