package git

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	yarderrors "thoreinstein.com/yard/pkg/errors"
)

// DetachedHead is what CurrentBranch reports when HEAD is not a branch.
const DetachedHead = "HEAD"

// validRefName rejects remote and branch names that could be mistaken for
// options or that git itself would refuse.
var validRefName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

func checkRefName(kind, name string) error {
	if !validRefName.MatchString(name) || strings.Contains(name, "..") || strings.HasSuffix(name, ".lock") {
		return yarderrors.NewNameError(kind, name, "not a valid git "+kind+" name")
	}
	return nil
}

// InitBare creates a bare repository at path.
func (g *Gateway) InitBare(ctx context.Context, path string) error {
	_, err := g.exec(ctx, "init-bare", path, "init", "--bare", "--quiet", path)
	return err
}

// Clone clones the repository at from into to. Both are absolute paths.
func (g *Gateway) Clone(ctx context.Context, from, to string) error {
	_, err := g.exec(ctx, "clone", to, "clone", "--quiet", "--", from, to)
	return err
}

// Fetch fetches from remote into the repository at path. remote is a
// configured remote name or an absolute repository path. With no refspecs
// the remote's configured refspecs apply.
func (g *Gateway) Fetch(ctx context.Context, path, remote string, refspecs ...string) error {
	args := append([]string{"fetch", "--quiet", remote}, refspecs...)
	_, err := g.run(ctx, "fetch", path, args...)
	return err
}

// FetchAtomic is Fetch with all-or-nothing ref updates: if any ref is
// rejected, none is written. Tags are only fetched through refspecs.
func (g *Gateway) FetchAtomic(ctx context.Context, path, remote string, refspecs ...string) error {
	args := append([]string{"fetch", "--quiet", "--atomic", "--no-tags", remote}, refspecs...)
	_, err := g.run(ctx, "fetch", path, args...)
	return err
}

// SetHead points a bare repository's HEAD at refs/heads/<branch>, which
// decides the branch new clones check out.
func (g *Gateway) SetHead(ctx context.Context, barePath, branch string) error {
	if err := checkRefName("branch", branch); err != nil {
		return err
	}
	_, err := g.run(ctx, "set-head", barePath, "symbolic-ref", "HEAD", "refs/heads/"+branch)
	return err
}

// CurrentBranch returns the short name of the checked-out branch, including
// an unborn branch in a repository without commits. A detached HEAD is
// reported as DetachedHead.
func (g *Gateway) CurrentBranch(ctx context.Context, path string) (string, error) {
	out, err := g.output(ctx, "current-branch", path, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		if exitCode(err) == 1 {
			return DetachedHead, nil
		}
		return "", err
	}
	return out, nil
}

// HeadCommit returns the commit HEAD resolves to, or "" when the repository
// has no commits yet.
func (g *Gateway) HeadCommit(ctx context.Context, path string) (string, error) {
	out, err := g.output(ctx, "head-commit", path, "rev-parse", "--verify", "--quiet", "HEAD^{commit}")
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// HasCommit reports whether the repository at path contains commit sha.
func (g *Gateway) HasCommit(ctx context.Context, path, sha string) (bool, error) {
	if sha == "" {
		return false, nil
	}
	_, err := g.run(ctx, "has-commit", path, "cat-file", "-e", sha+"^{commit}")
	if err != nil {
		if yarderrors.IsRepoError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RefCount returns the number of refs in the repository at path.
func (g *Gateway) RefCount(ctx context.Context, path string) (int, error) {
	out, err := g.output(ctx, "ref-count", path, "for-each-ref", "--format=%(refname)")
	if err != nil {
		return 0, err
	}
	return len(splitLines(out)), nil
}

// Checkout switches the workspace at path to branch, creating it from the
// current HEAD when create is set.
func (g *Gateway) Checkout(ctx context.Context, path, branch string, create bool) error {
	if err := checkRefName("branch", branch); err != nil {
		return err
	}
	args := []string{"checkout", "--quiet"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, branch)
	_, err := g.run(ctx, "checkout", path, args...)
	return err
}

// exitCode extracts the exit code of a RepoError, or -1.
func exitCode(err error) int {
	var repoErr *yarderrors.RepoError
	if yarderrors.As(err, &repoErr) {
		return repoErr.ExitCode
	}
	return -1
}

func trimOutput(b []byte) string {
	return strings.TrimSpace(string(b))
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// parseCount parses a decimal count, treating garbage as zero.
func parseCount(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
