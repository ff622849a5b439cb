package git

import "context"

// AddAll stages every change in the working tree at path, honouring
// .gitignore.
func (g *Gateway) AddAll(ctx context.Context, path string) error {
	_, err := g.run(ctx, "add", path, "add", "--all")
	return err
}

// Commit records the index as a new commit on the current branch and
// returns its id. The commit is made even when nothing is staged, so a
// freshly created branch always gets a root commit.
func (g *Gateway) Commit(ctx context.Context, path, message string) (string, error) {
	if _, err := g.run(ctx, "commit", path, "commit", "--quiet", "--allow-empty", "-m", message); err != nil {
		return "", err
	}
	return g.HeadCommit(ctx, path)
}

// Push pushes HEAD to branch on remote and makes that the upstream of the
// current branch.
func (g *Gateway) Push(ctx context.Context, path, remote, branch string) error {
	if err := checkRefName("branch", branch); err != nil {
		return err
	}
	_, err := g.run(ctx, "push", path, "push", "--quiet", "--set-upstream", remote, "HEAD:refs/heads/"+branch)
	return err
}
