package git

import (
	"context"
)

// AddRemote adds a remote called name pointing at url to the repository at path.
func (g *Gateway) AddRemote(ctx context.Context, path, name, url string) error {
	if err := checkRefName("remote", name); err != nil {
		return err
	}
	_, err := g.run(ctx, "remote-add", path, "remote", "add", name, url)
	return err
}

// RenameRemote renames remote from to to, carrying its refs and config.
func (g *Gateway) RenameRemote(ctx context.Context, path, from, to string) error {
	if err := checkRefName("remote", from); err != nil {
		return err
	}
	if err := checkRefName("remote", to); err != nil {
		return err
	}
	_, err := g.run(ctx, "remote-rename", path, "remote", "rename", from, to)
	return err
}

// RemoveRemote deletes a remote and its remote-tracking refs.
func (g *Gateway) RemoveRemote(ctx context.Context, path, name string) error {
	if err := checkRefName("remote", name); err != nil {
		return err
	}
	_, err := g.run(ctx, "remote-remove", path, "remote", "remove", name)
	return err
}

// Remotes lists the remote names configured in the repository at path.
func (g *Gateway) Remotes(ctx context.Context, path string) ([]string, error) {
	out, err := g.output(ctx, "remotes", path, "remote")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// RemoteURL returns the fetch URL of remote name, or "" when no such remote
// exists.
func (g *Gateway) RemoteURL(ctx context.Context, path, name string) (string, error) {
	remotes, err := g.Remotes(ctx, path)
	if err != nil {
		return "", err
	}
	found := false
	for _, r := range remotes {
		if r == name {
			found = true
			break
		}
	}
	if !found {
		return "", nil
	}
	return g.output(ctx, "remote-url", path, "remote", "get-url", name)
}
