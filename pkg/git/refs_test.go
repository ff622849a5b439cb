package git

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/git/gittest"
)

func TestGateway_ListRefsAndAncestry(t *testing.T) {
	gittest.RequireGit(t)
	ctx := context.Background()
	g := NewGateway()

	repo := filepath.Join(t.TempDir(), "repo")
	base := gittest.InitRepo(t, repo)
	gittest.Git(t, repo, "tag", "v1")
	tip := gittest.Commit(t, repo, "next.txt", "next\n", "next")

	refs, err := g.ListRefs(ctx, repo, "refs/heads", "refs/tags")
	require.NoError(t, err)
	assert.Equal(t, []Ref{
		{Name: "refs/heads/main", Commit: tip},
		{Name: "refs/tags/v1", Commit: base},
	}, refs)

	none, err := g.ListRefs(ctx, repo, "refs/adopted")
	require.NoError(t, err)
	assert.Empty(t, none)

	ok, err := g.IsAncestor(ctx, repo, base, tip)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.IsAncestor(ctx, repo, tip, base)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.IsAncestor(ctx, repo, tip, tip)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = g.IsAncestor(ctx, repo, "0000000000000000000000000000000000000bad", tip)
	assert.Error(t, err)
}

func TestGateway_UpdateRefs(t *testing.T) {
	gittest.RequireGit(t)
	ctx := context.Background()
	g := NewGateway()

	repo := filepath.Join(t.TempDir(), "repo")
	base := gittest.InitRepo(t, repo)
	tip := gittest.Commit(t, repo, "next.txt", "next\n", "next")

	t.Run("applies all updates", func(t *testing.T) {
		require.NoError(t, g.UpdateRefs(ctx, repo, []RefUpdate{
			{Ref: "refs/heads/old", New: base},
			{Ref: "refs/staged/x", New: tip},
		}))
		assert.Equal(t, base, gittest.Git(t, repo, "rev-parse", "refs/heads/old"))

		require.NoError(t, g.UpdateRefs(ctx, repo, []RefUpdate{
			{Ref: "refs/heads/old", New: tip, Old: base},
			{Ref: "refs/staged/x", Old: tip},
		}))
		assert.Equal(t, tip, gittest.Git(t, repo, "rev-parse", "refs/heads/old"))
		assert.Empty(t, gittest.Git(t, repo, "for-each-ref", "refs/staged"))
	})

	t.Run("stale old value changes nothing", func(t *testing.T) {
		err := g.UpdateRefs(ctx, repo, []RefUpdate{
			{Ref: "refs/heads/fresh", New: base},
			{Ref: "refs/heads/main", New: base, Old: base},
		})
		require.Error(t, err)
		assert.True(t, yarderrors.IsRepoError(err))
		assert.Empty(t, gittest.Git(t, repo, "for-each-ref", "refs/heads/fresh"))
		assert.Equal(t, tip, gittest.Git(t, repo, "rev-parse", "refs/heads/main"))
	})

	t.Run("create refuses an existing ref", func(t *testing.T) {
		err := g.UpdateRefs(ctx, repo, []RefUpdate{{Ref: "refs/heads/main", New: base}})
		require.Error(t, err)
		assert.Equal(t, tip, gittest.Git(t, repo, "rev-parse", "refs/heads/main"))
	})

	t.Run("rejects short names", func(t *testing.T) {
		err := g.UpdateRefs(ctx, repo, []RefUpdate{{Ref: "main", New: base}})
		assert.True(t, yarderrors.IsNameError(err))
	})

	t.Run("empty is a no-op", func(t *testing.T) {
		assert.NoError(t, g.UpdateRefs(ctx, repo, nil))
	})
}

func TestRefUpdate_Line(t *testing.T) {
	tests := []struct {
		name string
		u    RefUpdate
		want string
	}{
		{"create", RefUpdate{Ref: "refs/heads/a", New: "n"}, "create refs/heads/a n"},
		{"update", RefUpdate{Ref: "refs/heads/a", New: "n", Old: "o"}, "update refs/heads/a n o"},
		{"checked delete", RefUpdate{Ref: "refs/heads/a", Old: "o"}, "delete refs/heads/a o"},
		{"delete", RefUpdate{Ref: "refs/heads/a"}, "delete refs/heads/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.u.line())
		})
	}
}
