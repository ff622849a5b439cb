package git

import (
	"context"
	"strings"
)

// Status is the parsed working-tree state of a workspace.
type Status struct {
	Branch    string   `json:"branch" yaml:"branch"`
	Upstream  string   `json:"upstream,omitempty" yaml:"upstream,omitempty"`
	Ahead     int      `json:"ahead" yaml:"ahead"`
	Behind    int      `json:"behind" yaml:"behind"`
	NoCommits bool     `json:"no_commits,omitempty" yaml:"no_commits,omitempty"`
	Staged    []string `json:"staged,omitempty" yaml:"staged,omitempty"`
	Modified  []string `json:"modified,omitempty" yaml:"modified,omitempty"`
	Untracked []string `json:"untracked,omitempty" yaml:"untracked,omitempty"`
}

// Clean reports whether there is nothing staged, modified or untracked.
func (s *Status) Clean() bool {
	return len(s.Staged) == 0 && len(s.Modified) == 0 && len(s.Untracked) == 0
}

// Branch is a local or remote-tracking branch.
type Branch struct {
	Name   string `json:"name" yaml:"name"`
	Remote string `json:"remote,omitempty" yaml:"remote,omitempty"` // empty for local branches
	Commit string `json:"commit" yaml:"commit"`
}

// Status returns the working-tree status of the workspace at path.
func (g *Gateway) Status(ctx context.Context, path string) (*Status, error) {
	res, err := g.run(ctx, "status", path, "status", "--porcelain=v1", "--branch", "--untracked-files=normal")
	if err != nil {
		return nil, err
	}
	return ParseStatus(string(res.Stdout)), nil
}

// ParseStatus parses `git status --porcelain=v1 --branch` output.
func ParseStatus(out string) *Status {
	st := &Status{}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			parseBranchHeader(st, strings.TrimPrefix(line, "## "))
			continue
		}
		if len(line) < 4 {
			continue
		}

		x, y := line[0], line[1]
		file := line[3:]
		if i := strings.Index(file, " -> "); i >= 0 {
			file = file[i+4:]
		}

		if x == '?' && y == '?' {
			st.Untracked = append(st.Untracked, file)
			continue
		}
		if x != ' ' && x != '!' {
			st.Staged = append(st.Staged, file)
		}
		if y != ' ' && y != '!' {
			st.Modified = append(st.Modified, file)
		}
	}
	return st
}

// parseBranchHeader handles the "## ..." line:
//
//	main...origin/main [ahead 1, behind 2]
//	No commits yet on main
//	HEAD (no branch)
func parseBranchHeader(st *Status, header string) {
	if rest, ok := strings.CutPrefix(header, "No commits yet on "); ok {
		st.Branch = rest
		st.NoCommits = true
		return
	}
	if rest, ok := strings.CutPrefix(header, "Initial commit on "); ok {
		st.Branch = rest
		st.NoCommits = true
		return
	}
	if strings.HasPrefix(header, "HEAD (no branch)") {
		st.Branch = DetachedHead
		return
	}

	tracking := ""
	if i := strings.Index(header, " ["); i >= 0 && strings.HasSuffix(header, "]") {
		tracking = header[i+2 : len(header)-1]
		header = header[:i]
	}

	branch, upstream, _ := strings.Cut(header, "...")
	st.Branch = branch
	st.Upstream = upstream

	for _, part := range strings.Split(tracking, ", ") {
		if n, ok := strings.CutPrefix(part, "ahead "); ok {
			st.Ahead = parseCount(n)
		} else if n, ok := strings.CutPrefix(part, "behind "); ok {
			st.Behind = parseCount(n)
		}
	}
}

// ListBranches returns local branches and remote-tracking branches of the
// repository at path. Symbolic refs such as origin/HEAD are skipped.
func (g *Gateway) ListBranches(ctx context.Context, path string) ([]Branch, error) {
	out, err := g.output(ctx, "list-branches", path,
		"for-each-ref", "--format=%(refname) %(objectname) %(symref)", "refs/heads", "refs/remotes")
	if err != nil {
		return nil, err
	}
	return ParseBranches(out), nil
}

// ParseBranches parses the for-each-ref output produced by ListBranches.
func ParseBranches(out string) []Branch {
	var branches []Branch
	for _, line := range splitLines(out) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if len(fields) > 2 && fields[2] != "" {
			continue // symbolic ref
		}
		ref, commit := fields[0], fields[1]

		if name, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
			branches = append(branches, Branch{Name: name, Commit: commit})
			continue
		}
		if rest, ok := strings.CutPrefix(ref, "refs/remotes/"); ok {
			remote, name, found := strings.Cut(rest, "/")
			if !found || name == "HEAD" {
				continue
			}
			branches = append(branches, Branch{Name: name, Remote: remote, Commit: commit})
		}
	}
	return branches
}
