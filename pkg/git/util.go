package git

import (
	"os"
	"path/filepath"
)

// HasWorkTreeMetadata reports whether path carries a .git entry, either a
// directory or the gitdir file a linked worktree or submodule uses.
func HasWorkTreeMetadata(path string) bool {
	info, err := os.Lstat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// IsBareRepo reports whether path looks like a bare repository
// (HEAD, config and objects/ at the top level).
func IsBareRepo(path string) bool {
	if _, err := os.Stat(filepath.Join(path, "HEAD")); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, "config")); err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(path, "objects"))
	return err == nil && info.IsDir()
}

// IsGitRepo checks if a path is a git repository, bare or not.
func IsGitRepo(path string) bool {
	return HasWorkTreeMetadata(path) || IsBareRepo(path)
}
