// Package fsutil holds small filesystem helpers shared across yard's
// packages.
package fsutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/cockroachdb/errors"
)

// WriteFileAtomic replaces path with data so that readers observe either the
// old content or the new content, never a partial write. The data goes to a
// temporary file in the same directory, is fsynced, then renamed over path;
// the directory is fsynced afterwards so the rename itself is durable.
//
// Once the rename succeeds the write has happened, so a failing directory
// sync is logged and nil is returned.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return errors.Wrapf(err, "write %s", tmpName)
	}
	if err = tmp.Chmod(perm); err != nil {
		return errors.Wrapf(err, "chmod %s", tmpName)
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", tmpName)
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmpName)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "rename %s to %s", tmpName, path)
	}

	if serr := syncDir(dir); serr != nil {
		slog.Warn("file replaced but directory sync failed", "path", path, "error", serr)
	}
	return nil
}

// syncDir is replaced in tests.
var syncDir = syncDirectory

// syncDirectory flushes directory metadata. Windows cannot open directories for
// syncing, and rename there is already durable enough for our purposes.
func syncDirectory(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", dir)
	}
	return nil
}
