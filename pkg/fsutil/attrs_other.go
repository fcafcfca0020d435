//go:build !windows

package fsutil

import (
	"os"
)

// clearAttributes makes path writable by its owner. Directories also get owner
// search and read bits so their children can be removed.
func clearAttributes(path string, isDir bool) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}

	mode := info.Mode().Perm()
	want := mode | 0o200
	if isDir {
		want |= 0o700
	}
	if want == mode {
		return nil
	}
	return os.Chmod(path, want)
}
