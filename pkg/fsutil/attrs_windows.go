//go:build windows

package fsutil

import (
	"golang.org/x/sys/windows"
)

// clearAttributes resets read-only, hidden and system attributes.
func clearAttributes(path string, isDir bool) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}

	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return err
	}

	const mask = windows.FILE_ATTRIBUTE_READONLY | windows.FILE_ATTRIBUTE_HIDDEN | windows.FILE_ATTRIBUTE_SYSTEM
	if attrs&mask == 0 {
		return nil
	}

	cleared := attrs &^ mask
	if !isDir && cleared == 0 {
		cleared = windows.FILE_ATTRIBUTE_NORMAL
	}
	return windows.SetFileAttributes(p, cleared)
}
