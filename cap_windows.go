//go:build windows

package pemit

import (
	"path/filepath"

	"golang.org/x/sys/windows"
)

// writeAllowed reports whether the directory holding path exists and is not
// marked read-only.
func writeAllowed(path string) bool {
	dir := filepath.Dir(path)
	p, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return false
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return false
	}
	if attrs&windows.FILE_ATTRIBUTE_DIRECTORY == 0 {
		return false
	}
	return attrs&windows.FILE_ATTRIBUTE_READONLY == 0
}
