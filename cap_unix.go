//go:build !windows

package pemit

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

// writeAllowed reports whether the directory holding path is writable.
func writeAllowed(path string) bool {
	dir := filepath.Dir(path)
	return unix.Access(dir, unix.W_OK) == nil
}
