//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Preallocate attempts to reserve disk space for the file. Errors are
// ignored; fallocate is not supported on all filesystems.
func Preallocate(fd *os.File, size int64) {
	//nolint:errcheck // fallocate is advisory
	unix.Fallocate(int(fd.Fd()), 0, 0, size)
}
