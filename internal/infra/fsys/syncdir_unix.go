//go:build unix

package fsys

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// syncDir fsyncs a directory so that entries created in it survive a crash.
func syncDir(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", path, err)
	}
	if err := unix.Fsync(fd); err != nil {
		unix.Close(fd)
		return fmt.Errorf("fsync dir %s: %w", path, err)
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close dir %s: %w", path, err)
	}
	return nil
}
