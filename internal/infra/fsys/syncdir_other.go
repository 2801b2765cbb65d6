//go:build !unix

package fsys

import "os"

// syncDir is best effort on platforms without directory fsync.
func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
