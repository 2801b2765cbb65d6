package checkpoint

import (
	"fmt"

	"github.com/yndnr/undocore/internal/storage/wal"
)

// FilenameLength is the width of a checkpoint file name.
const FilenameLength = 16

// FileName returns the checkpoint file name for a redo position.
func FileName(redo wal.LSN) string {
	return fmt.Sprintf("%016X", uint64(redo))
}

// ParseFileName returns the redo position encoded in a checkpoint file name.
func ParseFileName(name string) (wal.LSN, error) {
	if len(name) != FilenameLength {
		return 0, fmt.Errorf("checkpoint: %q is not a checkpoint file name", name)
	}
	return wal.ParseLSN(name)
}
