package wal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/yndnr/undocore/internal/infra/fsys"
)

// DefaultRetainCount is the default number of WAL segments kept after compaction.
const DefaultRetainCount = 2

// Compactor removes WAL segments no longer needed for recovery.
type Compactor struct {
	walDir      string
	retainCount int
	fs          fsys.FileSystem
	logger      *slog.Logger
}

// CompactorOption configures the Compactor.
type CompactorOption func(*Compactor)

// WithRetainCount sets the number of WAL segments to retain.
func WithRetainCount(count int) CompactorOption {
	return func(c *Compactor) {
		if count > 0 {
			c.retainCount = count
		}
	}
}

// WithFS sets the file system.
func WithFS(fs fsys.FileSystem) CompactorOption {
	return func(c *Compactor) {
		c.fs = fsys.OrDefault(fs)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CompactorOption {
	return func(c *Compactor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCompactor creates a new WAL compactor.
func NewCompactor(walDir string, opts ...CompactorOption) *Compactor {
	c := &Compactor{
		walDir:      walDir,
		retainCount: DefaultRetainCount,
		fs:          fsys.Default,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compact removes segments that end before redo, the oldest position
// recovery may start from. At least retainCount segments are kept.
func (c *Compactor) Compact(redo LSN) ([]string, error) {
	segs, err := listSegments(c.fs, c.walDir)
	if err != nil {
		return nil, err
	}

	var toDelete []segmentInfo
	for _, seg := range segs {
		if seg.id < redo.Segment() {
			toDelete = append(toDelete, seg)
		}
	}

	if keep := len(segs) - len(toDelete); keep < c.retainCount {
		extra := c.retainCount - keep
		if extra > len(toDelete) {
			extra = len(toDelete)
		}
		toDelete = toDelete[:len(toDelete)-extra]
	}
	if len(toDelete) == 0 {
		return nil, nil
	}

	var (
		removed []string
		errs    []error
	)
	for _, seg := range toDelete {
		if err := c.fs.Remove(seg.path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", seg.path, err))
			continue
		}
		removed = append(removed, filepath.Base(seg.path))
	}
	if len(removed) > 0 {
		if err := c.fs.SyncDir(c.walDir); err != nil {
			errs = append(errs, err)
		}
		c.logger.Debug("wal segments removed", "count", len(removed), "redo", redo.String())
	}

	if len(errs) > 0 {
		return removed, fmt.Errorf("wal: failed to compact: %w", errors.Join(errs...))
	}
	return removed, nil
}

// TotalSize returns the total size of all WAL segments in bytes.
func (c *Compactor) TotalSize() (int64, error) {
	segs, err := listSegments(c.fs, c.walDir)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, seg := range segs {
		info, err := c.fs.Stat(seg.path)
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// FileCount returns the number of WAL segments.
func (c *Compactor) FileCount() (int, error) {
	segs, err := listSegments(c.fs, c.walDir)
	if err != nil {
		return 0, err
	}
	return len(segs), nil
}
