package checkpoint

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/infra/fsys"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/telemetry/metric"
)

const (
	// DirName is the checkpoint directory under the data directory.
	DirName = "undo"

	filePerm = 0600
	dirPerm  = 0750
)

// BackupStatus reports whether a base backup is running.
type BackupStatus interface {
	InProgress() bool
}

// Store is the checkpoint directory.
type Store struct {
	dir     string
	fs      fsys.FileSystem
	backup  BackupStatus
	logger  *slog.Logger
	metrics *metric.Registry
}

// Option configures a Store.
type Option func(*Store)

// WithFS sets the file system.
func WithFS(f fsys.FileSystem) Option {
	return func(s *Store) { s.fs = fsys.OrDefault(f) }
}

// WithBackupStatus sets the backup guard consulted before deleting files.
func WithBackupStatus(b BackupStatus) Option {
	return func(s *Store) { s.backup = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metric.Registry) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore returns a store for the checkpoint directory dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:    dir,
		fs:     fsys.Default,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file path of the checkpoint for redo.
func (s *Store) Path(redo wal.LSN) string {
	return filepath.Join(s.dir, FileName(redo))
}

// Create opens the checkpoint file for redo for writing, truncating any
// leftover from an earlier attempt.
func (s *Store) Create(redo wal.LSN) (*Context, error) {
	if err := s.fs.MkdirAll(s.dir, dirPerm); err != nil {
		return nil, domain.ErrFileAccess.WithDetailf("could not create directory %q", s.dir).WithCause(err)
	}
	path := s.Path(redo)
	f, err := s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, domain.ErrFileAccess.WithDetailf("could not open file %q", path).WithCause(err)
	}
	return &Context{fs: s.fs, dir: s.dir, path: path, file: f, mode: modeWrite, size: -1, metrics: s.metrics}, nil
}

// Open opens the checkpoint file for redo for reading.
func (s *Store) Open(redo wal.LSN) (*Context, error) {
	return s.open(s.Path(redo))
}

func (s *Store) open(path string) (*Context, error) {
	f, err := s.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, domain.ErrFileAccess.WithDetailf("could not open file %q", path).WithCause(err)
	}
	size := int64(-1)
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	return &Context{fs: s.fs, dir: s.dir, path: path, file: f, mode: modeRead, size: size, metrics: s.metrics}, nil
}

// CleanUp removes checkpoint files older than prior, the redo position of
// the checkpoint before the one just written. Nothing is removed while a
// backup is in progress. It returns the removed names.
func (s *Store) CleanUp(prior wal.LSN) ([]string, error) {
	if s.backup != nil && s.backup.InProgress() {
		s.logger.Info("backup in progress, keeping old checkpoint files", "prior_redo", prior.String())
		s.metrics.IncCleanupSkipped()
		return nil, nil
	}

	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return nil, domain.ErrFileAccess.WithDetailf("could not read directory %q", s.dir).WithCause(err)
	}

	boundary := FileName(prior)
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if len(name) != FilenameLength || e.IsDir() {
			continue
		}
		if name >= boundary {
			continue
		}
		path := filepath.Join(s.dir, name)
		s.logger.Debug("removing obsolete checkpoint file", "path", path)
		if err := s.fs.Remove(path); err != nil {
			s.metrics.AddCleanupRemoved(len(removed))
			return removed, domain.ErrFileAccess.WithDetailf("could not unlink file %q", path).WithCause(err)
		}
		removed = append(removed, name)
	}
	s.metrics.AddCleanupRemoved(len(removed))
	return removed, nil
}

// Info describes a checkpoint file on disk.
type Info struct {
	Name string
	Redo wal.LSN
	Size int64
}

// List returns the checkpoint files in redo order.
func (s *Store) List() ([]Info, error) {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.ErrFileAccess.WithDetailf("could not read directory %q", s.dir).WithCause(err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		redo, err := ParseFileName(e.Name())
		if err != nil {
			continue
		}
		var size int64
		if fi, err := e.Info(); err == nil {
			size = fi.Size()
		}
		out = append(out, Info{Name: e.Name(), Redo: redo, Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Redo < out[j].Redo })
	return out, nil
}

// Verify checks the checksum of a checkpoint file without interpreting the
// subsystem data in it.
func (s *Store) Verify(name string) (int64, error) {
	if _, err := ParseFileName(name); err != nil {
		return 0, domain.ErrInvalidArgument.WithDetails(err.Error())
	}
	path := filepath.Join(s.dir, name)
	fi, err := s.fs.Stat(path)
	if err != nil {
		return 0, domain.ErrFileAccess.WithDetailf("could not stat file %q", path).WithCause(err)
	}
	body := fi.Size() - ChecksumSize
	if body < 0 {
		return 0, domain.ErrShortTransfer.WithDetailf("file %q is shorter than its checksum", path)
	}

	ctx, err := s.open(path)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 64<<10)
	for remaining := body; remaining > 0; {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		if err := ctx.Read(chunk); err != nil {
			ctx.Abort()
			return 0, err
		}
		remaining -= int64(len(chunk))
	}
	return body, ctx.FinishRead()
}
