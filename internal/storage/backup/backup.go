package backup

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/infra/fsys"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/telemetry/metric"
)

// LabelFileName is the label file inside the data directory.
const LabelFileName = "backup_label"

// Label describes a running backup.
type Label struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartRedo wal.LSN   `json:"start_redo"`
	StartedAt time.Time `json:"started_at"`
}

// Coordinator starts and stops backups of one data directory.
type Coordinator struct {
	dir     string
	fs      fsys.FileSystem
	logger  *slog.Logger
	metrics *metric.Registry

	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFS sets the file system.
func WithFS(f fsys.FileSystem) Option {
	return func(c *Coordinator) { c.fs = fsys.OrDefault(f) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics reports whether a backup is running.
func WithMetrics(m *metric.Registry) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New returns the coordinator for data directory dir.
func New(dir string, opts ...Option) *Coordinator {
	c := &Coordinator{dir: dir, fs: fsys.Default, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the label file path.
func (c *Coordinator) Path() string { return filepath.Join(c.dir, LabelFileName) }

func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.Monotonic(rand.Reader, 0)).String()
}

// Start begins a backup named name whose WAL starts at redo.
func (c *Coordinator) Start(name string, redo wal.LSN) (Label, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok, err := c.read(); err != nil {
		return Label{}, err
	} else if ok {
		return Label{}, domain.ErrBackupInProgress.WithDetailf("backup %s (%s) started at %s",
			cur.ID, cur.Name, cur.StartedAt.Format(time.RFC3339))
	}

	now := time.Now().UTC()
	l := Label{ID: newID(now), Name: name, StartRedo: redo, StartedAt: now}
	body, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return Label{}, fmt.Errorf("backup: marshal label: %w", err)
	}

	f, err := c.fs.OpenFile(c.Path(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return Label{}, domain.ErrBackupInProgress.WithCause(err)
		}
		return Label{}, domain.ErrFileAccess.WithDetailf("could not create file %q", c.Path()).WithCause(err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		_ = c.fs.Remove(c.Path())
		return Label{}, domain.ErrFileAccess.WithDetailf("could not write file %q", c.Path()).WithCause(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = c.fs.Remove(c.Path())
		return Label{}, domain.ErrFileAccess.WithDetailf("could not fsync file %q", c.Path()).WithCause(err)
	}
	if err := f.Close(); err != nil {
		_ = c.fs.Remove(c.Path())
		return Label{}, domain.ErrFileAccess.WithDetailf("could not close file %q", c.Path()).WithCause(err)
	}
	if err := c.fs.SyncDir(c.dir); err != nil {
		return Label{}, domain.ErrFileAccess.WithDetailf("could not fsync directory %q", c.dir).WithCause(err)
	}

	c.metrics.SetBackupActive(true)
	c.logger.Info("backup started", "id", l.ID, "name", l.Name, "start_redo", redo.String())
	return l, nil
}

// Stop ends the running backup and returns its label.
func (c *Coordinator) Stop() (Label, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok, err := c.read()
	if err != nil {
		return Label{}, err
	}
	if !ok {
		return Label{}, domain.ErrNoBackup
	}
	if err := c.fs.Remove(c.Path()); err != nil {
		return Label{}, domain.ErrFileAccess.WithDetailf("could not unlink file %q", c.Path()).WithCause(err)
	}
	if err := c.fs.SyncDir(c.dir); err != nil {
		return Label{}, domain.ErrFileAccess.WithDetailf("could not fsync directory %q", c.dir).WithCause(err)
	}

	c.metrics.SetBackupActive(false)
	c.logger.Info("backup stopped", "id", l.ID, "name", l.Name, "duration", time.Since(l.StartedAt).String())
	return l, nil
}

// Current returns the running backup, if any.
func (c *Coordinator) Current() (Label, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read()
}

// InProgress reports whether a backup is running. A label file that
// cannot be read still counts, so checkpoint cleanup errs on keeping files.
func (c *Coordinator) InProgress() bool {
	if _, err := c.fs.Stat(c.Path()); err != nil {
		return !os.IsNotExist(err)
	}
	return true
}

func (c *Coordinator) read() (Label, bool, error) {
	f, err := c.fs.OpenFile(c.Path(), os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return Label{}, false, nil
		}
		return Label{}, false, domain.ErrFileAccess.WithDetailf("could not open file %q", c.Path()).WithCause(err)
	}
	defer f.Close()

	var l Label
	if err := json.NewDecoder(f).Decode(&l); err != nil {
		return Label{}, false, fmt.Errorf("backup: decode %s: %w", c.Path(), err)
	}
	return l, true, nil
}
