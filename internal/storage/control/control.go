package control

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/infra/fsys"
	"github.com/yndnr/undocore/internal/storage/wal"
)

const (
	// FileName is the control file name inside the data directory.
	FileName = "control"

	checksumSize = sha256.Size
	filePerm     = 0600
	dirPerm      = 0750
)

// State is the cluster state recorded in the control file.
type State string

const (
	StateInProduction State = "in_production"
	StateInRecovery   State = "in_recovery"
	StateShutDown     State = "shut_down"
)

// Data is the content of the control file.
type Data struct {
	CheckpointRedo wal.LSN   `json:"checkpoint_redo"`
	PriorRedo      wal.LSN   `json:"prior_redo"`
	State          State     `json:"state"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// File is the control file of one data directory.
type File struct {
	dir    string
	fs     fsys.FileSystem
	logger *slog.Logger
}

// Option configures a File.
type Option func(*File)

// WithFS sets the file system.
func WithFS(f fsys.FileSystem) Option {
	return func(c *File) { c.fs = fsys.OrDefault(f) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *File) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns the control file in dir.
func New(dir string, opts ...Option) *File {
	c := &File{dir: dir, fs: fsys.Default, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the control file path.
func (c *File) Path() string { return filepath.Join(c.dir, FileName) }

// Read returns the stored data. found is false when there is no control
// file, which means bootstrap.
func (c *File) Read() (d Data, found bool, err error) {
	f, err := c.fs.OpenFile(c.Path(), os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{}, false, nil
		}
		return Data{}, false, domain.ErrFileAccess.WithDetailf("could not open control file %q", c.Path()).WithCause(err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return Data{}, false, domain.ErrFileAccess.WithDetailf("could not read control file %q", c.Path()).WithCause(err)
	}
	if len(raw) <= checksumSize {
		return Data{}, false, domain.ErrControlCorrupted.WithDetailf("control file is %d bytes", len(raw))
	}

	body, trailer := raw[:len(raw)-checksumSize], raw[len(raw)-checksumSize:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], trailer) {
		return Data{}, false, domain.ErrControlCorrupted.WithDetails("checksum mismatch")
	}
	if err := json.Unmarshal(body, &d); err != nil {
		return Data{}, false, domain.ErrControlCorrupted.WithCause(err)
	}
	if d.PriorRedo > d.CheckpointRedo {
		return Data{}, false, domain.ErrControlCorrupted.WithDetailf(
			"prior redo %s is past checkpoint redo %s", d.PriorRedo, d.CheckpointRedo)
	}
	return d, true, nil
}

// Write replaces the control file with d. UpdatedAt is set to now.
func (c *File) Write(d Data) error {
	d.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("control: marshal: %w", err)
	}
	sum := sha256.Sum256(body)

	if err := c.fs.MkdirAll(c.dir, dirPerm); err != nil {
		return domain.ErrFileAccess.WithDetailf("could not create directory %q", c.dir).WithCause(err)
	}

	tmp := c.Path() + ".tmp"
	f, err := c.fs.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return domain.ErrFileAccess.WithDetailf("could not create file %q", tmp).WithCause(err)
	}

	fail := func(what string, err error) error {
		f.Close()
		_ = c.fs.Remove(tmp)
		return domain.ErrFileAccess.WithDetailf("could not %s file %q", what, tmp).WithCause(err)
	}
	if _, err := f.Write(body); err != nil {
		return fail("write", err)
	}
	if _, err := f.Write(sum[:]); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("fsync", err)
	}
	if err := f.Close(); err != nil {
		_ = c.fs.Remove(tmp)
		return domain.ErrFileAccess.WithDetailf("could not close file %q", tmp).WithCause(err)
	}

	if err := c.fs.Rename(tmp, c.Path()); err != nil {
		_ = c.fs.Remove(tmp)
		return domain.ErrFileAccess.WithDetailf("could not rename %q", tmp).WithCause(err)
	}
	if err := c.fs.SyncDir(c.dir); err != nil {
		return domain.ErrFileAccess.WithDetailf("could not fsync directory %q", c.dir).WithCause(err)
	}

	c.logger.Debug("control file written",
		"checkpoint_redo", d.CheckpointRedo.String(), "prior_redo", d.PriorRedo.String(), "state", string(d.State))
	return nil
}
