package storage

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/yndnr/undocore/internal/storage/pagestore"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/telemetry/metric"
	"github.com/yndnr/undocore/internal/undo/checkpoint"
	"github.com/yndnr/undocore/internal/undo/undolog"
	"github.com/yndnr/undocore/pkg/crypto/adaptive"
)

// Default configuration values.
const (
	DefaultCheckpointInterval = 5 * time.Minute
	DefaultCheckpointWALBytes = 256 << 20
	DefaultMinCheckpointGap   = 30 * time.Second
	DefaultExitTimeout        = 10 * time.Second

	WALDirName   = "wal"
	PagesDirName = "pages"
)

// Config configures the storage engine.
type Config struct {
	// DataDir is the base directory for all storage files.
	DataDir string

	WAL   wal.Config
	Pages pagestore.Config
	Undo  undolog.Config

	// CheckpointInterval is the time between automatic checkpoints. Zero
	// disables the background loop.
	CheckpointInterval time.Duration

	// CheckpointWALBytes requests a checkpoint once this much WAL has been
	// written since the last one. Zero disables it.
	CheckpointWALBytes uint64

	// MinCheckpointGap limits how often WAL volume can trigger a
	// checkpoint.
	MinCheckpointGap time.Duration

	// EncryptionKey is a hex or base64 master key. When set, WAL record
	// data is encrypted with a key derived from it.
	EncryptionKey string

	// ExitTimeout bounds the undo exit hooks run by Close.
	ExitTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metric.Registry
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:            dataDir,
		WAL:                wal.DefaultConfig(filepath.Join(dataDir, WALDirName)),
		Pages:              pagestore.DefaultConfig(filepath.Join(dataDir, PagesDirName)),
		CheckpointInterval: DefaultCheckpointInterval,
		CheckpointWALBytes: DefaultCheckpointWALBytes,
		MinCheckpointGap:   DefaultMinCheckpointGap,
		ExitTimeout:        DefaultExitTimeout,
		Logger:             slog.Default(),
	}
}

// CheckpointDir returns the undo checkpoint directory of dataDir.
func CheckpointDir(dataDir string) string { return filepath.Join(dataDir, checkpoint.DirName) }

// Cipher returns the WAL cipher for key, or nil when key is empty.
func Cipher(key string) (*adaptive.Cipher, error) {
	if key == "" {
		return nil, nil
	}
	master, err := adaptive.ParseKey(key)
	if err != nil {
		return nil, fmt.Errorf("storage: encryption key: %w", err)
	}
	derived, err := adaptive.DeriveKey(master, "wal")
	if err != nil {
		return nil, fmt.Errorf("storage: encryption key: %w", err)
	}
	return adaptive.New(derived)
}

func (cfg *Config) applyDefaults() error {
	if cfg.DataDir == "" {
		return fmt.Errorf("storage: data_dir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WAL.Dir == "" {
		mode, interval := cfg.WAL.SyncMode, cfg.WAL.SyncInterval
		cfg.WAL = wal.DefaultConfig(filepath.Join(cfg.DataDir, WALDirName))
		if mode != "" {
			cfg.WAL.SyncMode = mode
		}
		if interval > 0 {
			cfg.WAL.SyncInterval = interval
		}
	}
	if cfg.Pages.Dir == "" && !cfg.Pages.InMemory {
		cfg.Pages.Dir = filepath.Join(cfg.DataDir, PagesDirName)
	}
	if cfg.MinCheckpointGap <= 0 {
		cfg.MinCheckpointGap = DefaultMinCheckpointGap
	}
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = DefaultExitTimeout
	}
	cfg.WAL.Logger = cfg.Logger
	cfg.WAL.Metrics = cfg.Metrics
	return nil
}
