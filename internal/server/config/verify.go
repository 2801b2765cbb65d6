package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/pkg/crypto/adaptive"
)

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	if err := verifyStorage(&cfg.Storage); err != nil {
		return err
	}
	if err := verifyWAL(&cfg.WAL); err != nil {
		return err
	}
	if cfg.Undo.MaxLogs < 1 {
		return errors.New("undo.max_logs must be at least 1")
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			return errors.New("metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path %q must start with /", cfg.Metrics.Path)
		}
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", cfg.Log.Format)
	}
	return nil
}

func verifyStorage(cfg *StorageSection) error {
	if cfg.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return errors.New("cannot create data directory: " + err.Error())
	}
	if cfg.CheckpointInterval < 0 {
		return errors.New("storage.checkpoint_interval must not be negative")
	}
	return nil
}

func verifyWAL(cfg *WALSection) error {
	switch wal.SyncMode(cfg.SyncMode) {
	case wal.SyncModeSync, wal.SyncModeBatch:
	default:
		return fmt.Errorf("wal.sync_mode %q must be sync or batch", cfg.SyncMode)
	}
	if cfg.EncryptionKey != "" {
		if _, err := adaptive.ParseKey(cfg.EncryptionKey); err != nil {
			return fmt.Errorf("wal.encryption_key: %w", err)
		}
	}
	return nil
}
