package config

import (
	"log/slog"

	"github.com/yndnr/undocore/internal/storage"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/telemetry/metric"
)

// StorageConfig converts the file configuration into engine settings.
func (c *ServerConfig) StorageConfig(logger *slog.Logger, metrics *metric.Registry) storage.Config {
	cfg := storage.DefaultConfig(c.Storage.DataDir)

	cfg.WAL.SyncMode = wal.SyncMode(c.WAL.SyncMode)
	if c.WAL.SyncInterval > 0 {
		cfg.WAL.SyncInterval = c.WAL.SyncInterval
	}
	if c.WAL.MaxFileSize > 0 {
		cfg.WAL.MaxFileSize = c.WAL.MaxFileSize
	}
	cfg.EncryptionKey = c.WAL.EncryptionKey

	if c.Storage.PageCacheSize > 0 {
		cfg.Pages.CacheSize = c.Storage.PageCacheSize
	}
	cfg.Undo.MaxLogs = c.Undo.MaxLogs
	cfg.Undo.LogSize = c.Undo.LogSize

	cfg.CheckpointInterval = c.Storage.CheckpointInterval
	cfg.CheckpointWALBytes = c.Storage.CheckpointWALBytes
	if c.Storage.MinCheckpointGap > 0 {
		cfg.MinCheckpointGap = c.Storage.MinCheckpointGap
	}
	if c.Storage.ExitTimeout > 0 {
		cfg.ExitTimeout = c.Storage.ExitTimeout
	}

	cfg.Logger = logger
	cfg.Metrics = metrics
	return cfg
}
