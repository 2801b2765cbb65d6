package config

import (
	"time"

	"github.com/yndnr/undocore/internal/storage"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/undo/undolog"
)

// Default configuration values.
const (
	DefaultDataDir       = "/var/lib/undocore/data"
	DefaultPageCacheSize = 32 << 20

	DefaultWALSyncMode     = string(wal.SyncModeBatch)
	DefaultWALSyncInterval = 100 * time.Millisecond
	DefaultWALMaxFileSize  = wal.DefaultMaxFileSize

	DefaultMetricsAddr = "127.0.0.1:9480"
	DefaultMetricsPath = "/metrics"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Storage: StorageSection{
			DataDir:            DefaultDataDir,
			CheckpointInterval: storage.DefaultCheckpointInterval,
			CheckpointWALBytes: storage.DefaultCheckpointWALBytes,
			MinCheckpointGap:   storage.DefaultMinCheckpointGap,
			PageCacheSize:      DefaultPageCacheSize,
			ExitTimeout:        storage.DefaultExitTimeout,
		},
		WAL: WALSection{
			SyncMode:     DefaultWALSyncMode,
			SyncInterval: DefaultWALSyncInterval,
			MaxFileSize:  DefaultWALMaxFileSize,
		},
		Undo: UndoSection{
			MaxLogs: undolog.DefaultMaxLogs,
			LogSize: undolog.DefaultLogSize,
		},
		Metrics: MetricsSection{
			Enabled: true,
			Addr:    DefaultMetricsAddr,
			Path:    DefaultMetricsPath,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
