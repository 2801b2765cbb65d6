package config

import "time"

// ServerConfig is the root configuration for undocore-server.
type ServerConfig struct {
	Storage StorageSection `koanf:"storage"`
	WAL     WALSection     `koanf:"wal"`
	Undo    UndoSection    `koanf:"undo"`
	Metrics MetricsSection `koanf:"metrics"`
	Log     LogSection     `koanf:"log"`
}

// StorageSection configures the data directory and checkpoint scheduling.
type StorageSection struct {
	DataDir string `koanf:"data_dir"`

	// CheckpointInterval is the time between automatic checkpoints.
	// Zero disables them; the shutdown checkpoint still runs.
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`

	// CheckpointWALBytes triggers an early checkpoint once this much WAL
	// has been written since the last one.
	CheckpointWALBytes uint64 `koanf:"checkpoint_wal_bytes"`

	// MinCheckpointGap throttles the WAL-volume trigger.
	MinCheckpointGap time.Duration `koanf:"min_checkpoint_gap"`

	// PageCacheSize is the clean undo page cache budget in bytes.
	PageCacheSize int64 `koanf:"page_cache_size"`

	ExitTimeout time.Duration `koanf:"exit_timeout"`
}

// WALSection configures the write-ahead log.
type WALSection struct {
	// SyncMode is "sync" or "batch".
	SyncMode     string        `koanf:"sync_mode"`
	SyncInterval time.Duration `koanf:"sync_interval"`
	MaxFileSize  int64         `koanf:"max_file_size"`

	// EncryptionKey enables WAL record encryption (hex or base64, at
	// least 16 bytes).
	EncryptionKey string `koanf:"encryption_key"`
}

// UndoSection configures undo log space.
type UndoSection struct {
	MaxLogs int    `koanf:"max_logs"`
	LogSize uint64 `koanf:"log_size"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	Path    string `koanf:"path"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
