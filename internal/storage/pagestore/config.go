package pagestore

import "time"

// Config configures the page store.
type Config struct {
	// Dir is the Badger directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in memory. Nothing survives Close.
	InMemory bool

	// CacheSize is the clean-page cache budget in bytes.
	// Default: 32MB
	CacheSize int64

	// Badger tuning.
	Badger BadgerConfig
}

// BadgerConfig contains Badger tuning parameters.
type BadgerConfig struct {
	// GCInterval is the interval between value-log GC runs.
	// Default: 10m
	GCInterval time.Duration

	// GCThreshold is the discard ratio passed to RunValueLogGC.
	// Default: 0.5
	GCThreshold float64

	// BlockCacheSize is Badger's block cache in bytes.
	// Default: 16MB
	BlockCacheSize int64

	// ValueLogFileSize is the max value log file size in bytes.
	// Default: 256MB
	ValueLogFileSize int64

	// NumMemtables is the number of memtables.
	// Default: 2
	NumMemtables int

	// SyncWrites fsyncs every Badger write. FlushAll syncs explicitly, so
	// this is off by default.
	SyncWrites bool
}

// DefaultConfig returns the default configuration for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:       dir,
		CacheSize: 32 << 20,
		Badger:    DefaultBadgerConfig(),
	}
}

// DefaultBadgerConfig returns the default Badger tuning.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		GCInterval:       10 * time.Minute,
		GCThreshold:      0.5,
		BlockCacheSize:   16 << 20,
		ValueLogFileSize: 256 << 20,
		NumMemtables:     2,
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultBadgerConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 32 << 20
	}
	if cfg.Badger.GCInterval <= 0 {
		cfg.Badger.GCInterval = def.GCInterval
	}
	if cfg.Badger.GCThreshold <= 0 || cfg.Badger.GCThreshold >= 1 {
		cfg.Badger.GCThreshold = def.GCThreshold
	}
	if cfg.Badger.BlockCacheSize <= 0 {
		cfg.Badger.BlockCacheSize = def.BlockCacheSize
	}
	if cfg.Badger.ValueLogFileSize <= 0 {
		cfg.Badger.ValueLogFileSize = def.ValueLogFileSize
	}
	if cfg.Badger.NumMemtables <= 0 {
		cfg.Badger.NumMemtables = def.NumMemtables
	}
}
