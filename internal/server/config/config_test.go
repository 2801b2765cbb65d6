package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yndnr/undocore/internal/storage"
	"github.com/yndnr/undocore/internal/storage/wal"
)

func validConfig(t *testing.T) *ServerConfig {
	t.Helper()
	cfg := Default()
	cfg.Storage.DataDir = t.TempDir()
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Storage.DataDir != DefaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.Storage.DataDir, DefaultDataDir)
	}
	if cfg.Storage.CheckpointInterval != storage.DefaultCheckpointInterval {
		t.Errorf("CheckpointInterval = %v, want %v", cfg.Storage.CheckpointInterval, storage.DefaultCheckpointInterval)
	}
	if cfg.WAL.SyncMode != DefaultWALSyncMode {
		t.Errorf("WAL.SyncMode = %q, want %q", cfg.WAL.SyncMode, DefaultWALSyncMode)
	}
	if cfg.WAL.EncryptionKey != "" {
		t.Error("encryption should be off by default")
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Log.Level != DefaultLogLevel {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, DefaultLogLevel)
	}
	if cfg.Log.Format != DefaultLogFormat {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, DefaultLogFormat)
	}
}

func TestSanitize(t *testing.T) {
	cfg := &ServerConfig{WAL: WALSection{EncryptionKey: "super-secret-key-1234567890"}}

	sanitized := Sanitize(cfg)

	if cfg.WAL.EncryptionKey != "super-secret-key-1234567890" {
		t.Error("Original config should not be modified")
	}
	if sanitized.WAL.EncryptionKey == cfg.WAL.EncryptionKey {
		t.Error("Sanitized config should mask the encryption key")
	}
	if len(sanitized.WAL.EncryptionKey) != len(cfg.WAL.EncryptionKey) {
		t.Errorf("Masked key length = %d, want %d", len(sanitized.WAL.EncryptionKey), len(cfg.WAL.EncryptionKey))
	}
}

func TestSanitize_EmptyKey(t *testing.T) {
	if got := Sanitize(&ServerConfig{}).WAL.EncryptionKey; got != "" {
		t.Errorf("Empty key should remain empty, got %q", got)
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"a", "****"},
		{"abcd", "****"},
		{"abcde", "ab*de"},
		{"abcdef", "ab**ef"},
		{"1234567890", "12******90"},
	}

	for _, tt := range tests {
		if result := maskSecret(tt.input); result != tt.expected {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr bool
	}{
		{"defaults", func(*ServerConfig) {}, false},
		{"empty data dir", func(c *ServerConfig) { c.Storage.DataDir = "" }, true},
		{"negative interval", func(c *ServerConfig) { c.Storage.CheckpointInterval = -time.Second }, true},
		{"disabled interval", func(c *ServerConfig) { c.Storage.CheckpointInterval = 0 }, false},
		{"sync mode sync", func(c *ServerConfig) { c.WAL.SyncMode = "sync" }, false},
		{"bad sync mode", func(c *ServerConfig) { c.WAL.SyncMode = "always" }, true},
		{"hex key", func(c *ServerConfig) { c.WAL.EncryptionKey = "00112233445566778899aabbccddeeff" }, false},
		{"weak key", func(c *ServerConfig) { c.WAL.EncryptionKey = "0011" }, true},
		{"no undo logs", func(c *ServerConfig) { c.Undo.MaxLogs = 0 }, true},
		{"metrics without addr", func(c *ServerConfig) { c.Metrics.Addr = "" }, true},
		{"metrics disabled without addr", func(c *ServerConfig) {
			c.Metrics.Enabled = false
			c.Metrics.Addr = ""
		}, false},
		{"relative metrics path", func(c *ServerConfig) { c.Metrics.Path = "metrics" }, true},
		{"bad log format", func(c *ServerConfig) { c.Log.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := Verify(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerify_CreateDataDir(t *testing.T) {
	cfg := validConfig(t)
	newDir := filepath.Join(cfg.Storage.DataDir, "subdir", "data")
	cfg.Storage.DataDir = newDir

	if err := Verify(cfg); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if _, err := os.Stat(newDir); os.IsNotExist(err) {
		t.Error("Data directory should have been created")
	}
}

func TestStorageConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.WAL.SyncMode = "sync"
	cfg.WAL.EncryptionKey = "00112233445566778899aabbccddeeff"
	cfg.Storage.CheckpointInterval = 0
	cfg.Storage.PageCacheSize = 1 << 20
	cfg.Undo.MaxLogs = 4

	sc := cfg.StorageConfig(nil, nil)

	if sc.DataDir != cfg.Storage.DataDir {
		t.Errorf("DataDir = %q", sc.DataDir)
	}
	if sc.WAL.SyncMode != wal.SyncModeSync {
		t.Errorf("WAL.SyncMode = %q", sc.WAL.SyncMode)
	}
	if sc.WAL.Dir != filepath.Join(cfg.Storage.DataDir, storage.WALDirName) {
		t.Errorf("WAL.Dir = %q", sc.WAL.Dir)
	}
	if sc.EncryptionKey != cfg.WAL.EncryptionKey {
		t.Error("encryption key not carried over")
	}
	if sc.CheckpointInterval != 0 {
		t.Errorf("CheckpointInterval = %v, want 0", sc.CheckpointInterval)
	}
	if sc.Pages.CacheSize != 1<<20 || sc.Undo.MaxLogs != 4 {
		t.Errorf("Pages.CacheSize = %d, Undo.MaxLogs = %d", sc.Pages.CacheSize, sc.Undo.MaxLogs)
	}
	if sc.ExitTimeout != storage.DefaultExitTimeout {
		t.Errorf("ExitTimeout = %v", sc.ExitTimeout)
	}
}
