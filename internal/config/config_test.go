package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DataDir: "/var/lib/chatstore", MaxStoredMessages: 50}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DataDir != "/var/lib/chatstore" {
		t.Errorf("DataDir = %q, want /var/lib/chatstore", loaded.DataDir)
	}
	if loaded.MaxStoredMessages != 50 {
		t.Errorf("MaxStoredMessages = %d, want 50", loaded.MaxStoredMessages)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := os.WriteFile(path, []byte("data_dir = \"/tmp/cs\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxStoredMessages != DefaultMaxStoredMessages {
		t.Errorf("MaxStoredMessages = %d, want default %d", cfg.MaxStoredMessages, DefaultMaxStoredMessages)
	}
	if cfg.LogFile != filepath.Join("/tmp/cs", "chatstore.log") {
		t.Errorf("LogFile = %q, want it under the data dir", cfg.LogFile)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestDBPath(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	if got := cfg.DBPath(); got != filepath.Join("/data", "history.db") {
		t.Errorf("DBPath() = %q", got)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
