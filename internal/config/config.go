package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultMaxStoredMessages bounds the total message count across all
// conversations before the retention policy evicts the oldest.
const DefaultMaxStoredMessages = 300

// Config represents the global ~/.chatstore/config.toml.
type Config struct {
	DataDir           string `toml:"data_dir"`
	LogFile           string `toml:"log_file"`
	MaxStoredMessages int    `toml:"max_stored_messages"`
}

// Default returns a config pointing at ~/.chatstore with the standard
// retention cap.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".chatstore")
	return &Config{
		DataDir:           dir,
		LogFile:           filepath.Join(dir, "chatstore.log"),
		MaxStoredMessages: DefaultMaxStoredMessages,
	}
}

// DBPath returns the sqlite database file inside the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

func (c *Config) normalize() {
	def := Default()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.DataDir, "chatstore.log")
	}
	if c.MaxStoredMessages <= 0 {
		c.MaxStoredMessages = DefaultMaxStoredMessages
	}
}

// Load reads config from the given path. Missing file is an error; unset
// fields fall back to defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
