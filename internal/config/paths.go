package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the default data directory for pocket.
// Windows: %LOCALAPPDATA%\pocket
// Linux/Mac: ~/.local/share/pocket
func DataDir() string {
	if dir := os.Getenv("POCKET_DATA_DIR"); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "pocket")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "pocket")
}

// ModelsDir returns the directory where downloaded models are stored.
func ModelsDir() string {
	if dir := os.Getenv("POCKET_MODELS_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(DataDir(), "models")
}

// BinDir returns the directory where llama-server binaries are stored.
func BinDir() string {
	return filepath.Join(DataDir(), "bin")
}

// DBPath returns the path of the record store database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "pocket.db")
}

// LegacySessionsDir returns the directory of the old flat-file session format.
func (c *Config) LegacySessionsDir() string {
	return filepath.Join(c.DataDir, "session-history")
}

// ConfigPath returns the path of the YAML config file.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// EnsureDirs creates the required directories if they don't exist.
func EnsureDirs(cfg *Config) error {
	dirs := []string{cfg.DataDir, cfg.ModelsDir, cfg.BinDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
