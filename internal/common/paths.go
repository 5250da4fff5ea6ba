package common

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the base data directory path.
// Priority:
// 1. RUNSYNC_DIR from config
// 2. $HOME/.runsync (default)
// 3. ./data (fallback if HOME is not set)
func GetDataDir() string {
	cfg, err := LoadConfig()
	if err == nil && cfg.Directory.DataDir != "" {
		return cfg.Directory.DataDir
	}

	// Fallback: $HOME/.runsync 사용
	if homeDir := os.Getenv("HOME"); homeDir != "" {
		return filepath.Join(homeDir, ".runsync")
	}

	// Fallback: ./data
	return "./data"
}

// GetDatabasePath returns the SQLite database file path.
// Default: {DataDir}/runsync.db
func GetDatabasePath() string {
	cfg, err := LoadConfig()
	if err == nil && cfg.Directory.SQLiteDatabase != "" {
		return cfg.Directory.SQLiteDatabase
	}
	return filepath.Join(GetDataDir(), "runsync.db")
}
