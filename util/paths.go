package util

import (
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory (used by tests and containers)
const DataDirEnv = "HERALD_BLUE_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "herald-blue-data")
	}
	return filepath.Join(home, ".herald-blue-data")
}

// GetConfigPath returns the default location of config.yaml
func GetConfigPath() string {
	return filepath.Join(GetDataDir(), "config.yaml")
}

// ShortID truncates an identifier for log lines (max 8 chars)
func ShortID(s string) string {
	if s == "" {
		return "(empty)"
	}
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
