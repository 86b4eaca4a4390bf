package config

import (
	"os"
	"path/filepath"
)

// UserConfigDir returns the per-user waypost directory (~/.waypost).
func UserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".waypost"), nil
}

// DefaultPath returns the user config file when one exists, else "".
// The daemon runs on built-in defaults without a file.
func DefaultPath() string {
	dir, err := UserConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
