// Package utils holds small filesystem helpers shared by config and storage.
package utils

import (
	"os"
	"path/filepath"
	"runtime"
)

// IsDir checks if a path is a directory
func IsDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(path string) error {
	if !IsDir(path) {
		return os.MkdirAll(path, 0o755)
	}
	return nil
}

// GetHomeDir returns the user's home directory
func GetHomeDir() (string, error) {
	return os.UserHomeDir()
}

// GetConfigDir returns the platform-specific config directory for appName.
// On Linux XDG_CONFIG_HOME wins over ~/.config.
func GetConfigDir(appName string) (string, error) {
	home, err := GetHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", appName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName), nil
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName), nil
		}
		return filepath.Join(home, ".config", appName), nil
	}
}

// FileExists reports whether path exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
