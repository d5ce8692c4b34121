package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns <dataDir>/logs, or ~/.crossctx/logs when dataDir is empty.
func DefaultLogDir(dataDir string) string {
	if dataDir != "" {
		return filepath.Join(dataDir, "logs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".crossctx", "logs")
	}
	return filepath.Join(home, ".crossctx", "logs")
}

// DefaultLogPath returns the log file used by long-running commands.
func DefaultLogPath(dataDir string) string {
	return filepath.Join(DefaultLogDir(dataDir), "crossctx.log")
}
