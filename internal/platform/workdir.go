package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// TempDir creates a unique scratch directory below root for a single job.
func TempDir(root, prefix string) (string, error) {
	if err := EnsureDir(root); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(root, prefix)
	if err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}
	return dir, nil
}

// RemoveDir deletes a scratch directory. Failures are logged, not returned,
// so it can be deferred.
func RemoveDir(logger *zap.Logger, dir string) {
	if dir == "" {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("failed to remove scratch directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	logger.Debug("removed scratch directory", zap.String("dir", filepath.Clean(dir)))
}
