// Package cleanup expires leftover staging artifacts. Uploads that fail
// leave their staged blob behind for inspection; the sweep removes those
// files once they outlive the retention window.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/recordvault/internal/logctx"
)

// SweepStaging deletes files in dir whose modification time is older than
// keepFor. Missing directories are fine; the sweep is safe to run before the
// first upload ever stages anything.
func SweepStaging(ctx context.Context, dir string, keepFor time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read staging dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to stat staging file", "file", path, "err", err)

			return err
		}

		if now.Sub(info.ModTime()) <= keepFor {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete expired staging file", "file", path, "err", err)

			return err
		}

		logger.Info("deleted expired staging file", "file", path)
	}

	return nil
}
