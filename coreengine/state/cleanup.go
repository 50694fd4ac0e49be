package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/safe"
)

// CleanupConfig holds snapshot retention parameters.
type CleanupConfig struct {
	// Interval is how often to prune (default: 10 minutes).
	Interval time.Duration
	// Retention is how long the snapshot of a finished run is kept (default: 7 days).
	Retention time.Duration
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:  10 * time.Minute,
		Retention: 7 * 24 * time.Hour,
	}
}

// PruneSnapshots deletes snapshots under dir whose run reached a terminal
// state more than retention before now. Snapshots of active runs and
// unreadable files are left alone. Returns the card ids removed.
func PruneSnapshots(dir string, retention time.Duration, now time.Time, logger logging.Logger) ([]string, error) {
	logger = logging.OrNop(logger)
	paths, err := filepath.Glob(filepath.Join(dir, "pipeline_state_*.json"))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var removed []string
	var errs []error
	for _, path := range paths {
		cardID := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "pipeline_state_"), ".json")

		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var snap PipelineSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			logger.Warn("snapshot_corrupt", "path", path, "error", err)
			continue
		}
		if !snap.State.IsTerminal() {
			continue
		}

		finished := snap.Timestamp
		if finished.IsZero() {
			if info, err := os.Stat(path); err == nil {
				finished = info.ModTime()
			}
		}
		if now.Sub(finished) < retention {
			continue
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("delete snapshot: %w", err))
			continue
		}
		removed = append(removed, cardID)
	}
	return removed, errors.Join(errs...)
}

// StartCleanupLoop prunes snapshots under dir every cfg.Interval until the
// returned stop function is called.
func StartCleanupLoop(dir string, cfg CleanupConfig, logger logging.Logger) func() {
	logger = logging.OrNop(logger)
	defaults := DefaultCleanupConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				runCleanupCycle(dir, cfg, logger)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// runCleanupCycle performs a single cleanup cycle with panic recovery.
func runCleanupCycle(dir string, cfg CleanupConfig, logger logging.Logger) {
	_ = safe.Execute(logger, "snapshot_cleanup", func() error {
		removed, err := PruneSnapshots(dir, cfg.Retention, time.Now(), logger)
		if err != nil {
			logger.Warn("snapshot_cleanup_failed", "dir", dir, "error", err)
		}
		logger.Debug("cleanup_cycle_completed", "snapshots_removed", len(removed))
		return nil
	})
}
