//go:build !unix

package workflows

import (
	"context"
	"errors"
	"os"
	"time"
)

// OSProcessController kills local processes. Platforms without POSIX
// signals get no graceful phase: Terminate kills at once and grace is unused.
type OSProcessController struct {
	// PollInterval is unused on this platform.
	PollInterval time.Duration
}

// Alive implements ProcessController.
func (c OSProcessController) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

// Terminate implements ProcessController.
func (c OSProcessController) Terminate(ctx context.Context, pid int, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pid <= 0 {
		return ErrProcessNotFound
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessNotFound
	}
	if err := proc.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessNotFound
		}
		return err
	}
	return nil
}
