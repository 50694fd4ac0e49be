//go:build unix

package workflows

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"
)

// OSProcessController signals local processes with SIGTERM, then SIGKILL.
type OSProcessController struct {
	// PollInterval is how often Terminate checks for exit.
	// Default: 100ms
	PollInterval time.Duration
}

// Alive implements ProcessController using signal 0.
func (c OSProcessController) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Terminate implements ProcessController.
func (c OSProcessController) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 {
		return ErrProcessNotFound
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessNotFound
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return ErrProcessNotFound
		}
		return err
	}

	poll := c.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.Alive(pid) {
				return nil
			}
		case <-deadline.C:
			if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return err
			}
			return nil
		}
	}
}
