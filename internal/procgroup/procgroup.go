// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup spawns transcoders in their own process group and tears
// the whole group down on stop.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/tvrelay/internal/metrics"
)

var ErrKillFailed = errors.New("kill operation failed")

// KillGroup terminates an entire process group tree: SIGTERM, grace, SIGKILL.
// The process MUST have been spawned with Set(cmd).
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}

// Terminate gracefully stops the process group of cmd. It sends SIGTERM,
// waits up to grace for waitCh, then sends SIGKILL and drains waitCh.
// It returns the error received from waitCh. Nil commands return nil.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := Kill(cmd, syscall.SIGTERM); err == nil {
		metrics.IncProcessTerminate("SIGTERM")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-timer.C:
		if err := Kill(cmd, syscall.SIGKILL); err == nil {
			metrics.IncProcessTerminate("SIGKILL")
		}
		return <-waitCh
	}
}
