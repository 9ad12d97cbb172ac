// Package procgroup starts child processes in their own process group and
// tears the whole group down with a SIGTERM -> grace -> SIGKILL ladder.
// The transcoder forks helpers; killing only the root leaks them.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// Set configures the command to start in a new process group.
// Mandatory for Kill and Terminate to act as group reapers.
func Set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Kill sends a signal to the process group of the command.
// Returns nil if the command or process is gone already.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}

	// Negative PGID kills the whole group.
	if err := syscall.Kill(-pgid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}

// Terminate gracefully stops a process group: SIGTERM, wait up to grace for
// the exit to arrive on waitCh, then SIGKILL. The waitCh error is returned
// so the caller observes the real exit status. Safe on nil commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = Kill(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		_ = Kill(cmd, syscall.SIGKILL)
		return <-waitCh
	}
}
