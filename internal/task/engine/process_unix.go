//go:build unix

package engine

import (
	"errors"
	"os/exec"
	"syscall"
)

// detach puts the worker in its own process group so a signal aimed at the
// dispatcher (Ctrl-C, systemd stop) does not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// ProcessAlive reports whether pid names a live process on this host.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
