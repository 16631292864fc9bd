//go:build !unix

package engine

import "os/exec"

func detach(cmd *exec.Cmd) {}

// ProcessAlive always reports false here; leftover tasks are requeued.
func ProcessAlive(pid int) bool { return false }
