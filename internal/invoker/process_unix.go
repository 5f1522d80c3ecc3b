//go:build !windows

package invoker

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the subprocess in its own process group so
// killProcessTree can signal it and all its children together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree kills the subprocess's entire process group.
// Signaling the negative pid delivers to every process in the group at
// once; there is no ordering distinction to make on POSIX.
func killProcessTree(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
