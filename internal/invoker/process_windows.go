//go:build windows

package invoker

import (
	"os/exec"
	"strconv"
)

// setProcessGroup is a no-op on Windows; taskkill /T below walks the
// process tree instead of relying on a POSIX process group.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessTree kills the subprocess and its descendants via taskkill.
func killProcessTree(pid int) {
	_ = exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}
