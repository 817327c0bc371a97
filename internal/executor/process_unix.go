//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts cmd in a new process group and makes
// cancellation signal the whole group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}
