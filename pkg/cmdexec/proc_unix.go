//go:build unix

package cmdexec

import (
	"os/exec"
	"syscall"
)

// setpgid lets a timeout kill the whole process group of the command.
func setpgid(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
