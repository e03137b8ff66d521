//go:build unix

package endpoint

import (
	"os/exec"
	"syscall"
)

// detach runs cmd in its own session, so that the endpoint outlives us.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
