//go:build !unix

package local

import "os/exec"

func setpgid(*exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) {
	cmd.Process.Kill()
}
