//go:build unix

package worker

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the job in its own process group so signals reach the
// whole job tree.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalJob(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		return cmd.Process.Signal(sig)
	}
	return nil
}

func terminateJob(cmd *exec.Cmd) error {
	return signalJob(cmd, syscall.SIGTERM)
}

func killJob(cmd *exec.Cmd) error {
	return signalJob(cmd, syscall.SIGKILL)
}
