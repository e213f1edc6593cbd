//go:build unix

package sandbox

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals every process in the child's group. A group that no
// longer exists is not an error.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func terminateGroup(cmd *exec.Cmd) error { return signalGroup(cmd, unix.SIGTERM) }

func killGroup(cmd *exec.Cmd) error { return signalGroup(cmd, unix.SIGKILL) }
