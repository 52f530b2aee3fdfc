//go:build !windows

package runner

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

const sideChannelSupported = true

// configureProcess puts the script in its own process group so that killing it also kills anything it spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
