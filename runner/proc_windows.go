package runner

import "os/exec"

// ExtraFiles is not supported on Windows, so scripts there only have stdout and stderr.
const sideChannelSupported = false

func configureProcess(cmd *exec.Cmd) {}
