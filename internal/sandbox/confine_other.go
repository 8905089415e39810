//go:build unix && !linux

package sandbox

import (
	"errors"
	"os/exec"
	"syscall"
)

const networkIsolationSupported = false

// maxrss is reported in bytes on the BSDs and macOS.
const maxrssUnit = 1

func applySysProcAttr(cmd *exec.Cmd, _ bool) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return nil
}

// awaitExit has no portable non-reaping wait on these systems, so the group
// sweep after the leader exits is skipped.
func awaitExit(int) error {
	return errors.ErrUnsupported
}
