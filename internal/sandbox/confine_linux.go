package sandbox

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const networkIsolationSupported = true

// maxrss is reported in kilobytes on Linux.
const maxrssUnit = 1024

func applySysProcAttr(cmd *exec.Cmd, isolateNetwork bool) error {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if isolateNetwork {
		// An unprivileged user namespace lets us own the new network
		// namespace; inside it only a down loopback interface exists.
		attr.Cloneflags = unix.CLONE_NEWUSER | unix.CLONE_NEWNET
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1}}
	}
	cmd.SysProcAttr = attr
	return nil
}

// awaitExit blocks until pid has exited without reaping it. The zombie keeps
// its pid, and with it the process group id, reserved until cmd.Wait runs.
func awaitExit(pid int) error {
	for {
		var info unix.Siginfo
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err != unix.EINTR {
			return err
		}
	}
}
