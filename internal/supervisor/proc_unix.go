//go:build unix

package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// detach puts the agent in its own process group so the whole tree can be
// signalled at once.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to every process in pid's group. A group that is
// already gone is not an error.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("supervisor: refusing to signal pid %d", pid)
	}
	err := unix.Kill(-pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	if errors.Is(err, unix.EPERM) {
		return fmt.Errorf("supervisor: signal %s to group %d: permission denied: %w", unix.SignalName(sig), pid, err)
	}
	return fmt.Errorf("supervisor: signal %s to group %d: %w", unix.SignalName(sig), pid, err)
}

func terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func forceKill(pid int) error { return signalGroup(pid, unix.SIGKILL) }
