package harness

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalGroup delivers sig to the process group led by pid, falling back to
// pid alone if the child left its group. A process that is already gone is
// not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
