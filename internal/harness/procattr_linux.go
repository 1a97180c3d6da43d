//go:build linux

package harness

import "syscall"

// sysProcAttr puts the child in its own process group, or its own session
// when it gets a controlling terminal. Pdeathsig makes the kernel send the
// child SIGTERM if pipemon dies without cleaning up.
func sysProcAttr(pty bool) *syscall.SysProcAttr {
	if pty {
		return &syscall.SysProcAttr{
			Setsid:    true,
			Setctty:   true,
			Pdeathsig: syscall.SIGTERM,
		}
	}
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
