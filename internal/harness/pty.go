package harness

import (
	"os"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// attachPTY connects the child's stdin and stdout to the slave side of a new
// pseudo-terminal. The terminal is put in raw mode so the probe is neither
// echoed by the line discipline nor held back until a newline.
func (c *Child) attachPTY() error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return &SetupError{Op: "open pseudo-terminal", Err: err}
	}
	c.childEnds = append(c.childEnds, tty)
	c.closers = append(c.closers, ptmx)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		if err := pty.InheritSize(os.Stdin, ptmx); err != nil {
			c.log.Debug("Failed to copy terminal size", "error", err)
		}
	}

	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		return &SetupError{Op: "set pseudo-terminal to raw mode", Err: err}
	}

	c.cmd.Stdin = tty
	c.cmd.Stdout = tty
	c.cmd.SysProcAttr = sysProcAttr(true)
	c.input = ptmx
	c.output = ptmx
	return nil
}
