// Package harness starts the monitored child and connects its standard input
// and output to the heartbeat monitor.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.olrik.dev/pipemon/internal/heartbeat"
)

// readSize is the largest chunk handed to the monitor by a single read.
const readSize = 1024

// SetupError reports a failure to create the channels or start the child.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Options configure how the child is started.
type Options struct {
	Argv      []string      // command and arguments, executed without a shell
	PTY       bool          // use a pseudo-terminal instead of two pipes
	KillGrace time.Duration // SIGKILL this long after SIGINT; 0 never escalates
	Stderr    io.Writer     // child's standard error, defaults to os.Stderr
	Logger    *slog.Logger
}

// Child is a running child process and the two byte channels connected to it.
// It implements heartbeat.Channel.
type Child struct {
	cmd       *exec.Cmd
	log       *slog.Logger
	killGrace time.Duration

	input     io.Writer
	output    io.Reader
	closers   []io.Closer // parent's ends, closed after the child is reaped
	childEnds []io.Closer // closed in the parent once the child has started

	chunks  chan []byte
	readErr error // set before chunks is closed

	exited  chan struct{}
	waitErr error // set before exited is closed

	released chan struct{}

	termOnce sync.Once
	termErr  error
}

var _ heartbeat.Channel = (*Child)(nil)

// Start launches opts.Argv with its stdin and stdout connected to the
// returned Child.
func Start(opts Options) (*Child, error) {
	if len(opts.Argv) == 0 {
		return nil, &SetupError{Op: "start child", Err: errors.New("no command given")}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Stderr = stderr

	c := &Child{
		cmd:       cmd,
		log:       logger,
		killGrace: opts.KillGrace,
		chunks:    make(chan []byte, 16),
		exited:    make(chan struct{}),
		released:  make(chan struct{}),
	}

	var err error
	if opts.PTY {
		err = c.attachPTY()
	} else {
		err = c.attachPipes()
	}
	if err != nil {
		c.closeAll()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		c.closeAll()
		return nil, &SetupError{Op: "start " + opts.Argv[0], Err: err}
	}
	for _, f := range c.childEnds {
		f.Close()
	}
	c.childEnds = nil

	logger.Info("Child started", "pid", cmd.Process.Pid, "command", opts.Argv, "pty", opts.PTY)

	go c.reap()
	go c.pump()
	return c, nil
}

func (c *Child) attachPipes() error {
	inR, inW, err := os.Pipe()
	if err != nil {
		return &SetupError{Op: "create input pipe", Err: err}
	}
	c.childEnds = append(c.childEnds, inR)
	c.closers = append(c.closers, inW)

	outR, outW, err := os.Pipe()
	if err != nil {
		return &SetupError{Op: "create output pipe", Err: err}
	}
	c.childEnds = append(c.childEnds, outW)
	c.closers = append(c.closers, outR)

	c.cmd.Stdin = inR
	c.cmd.Stdout = outW
	c.cmd.SysProcAttr = sysProcAttr(false)
	c.input = inW
	c.output = outR
	return nil
}

func (c *Child) closeAll() {
	for _, f := range c.childEnds {
		f.Close()
	}
	for _, f := range c.closers {
		f.Close()
	}
	c.childEnds, c.closers = nil, nil
}

// Pid returns the child's process id.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Exited is closed once the child has been reaped.
func (c *Child) Exited() <-chan struct{} {
	return c.exited
}

// ExitStatus describes how the child ended. Only meaningful after Exited is closed.
func (c *Child) ExitStatus() string {
	if c.cmd.ProcessState == nil {
		return "running"
	}
	return c.cmd.ProcessState.String()
}

func (c *Child) reap() {
	c.waitErr = c.cmd.Wait()
	c.log.Debug("Child reaped", "pid", c.Pid(), "error", c.waitErr)
	close(c.exited)
}

// pump reads child output and hands each read to Receive as one chunk.
func (c *Child) pump() {
	defer close(c.chunks)
	for {
		buf := make([]byte, readSize)
		n, err := c.output.Read(buf)
		if n > 0 {
			select {
			case c.chunks <- buf[:n]:
			case <-c.released:
				return
			}
		}
		if err != nil {
			c.readErr = err
			return
		}
	}
}

// Send writes p to the child's standard input.
func (c *Child) Send(p []byte) (int, error) {
	return c.input.Write(p)
}

// Receive returns the next chunk of child output. A timeout of zero only
// returns output that is already waiting.
func (c *Child) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		select {
		case data, ok := <-c.chunks:
			return c.chunk(data, ok)
		default:
			return nil, heartbeat.ErrReceiveTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data, ok := <-c.chunks:
		return c.chunk(data, ok)
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-timer.C:
		// Output that raced the deadline still counts.
		select {
		case data, ok := <-c.chunks:
			return c.chunk(data, ok)
		default:
			return nil, heartbeat.ErrReceiveTimeout
		}
	}
}

func (c *Child) chunk(data []byte, ok bool) ([]byte, error) {
	if ok {
		return data, nil
	}
	// A pty reports EIO once the child side is gone.
	if c.readErr == nil || errors.Is(c.readErr, io.EOF) || errors.Is(c.readErr, syscall.EIO) {
		return nil, io.EOF
	}
	return nil, c.readErr
}

// Terminate interrupts the child's process group and blocks until the child
// has been reaped. A child that already exited is not an error. Calling
// Terminate more than once returns the first result.
func (c *Child) Terminate() error {
	c.termOnce.Do(func() {
		c.termErr = c.terminate()
	})
	return c.termErr
}

func (c *Child) terminate() error {
	defer c.release()
	pid := c.Pid()

	select {
	case <-c.exited:
		c.log.Info("Child already exited", "pid", pid, "status", c.ExitStatus())
		return nil
	default:
	}

	c.log.Info("Interrupting child", "pid", pid, "signal", "SIGINT")
	if err := signalGroup(pid, syscall.SIGINT); err != nil {
		c.log.Warn("Failed to interrupt child, forcing kill", "pid", pid, "error", err)
		if err := signalGroup(pid, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to kill child %d: %w", pid, err)
		}
	}

	var grace <-chan time.Time
	if c.killGrace > 0 {
		timer := time.NewTimer(c.killGrace)
		defer timer.Stop()
		grace = timer.C
	}

	select {
	case <-c.exited:
	case <-grace:
		c.log.Warn("Child did not exit within grace period, forcing kill", "pid", pid, "grace", c.killGrace)
		if err := signalGroup(pid, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to kill child %d: %w", pid, err)
		}
		<-c.exited
	}

	c.log.Info("Child exited", "pid", pid, "status", c.ExitStatus())
	return nil
}

// release closes the parent's ends of the channels and stops the reader.
func (c *Child) release() {
	select {
	case <-c.released:
		return
	default:
	}
	close(c.released)
	for _, f := range c.closers {
		f.Close()
	}
}
