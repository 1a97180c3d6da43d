package heartbeat

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInterrupted is returned when the monitor's context is cancelled
	// from outside, e.g. by an operator pressing Ctrl+C.
	ErrInterrupted = errors.New("heartbeat interrupted")

	// ErrReceiveTimeout is returned by a [Channel] when nothing arrived
	// within the requested timeout.
	ErrReceiveTimeout = errors.New("receive timed out")
)

// ChannelWriteError indicates the probe could not be written in full.
type ChannelWriteError struct {
	Written int
	Err     error
}

func (e *ChannelWriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe write failed after %d of %d bytes: %v", e.Written, len(Token), e.Err)
	}
	return fmt.Sprintf("probe write accepted %d of %d bytes", e.Written, len(Token))
}

func (e *ChannelWriteError) Unwrap() error { return e.Err }

// ProbeTimeoutError indicates no echo arrived within the ack timeout.
type ProbeTimeoutError struct {
	Timeout time.Duration
}

func (e *ProbeTimeoutError) Error() string {
	return fmt.Sprintf("no probe echo within %v", e.Timeout)
}

// ProbeMismatchError indicates the echo was short, corrupted, or the output
// stream ended before it arrived.
type ProbeMismatchError struct {
	Got []byte
	Err error
}

func (e *ProbeMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe echo unreadable after %d bytes: %v", len(e.Got), e.Err)
	}
	return fmt.Sprintf("probe echo mismatch: got %q, want %q", e.Got, Token)
}

func (e *ProbeMismatchError) Unwrap() error { return e.Err }

// RttDegradedError indicates more consecutive slow probes than the violation
// limit allows.
type RttDegradedError struct {
	Violations int
	Limit      int
	RTT        Elapsed
	Threshold  Elapsed
}

func (e *RttDegradedError) Error() string {
	return fmt.Sprintf("round trip degraded: %d consecutive probes above %v (limit %d, last %v)",
		e.Violations, e.Threshold, e.Limit, e.RTT)
}

// IsFatal reports whether err stems from a failed probe cycle.
func IsFatal(err error) bool {
	var (
		we *ChannelWriteError
		te *ProbeTimeoutError
		me *ProbeMismatchError
		de *RttDegradedError
	)
	return errors.As(err, &we) || errors.As(err, &te) || errors.As(err, &me) || errors.As(err, &de)
}
