package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Token is the probe written to the child on every cycle. The child must
// echo it back byte for byte.
const Token = "hello\x00"

// Channel is the pair of byte streams connecting the monitor to its child.
type Channel interface {
	// Send writes p to the child's input and reports how many bytes were accepted.
	Send(p []byte) (int, error)

	// Receive returns the next chunk of child output. It returns
	// ErrReceiveTimeout when nothing arrives within timeout, and the
	// context's cause when ctx is cancelled first.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// TerminateFunc stops the child and blocks until it has exited.
// reason is the error that ended the monitor loop.
type TerminateFunc func(reason error) error

// State is a step of the probe cycle.
type State string

const (
	StateIdle        State = "idle"
	StateProbeSent   State = "probe_sent"
	StateEvaluating  State = "evaluating"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

// Config holds the probe timing. It is not modified after the monitor is created.
type Config struct {
	Interval     time.Duration // pause before each probe
	AckTimeout   time.Duration // how long to wait for the echo
	RTTThreshold Elapsed       // a round trip above this is a violation

	// ViolationLimit is the number of consecutive violations tolerated.
	// Zero disables round trip checking entirely.
	ViolationLimit int
}

// Options are the optional collaborators of a Monitor.
type Options struct {
	Logger  *slog.Logger       // defaults to slog.Default()
	Output  io.Writer          // status lines, defaults to os.Stdout
	Now     func() time.Time   // defaults to time.Now
	OnCycle func(CycleOutcome) // called after every healthy cycle
}

// CycleOutcome describes a probe cycle that passed.
type CycleOutcome struct {
	Seq        uint64
	Sent       time.Time
	RTT        Elapsed
	Violations int
	Alive      Uptime
}

// Monitor runs the probe cycle against a single child.
type Monitor struct {
	cfg     Config
	ch      Channel
	log     *slog.Logger
	out     io.Writer
	now     func() time.Time
	onCycle func(CycleOutcome)

	since      time.Time
	seq        uint64
	violations int

	mu    sync.Mutex
	state State
}

// New returns a Monitor probing ch. The session clock starts now.
func New(cfg Config, ch Channel, opts Options) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		ch:      ch,
		log:     opts.Logger,
		out:     opts.Output,
		now:     opts.Now,
		onCycle: opts.OnCycle,
		state:   StateIdle,
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.out == nil {
		m.out = os.Stdout
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.since = m.now()
	return m
}

// State returns the current step of the cycle. Safe for concurrent use.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Violations returns the current number of consecutive slow probes.
func (m *Monitor) Violations() int {
	return m.violations
}

// Run probes until a cycle fails or ctx is cancelled, then calls terminate.
// It returns nil when ctx was cancelled and the child was stopped cleanly,
// and the failure otherwise.
func (m *Monitor) Run(ctx context.Context, terminate TerminateFunc) error {
	m.log.Info("Heartbeat monitor started",
		"interval", m.cfg.Interval,
		"ack_timeout", m.cfg.AckTimeout,
		"rtt_threshold", m.cfg.RTTThreshold,
		"violation_limit", m.cfg.ViolationLimit)

	var reason error
	for reason == nil {
		_, reason = m.RunCycle(ctx)
	}

	m.setState(StateTerminating)
	interrupted := errors.Is(reason, ErrInterrupted)
	if interrupted {
		m.log.Info("Interrupt received, stopping child")
	} else {
		m.log.Error("Heartbeat failed, stopping child", "error", reason, "cycles", m.seq)
	}

	var termErr error
	if terminate != nil {
		termErr = terminate(reason)
	}
	m.setState(StateTerminated)

	if interrupted {
		if termErr != nil {
			return fmt.Errorf("failed to stop child: %w", termErr)
		}
		return nil
	}
	if termErr != nil {
		m.log.Warn("Failed to stop child", "error", termErr)
	}
	return reason
}

// RunCycle performs one pause, probe, echo and evaluation step.
func (m *Monitor) RunCycle(ctx context.Context) (CycleOutcome, error) {
	m.setState(StateIdle)
	if err := m.pause(ctx); err != nil {
		return CycleOutcome{}, err
	}

	m.seq++
	sent := m.now()

	n, err := m.ch.Send([]byte(Token))
	if err != nil || n != len(Token) {
		return CycleOutcome{}, &ChannelWriteError{Written: n, Err: err}
	}
	m.setState(StateProbeSent)

	data, err := m.ch.Receive(ctx, m.cfg.AckTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return CycleOutcome{}, interrupted(ctx)
		}
		if errors.Is(err, ErrReceiveTimeout) {
			return CycleOutcome{}, &ProbeTimeoutError{Timeout: m.cfg.AckTimeout}
		}
		return CycleOutcome{}, &ProbeMismatchError{Got: data, Err: err}
	}
	if string(data) != Token {
		return CycleOutcome{}, &ProbeMismatchError{Got: data}
	}

	m.setState(StateEvaluating)
	now := m.now()
	rtt := Between(StampOf(sent), StampOf(now))

	if err := m.evaluate(rtt); err != nil {
		return CycleOutcome{}, err
	}

	out := CycleOutcome{
		Seq:        m.seq,
		Sent:       sent,
		RTT:        rtt,
		Violations: m.violations,
		Alive:      Decompose(Between(StampOf(m.since), StampOf(now)).Sec),
	}
	m.report(out)
	if m.onCycle != nil {
		m.onCycle(out)
	}
	m.setState(StateIdle)
	return out, nil
}

// evaluate updates the violation counter for rtt.
func (m *Monitor) evaluate(rtt Elapsed) error {
	if m.cfg.ViolationLimit <= 0 {
		return nil
	}

	if !rtt.Exceeds(m.cfg.RTTThreshold) {
		if m.violations > 0 {
			m.log.Info("Probe round trip back within threshold",
				"rtt", rtt, "previous_violations", m.violations)
		}
		m.violations = 0
		return nil
	}

	m.violations++
	m.log.Warn("Probe round trip above threshold",
		"rtt", rtt,
		"threshold", m.cfg.RTTThreshold,
		"violations", m.violations,
		"limit", m.cfg.ViolationLimit)

	if m.violations > m.cfg.ViolationLimit {
		return &RttDegradedError{
			Violations: m.violations,
			Limit:      m.cfg.ViolationLimit,
			RTT:        rtt,
			Threshold:  m.cfg.RTTThreshold,
		}
	}
	return nil
}

// pause waits out the probe interval, returning early on cancellation.
func (m *Monitor) pause(ctx context.Context) error {
	if ctx.Err() != nil {
		return interrupted(ctx)
	}
	if m.cfg.Interval <= 0 {
		return nil
	}

	timer := time.NewTimer(m.cfg.Interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return interrupted(ctx)
	case <-timer.C:
		return nil
	}
}

func (m *Monitor) report(out CycleOutcome) {
	line := FormatStatus(out, m.cfg.ViolationLimit)
	if _, err := fmt.Fprintln(m.out, line); err != nil {
		m.log.Debug("Failed to write status line", "error", err)
	}
	m.log.Debug("Probe echoed", "seq", out.Seq, "rtt", out.RTT)
}

// FormatStatus renders the per-cycle status line. The violation counter is
// only shown when round trip checking is enabled.
func FormatStatus(out CycleOutcome, limit int) string {
	line := fmt.Sprintf("alive: %s rtt: %s", out.Alive, out.RTT)
	if limit > 0 {
		line += fmt.Sprintf(" violations: %d/%d", out.Violations, limit)
	}
	return line
}

func interrupted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
}
