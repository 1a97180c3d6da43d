// Package session runs one monitored child from start to exit decision.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go.olrik.dev/pipemon/internal/core"
	"go.olrik.dev/pipemon/internal/db"
	"go.olrik.dev/pipemon/internal/harness"
	"go.olrik.dev/pipemon/internal/heartbeat"
	"go.olrik.dev/pipemon/internal/sleepwatch"
)

// diagnoseTimeout bounds the process inspection done before terminating.
const diagnoseTimeout = 2 * time.Second

// Options describe a session.
type Options struct {
	Config *core.Configuration
	Argv   []string
	Logger *slog.Logger
	Stdout io.Writer // status lines, defaults to os.Stdout
	Stderr io.Writer // child's stderr, defaults to os.Stderr
}

// Run starts the child, monitors it until it fails or ctx is cancelled, and
// makes sure it has exited before returning. It returns nil when ctx was
// cancelled, and the error that ended the session otherwise.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	if cfg == nil {
		return errors.New("session: no configuration")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	id := uuid.NewString()
	logger = logger.With("session", id[:8])

	journal := openJournal(cfg.Journal, logger)
	if journal != nil {
		defer journal.close()
	}

	child, err := harness.Start(harness.Options{
		Argv:      opts.Argv,
		PTY:       cfg.PTY,
		KillGrace: cfg.KillGrace,
		Stderr:    opts.Stderr,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	journal.begin(id, strings.Join(opts.Argv, " "), child.Pid())

	watcher := sleepwatch.New(logger,
		func() { journal.event(db.EventSleep, "") },
		func() { journal.event(db.EventWake, "") },
	)

	mon := heartbeat.New(heartbeat.Config{
		Interval:       cfg.Interval,
		AckTimeout:     cfg.AckTimeout,
		RTTThreshold:   heartbeat.ElapsedOf(cfg.RTTThreshold),
		ViolationLimit: cfg.ViolationLimit,
	}, child, heartbeat.Options{
		Logger: logger,
		Output: stdout,
		OnCycle: func(out heartbeat.CycleOutcome) {
			if out.Violations > 0 {
				journal.event(db.EventViolation,
					fmt.Sprintf("rtt %s (%d/%d)", out.RTT, out.Violations, cfg.ViolationLimit))
			}
		},
	})

	terminate := func(reason error) error {
		if heartbeat.IsFatal(reason) {
			logDiagnosis(logger, child.Pid(), watcher)
		}
		journal.event(db.EventTerminate, reason.Error())
		return child.Terminate()
	}

	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()

	g, gctx := errgroup.WithContext(watchCtx)
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		defer stopWatching()
		return mon.Run(ctx, terminate)
	})
	err = g.Wait()

	if err != nil {
		journal.end(db.OutcomeFailed, err.Error())
	} else {
		journal.end(db.OutcomeInterrupted, "")
	}
	return err
}

// logDiagnosis records the state of a child whose probe just failed.
func logDiagnosis(logger *slog.Logger, pid int, watcher *sleepwatch.Watcher) {
	ctx, cancel := context.WithTimeout(context.Background(), diagnoseTimeout)
	defer cancel()

	attrs := []any{}
	if d, err := harness.Diagnose(ctx, pid); err != nil {
		attrs = append(attrs, "error", err)
	} else {
		attrs = append(attrs, "child", d)
	}
	if since, ok := watcher.RecentWake(); ok {
		attrs = append(attrs, "woke_ago", since.Round(time.Millisecond))
		logger.Warn("Probe failed shortly after system resume", attrs...)
		return
	}
	logger.Warn("Probe failed", attrs...)
}
