package session

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/neilotoole/slogt"

	"go.olrik.dev/pipemon/internal/core"
	"go.olrik.dev/pipemon/internal/db"
	"go.olrik.dev/pipemon/internal/harness"
	"go.olrik.dev/pipemon/internal/heartbeat"
	"go.olrik.dev/pipemon/internal/testutil/sshserver"
)

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func testConfig() *core.Configuration {
	return &core.Configuration{
		Interval:       10 * time.Millisecond,
		AckTimeout:     5 * time.Second,
		RTTThreshold:   500 * time.Millisecond,
		ViolationLimit: 5,
		KillGrace:      2 * time.Second,
	}
}

// noBus keeps the sleep watcher off the host's system bus.
func noBus(t *testing.T) {
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "unix:path="+filepath.Join(t.TempDir(), "no-bus"))
}

func run(t *testing.T, ctx context.Context, cfg *core.Configuration, argv ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := Run(ctx, Options{
		Config: cfg,
		Argv:   argv,
		Logger: slogt.New(t),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if stderr.Len() > 0 {
		t.Logf("child stderr: %s", stderr.String())
	}
	return stdout.String(), err
}

func TestRunDegradedRoundTrip(t *testing.T) {
	requireCommand(t, "cat")
	noBus(t)

	cfg := testConfig()
	cfg.Interval = 0
	cfg.RTTThreshold = time.Microsecond
	cfg.ViolationLimit = 2

	out, err := run(t, context.Background(), cfg, "cat")

	var degraded *heartbeat.RttDegradedError
	if !errors.As(err, &degraded) {
		t.Fatalf("Run() = %v, want RttDegradedError", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("status lines = %q, want 2", lines)
	}
	for i, want := range []string{"violations: 1/2", "violations: 2/2"} {
		if !strings.HasPrefix(lines[i], "alive: 00:00:0") || !strings.HasSuffix(lines[i], want) {
			t.Errorf("line %d = %q, want alive prefix and %q", i, lines[i], want)
		}
	}
}

func TestRunProbeTimeout(t *testing.T) {
	requireCommand(t, "sh")
	noBus(t)

	cfg := testConfig()
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.ViolationLimit = 0

	out, err := run(t, context.Background(), cfg, "sh", "-c", "cat >/dev/null")

	var te *heartbeat.ProbeTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Run() = %v, want ProbeTimeoutError", err)
	}
	if out != "" {
		t.Errorf("unexpected status output %q", out)
	}
}

func TestRunProbeMismatch(t *testing.T) {
	requireCommand(t, "sh")
	noBus(t)

	_, err := run(t, context.Background(), testConfig(), "sh", "-c", "printf hello; exec sleep 30")

	var me *heartbeat.ProbeMismatchError
	if !errors.As(err, &me) {
		t.Fatalf("Run() = %v, want ProbeMismatchError", err)
	}
}

func TestRunChildExits(t *testing.T) {
	requireCommand(t, "true")
	noBus(t)

	_, err := run(t, context.Background(), testConfig(), "true")

	if !heartbeat.IsFatal(err) {
		t.Fatalf("Run() = %v, want a fatal probe error", err)
	}
}

func TestRunInterrupted(t *testing.T) {
	requireCommand(t, "cat")
	noBus(t)

	cfg := testConfig()
	cfg.AckTimeout = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := run(t, ctx, cfg, "cat")
	if err != nil {
		t.Fatalf("Run() = %v, want nil after interrupt", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run() took %v to shut down", elapsed)
	}
	if !strings.Contains(out, "alive: ") {
		t.Errorf("expected at least one status line, got %q", out)
	}
}

func TestRunSetupError(t *testing.T) {
	noBus(t)

	_, err := run(t, context.Background(), testConfig(), "/nonexistent/pipemon-child")

	var se *harness.SetupError
	if !errors.As(err, &se) {
		t.Fatalf("Run() = %v, want SetupError", err)
	}
}

func TestRunJournal(t *testing.T) {
	requireCommand(t, "cat")
	noBus(t)

	path := filepath.Join(t.TempDir(), "journal.db")
	cfg := testConfig()
	cfg.Journal = path

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := run(t, ctx, cfg, "cat"); err != nil {
		t.Fatalf("interrupted Run() = %v", err)
	}

	cfg.AckTimeout = 100 * time.Millisecond
	if _, err := run(t, context.Background(), cfg, "sh", "-c", "cat >/dev/null"); err == nil {
		t.Fatal("stalled Run() succeeded")
	}

	journal, err := db.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer journal.Close()

	sessions, err := journal.RecentSessions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("journaled %d sessions, want 2", len(sessions))
	}

	failed, interrupted := sessions[0], sessions[1]
	if failed.Outcome != db.OutcomeFailed || !strings.Contains(failed.Details, "no probe echo") {
		t.Errorf("latest session = %+v, want failed probe timeout", failed)
	}
	if interrupted.Outcome != db.OutcomeInterrupted || interrupted.Command != "cat" {
		t.Errorf("first session = %+v, want interrupted cat", interrupted)
	}
	if !failed.EndedAt.Valid || !interrupted.EndedAt.Valid {
		t.Error("sessions missing end time")
	}

	events, err := journal.SessionEvents(failed.ID)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	if got := strings.Join(types, ","); got != "start,terminate" {
		t.Errorf("events = %s, want start,terminate", got)
	}
}

func TestRunJournalUnwritable(t *testing.T) {
	requireCommand(t, "cat")
	noBus(t)

	cfg := testConfig()
	cfg.Journal = "/dev/null/journal.db"

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := run(t, ctx, cfg, "cat"); err != nil {
		t.Fatalf("Run() = %v, want nil with journal disabled", err)
	}
}

func TestRunOverSSH(t *testing.T) {
	requireCommand(t, "ssh")
	noBus(t)

	srv, _ := sshserver.NewEchoServer(t)

	t.Run("healthy until interrupted", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		cfg := testConfig()
		cfg.AckTimeout = 10 * time.Second
		out, err := run(t, ctx, cfg, srv.Command("cat")...)
		var mismatch *heartbeat.ProbeMismatchError
		if errors.As(err, &mismatch) && !strings.Contains(out, "alive: ") {
			t.Skipf("ssh client could not connect: %v", err)
		}
		if err != nil {
			t.Fatalf("Run() = %v, want nil after interrupt", err)
		}
	})

	t.Run("slow link degrades", func(t *testing.T) {
		srv.SetDelay(50 * time.Millisecond)
		defer srv.SetDelay(0)

		cfg := testConfig()
		cfg.AckTimeout = 10 * time.Second
		cfg.RTTThreshold = 10 * time.Millisecond
		cfg.ViolationLimit = 1

		_, err := run(t, context.Background(), cfg, srv.Command("cat")...)
		var degraded *heartbeat.RttDegradedError
		var mismatch *heartbeat.ProbeMismatchError
		if errors.As(err, &mismatch) {
			t.Skipf("ssh client exited early: %v", err)
		}
		if !errors.As(err, &degraded) {
			t.Fatalf("Run() = %v, want RttDegradedError", err)
		}
	})

	t.Run("stalled link times out", func(t *testing.T) {
		srv.Stall(true)
		defer srv.Stall(false)

		cfg := testConfig()
		cfg.AckTimeout = 2 * time.Second

		_, err := run(t, context.Background(), cfg, srv.Command("cat")...)
		var te *heartbeat.ProbeTimeoutError
		var mismatch *heartbeat.ProbeMismatchError
		if errors.As(err, &mismatch) {
			t.Skipf("ssh client exited early: %v", err)
		}
		if !errors.As(err, &te) {
			t.Fatalf("Run() = %v, want ProbeTimeoutError", err)
		}
	})
}
