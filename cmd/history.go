package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"go.olrik.dev/pipemon/internal/db"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

func showHistory(w io.Writer, journalPath string, limit int) error {
	if journalPath == "" {
		return errors.New("no journal configured, set --journal or PIPEMON_JOURNAL")
	}
	if limit <= 0 {
		return fmt.Errorf("invalid history length %d", limit)
	}
	if _, err := os.Stat(journalPath); err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	database, err := db.Open(journalPath)
	if err != nil {
		return err
	}
	defer database.Close()

	sessions, err := database.RecentSessions(limit)
	if err != nil {
		return fmt.Errorf("failed to read sessions: %w", err)
	}

	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	printHistory(w, sessions, color)
	return nil
}

func printHistory(w io.Writer, sessions []db.Session, color bool) {
	paint := func(c, s string) string {
		if !color {
			return s
		}
		return c + s + colorReset
	}

	if len(sessions) == 0 {
		fmt.Fprintln(w, paint(colorGray, "No sessions recorded"))
		return
	}

	for _, s := range sessions {
		outcome := s.Outcome
		switch s.Outcome {
		case db.OutcomeFailed:
			outcome = paint(colorRed, outcome)
		case db.OutcomeInterrupted:
			outcome = paint(colorGreen, outcome)
		case db.OutcomeRunning:
			outcome = paint(colorYellow, outcome)
		}

		fmt.Fprintf(w, "%s  %s  %-11s %7s  pid %-7d %s\n",
			paint(colorGray, s.ID[:min(8, len(s.ID))]),
			s.StartedAt.Local().Format(time.DateTime),
			outcome,
			formatDuration(s.Duration()),
			s.PID,
			paint(colorBold, s.Command))
		if s.Details != "" {
			fmt.Fprintf(w, "          %s\n", s.Details)
		}
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
}
