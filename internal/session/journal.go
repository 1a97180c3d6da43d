package session

import (
	"log/slog"

	"go.olrik.dev/pipemon/internal/db"
)

// journal records the session in the sqlite journal. A nil journal drops
// everything, and write failures are only logged.
type journal struct {
	db     *db.DB
	id     string
	logger *slog.Logger
}

func openJournal(path string, logger *slog.Logger) *journal {
	if path == "" {
		return nil
	}
	conn, err := db.Open(path)
	if err != nil {
		logger.Warn("Failed to open journal, continuing without it", "path", path, "error", err)
		return nil
	}
	return &journal{db: conn, logger: logger}
}

func (j *journal) begin(id, command string, pid int) {
	if j == nil {
		return
	}
	if err := j.db.BeginSession(id, command, pid); err != nil {
		j.logger.Warn("Failed to journal session", "error", err)
		return
	}
	j.id = id
	j.event(db.EventStart, "")
}

func (j *journal) event(eventType, details string) {
	if j == nil || j.id == "" {
		return
	}
	if err := j.db.LogSessionEvent(j.id, eventType, details); err != nil {
		j.logger.Debug("Failed to journal event", "event", eventType, "error", err)
	}
}

func (j *journal) end(outcome, details string) {
	if j == nil || j.id == "" {
		return
	}
	if err := j.db.EndSession(j.id, outcome, details); err != nil {
		j.logger.Warn("Failed to journal session outcome", "error", err)
	}
}

func (j *journal) close() {
	if err := j.db.Close(); err != nil {
		j.logger.Debug("Failed to close journal", "error", err)
	}
}
