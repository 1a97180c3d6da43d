package db

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "journal", "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_OpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
}

func TestDB_ReopenKeepsSessions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.BeginSession("s1", "ssh host cat", 42); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()

	sessions, err := db.RecentSessions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Fatalf("RecentSessions() = %+v, want session s1", sessions)
	}
}

func TestDB_SessionLifecycle(t *testing.T) {
	db := openTestDB(t)

	before := time.Now().Add(-time.Second)
	if err := db.BeginSession("abc", "ssh host cat", 1234); err != nil {
		t.Fatalf("BeginSession() error: %v", err)
	}

	sessions, err := db.RecentSessions(1)
	if err != nil {
		t.Fatalf("RecentSessions() error: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.Command != "ssh host cat" || s.PID != 1234 || s.Outcome != OutcomeRunning {
		t.Errorf("session = %+v", s)
	}
	if s.EndedAt.Valid {
		t.Error("EndedAt set on a running session")
	}
	if s.StartedAt.Before(before) {
		t.Errorf("StartedAt = %v, before %v", s.StartedAt, before)
	}

	if err := db.EndSession("abc", OutcomeFailed, "no probe echo within 5s"); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}

	sessions, err = db.RecentSessions(1)
	if err != nil {
		t.Fatal(err)
	}
	s = sessions[0]
	if s.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %q, want %q", s.Outcome, OutcomeFailed)
	}
	if s.Details != "no probe echo within 5s" {
		t.Errorf("Details = %q", s.Details)
	}
	if !s.EndedAt.Valid {
		t.Fatal("EndedAt not set after EndSession")
	}
	if s.Duration() < 0 {
		t.Errorf("Duration() = %v", s.Duration())
	}
}

func TestDB_RecentSessionsOrderAndLimit(t *testing.T) {
	db := openTestDB(t)

	for i := range 5 {
		if err := db.BeginSession(fmt.Sprintf("s%d", i), "cat", i); err != nil {
			t.Fatal(err)
		}
	}

	sessions, err := db.RecentSessions(3)
	if err != nil {
		t.Fatalf("RecentSessions() error: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	for i, want := range []string{"s4", "s3", "s2"} {
		if sessions[i].ID != want {
			t.Errorf("sessions[%d].ID = %q, want %q", i, sessions[i].ID, want)
		}
	}
}

func TestDB_SessionEvents(t *testing.T) {
	db := openTestDB(t)
	if err := db.BeginSession("abc", "cat", 1); err != nil {
		t.Fatal(err)
	}
	if err := db.BeginSession("other", "cat", 2); err != nil {
		t.Fatal(err)
	}

	events := []struct{ typ, details string }{
		{EventStart, "pid 1"},
		{EventViolation, "rtt 0.002000s (1/2)"},
		{EventSleep, ""},
		{EventWake, ""},
		{EventTerminate, "round trip degraded"},
	}
	for _, e := range events {
		if err := db.LogSessionEvent("abc", e.typ, e.details); err != nil {
			t.Fatalf("LogSessionEvent(%s) error: %v", e.typ, err)
		}
	}
	if err := db.LogSessionEvent("other", EventStart, ""); err != nil {
		t.Fatal(err)
	}

	got, err := db.SessionEvents("abc")
	if err != nil {
		t.Fatalf("SessionEvents() error: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(got))
	}
	for i, e := range events {
		if got[i].EventType != e.typ || got[i].Details != e.details {
			t.Errorf("event %d = %s %q, want %s %q", i, got[i].EventType, got[i].Details, e.typ, e.details)
		}
		if got[i].SessionID != "abc" {
			t.Errorf("event %d SessionID = %q", i, got[i].SessionID)
		}
	}
}

func TestDB_ConcurrentWriters(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	var dbs []*DB
	for range 2 {
		db, err := Open(dbPath)
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()
		dbs = append(dbs, db)
	}
	if err := dbs[0].BeginSession("abc", "cat", 1); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i, db := range dbs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				// Lock contention may still surface as an error; journaling is best-effort.
				db.LogSessionEvent("abc", EventViolation, fmt.Sprintf("writer %d event %d", i, j))
			}
		}()
	}
	wg.Wait()

	got, err := dbs[0].SessionEvents("abc")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Error("no events recorded by concurrent writers")
	}
}
