package database

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"convergence-trading-bot/config"
	"convergence-trading-bot/internal/events"
	"convergence-trading-bot/internal/logging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeQuerier struct {
	sql  string
	args []any
	err  error
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, &logging.Config{Level: "ERROR"})
}

func TestJournalRecord(t *testing.T) {
	q := &fakeQuerier{}
	j := newJournal(q, quietLogger())

	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	err := j.Record(context.Background(), events.Event{
		ID:        "6f1c1a4e-0000-4000-8000-000000000001",
		Type:      events.EventStateTransition,
		Symbol:    "BTCUSDT",
		Timestamp: at,
		Data:      map[string]interface{}{"from": "READY_TO_ENTER", "to": "INCOMPLETE_ENTRY"},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if !strings.Contains(q.sql, "ON CONFLICT (id) DO NOTHING") {
		t.Error("insert is not idempotent on event id")
	}
	if len(q.args) != 5 {
		t.Fatalf("got %d args, want 5", len(q.args))
	}
	if q.args[1] != "STATE_TRANSITION" || q.args[2] != "BTCUSDT" || q.args[3] != at {
		t.Errorf("args = %v", q.args[:4])
	}

	var data map[string]string
	if err := json.Unmarshal(q.args[4].([]byte), &data); err != nil {
		t.Fatalf("data arg is not JSON: %v", err)
	}
	if data["to"] != "INCOMPLETE_ENTRY" {
		t.Errorf("data = %v", data)
	}
}

func TestJournalWrapsExecError(t *testing.T) {
	boom := errors.New("connection refused")
	j := newJournal(&fakeQuerier{err: boom}, quietLogger())

	err := j.Record(context.Background(), events.Event{ID: "x", Type: events.EventError})
	if !errors.Is(err, boom) {
		t.Errorf("Record error = %v, want wrapped %v", err, boom)
	}

	// Handle logs instead of failing.
	j.Handle(events.Event{ID: "y", Type: events.EventError})
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{
		Host: "db", Port: 5433, User: "trader", Password: "pw", Database: "convergence", SSLMode: "disable",
	})
	want := "host=db port=5433 user=trader password=pw dbname=convergence sslmode=disable"
	if dsn != want {
		t.Errorf("DSN() = %q, want %q", dsn, want)
	}
}
