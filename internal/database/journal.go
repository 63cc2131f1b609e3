package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"convergence-trading-bot/internal/events"
	"convergence-trading-bot/internal/logging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset of pgxpool.Pool the journal uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// JournalEntry is one stored decision event
type JournalEntry struct {
	ID         string                 `json:"id"`
	EventType  string                 `json:"event_type"`
	Symbol     string                 `json:"symbol"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data"`
}

// Journal records bus events in PostgreSQL for audit. It is write-behind:
// nothing in the trading loop reads it back.
type Journal struct {
	db           querier
	writeTimeout time.Duration
	logger       *logging.Logger
}

// NewJournal creates a journal on the given pool
func NewJournal(db *DB, logger *logging.Logger) *Journal {
	return newJournal(db.Pool, logger)
}

func newJournal(q querier, logger *logging.Logger) *Journal {
	if logger == nil {
		logger = logging.Default()
	}
	return &Journal{
		db:           q,
		writeTimeout: 5 * time.Second,
		logger:       logger.WithComponent("Journal"),
	}
}

// Attach subscribes the journal to every event on the bus.
func (j *Journal) Attach(bus *events.EventBus) {
	bus.SubscribeAll(j.Handle)
}

// Handle stores one event, logging failures.
func (j *Journal) Handle(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), j.writeTimeout)
	defer cancel()

	if err := j.Record(ctx, event); err != nil {
		j.logger.Warn("Failed to journal event", "type", string(event.Type), "id", event.ID, "error", err)
	}
}

// Record inserts an event. Replays of the same event id are ignored.
func (j *Journal) Record(ctx context.Context, event events.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	query := `
		INSERT INTO decision_events (id, event_type, symbol, occurred_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := j.db.Exec(ctx, query, event.ID, string(event.Type), event.Symbol, event.Timestamp, data); err != nil {
		return fmt.Errorf("insert decision event: %w", err)
	}
	return nil
}

// Recent returns the newest entries for a symbol, newest first.
func (j *Journal) Recent(ctx context.Context, symbol string, limit int) ([]JournalEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id::text, event_type, symbol, occurred_at, data
		FROM decision_events
		WHERE symbol = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	rows, err := j.db.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query decision events: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var raw []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.Symbol, &e.OccurredAt, &raw); err != nil {
			return nil, fmt.Errorf("scan decision event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
