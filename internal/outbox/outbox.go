// Package outbox durably hands completed sessions to the billing and records
// collaborators. Each (session, consumer) pair is written once; collaborators
// drain pending rows and mark them delivered.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"teleconsult/internal/model"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

const (
	ConsumerBilling = "billing"
	ConsumerRecords = "records"
)

const schema = `
CREATE TABLE IF NOT EXISTS finalize_events (
	session_id   TEXT NOT NULL,
	consumer     TEXT NOT NULL,
	payload      TEXT NOT NULL,
	created_at   BIGINT NOT NULL,
	delivered_at BIGINT,
	PRIMARY KEY (session_id, consumer)
)`

// Entry is one pending or delivered hand-off
type Entry struct {
	SessionID   string          `json:"sessionId"`
	Consumer    string          `json:"consumer"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
	DeliveredAt *time.Time      `json:"deliveredAt,omitempty"`
}

// Outbox implements the billing and records sinks on a SQL table
type Outbox struct {
	db       *sql.DB
	dialect  Dialect
	notifier *Notifier
	logger   *slog.Logger
}

// Open connects to the outbox database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	dialect := Dialect(driver)
	if dialect != Postgres && dialect != SQLite {
		return nil, "", fmt.Errorf("unknown outbox driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open outbox database: %w", err)
	}
	if dialect == SQLite {
		// one writer at a time, and ":memory:" databases are per connection
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("ping outbox database: %w", err)
	}
	return db, dialect, nil
}

// New wraps db. notifier may be nil; it is only used with Postgres.
func New(db *sql.DB, dialect Dialect, notifier *Notifier, logger *slog.Logger) *Outbox {
	return &Outbox{db: db, dialect: dialect, notifier: notifier, logger: logger}
}

func (o *Outbox) Migrate(ctx context.Context) error {
	if _, err := o.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	return nil
}

// SettleSession queues the billing hand-off of a completed session
func (o *Outbox) SettleSession(ctx context.Context, ev model.BillingEvent) error {
	return o.insert(ctx, ev.SessionID, ConsumerBilling, ev)
}

// RecordOutcome queues the records hand-off of a completed session
func (o *Outbox) RecordOutcome(ctx context.Context, ev model.RecordsEvent) error {
	return o.insert(ctx, ev.SessionID, ConsumerRecords, ev)
}

func (o *Outbox) insert(ctx context.Context, sessionID, consumer string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", consumer, err)
	}

	res, err := o.db.ExecContext(ctx, o.rebind(`
		INSERT INTO finalize_events (session_id, consumer, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, consumer) DO NOTHING
	`), sessionID, consumer, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert %s event: %w", consumer, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		o.logger.Info("finalize event already queued", "session_id", sessionID, "consumer", consumer)
		return nil
	}
	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, consumer); err != nil {
			o.logger.Warn("outbox notify failed", "consumer", consumer, "error", err)
		}
	}
	return nil
}

// Pending returns undelivered entries for consumer, oldest first
func (o *Outbox) Pending(ctx context.Context, consumer string, limit int) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx, o.rebind(`
		SELECT session_id, consumer, payload, created_at
		FROM finalize_events
		WHERE consumer = ? AND delivered_at IS NULL
		ORDER BY created_at ASC, session_id ASC
		LIMIT ?
	`), consumer, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&e.SessionID, &e.Consumer, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkDelivered records that consumer processed the session's entry
func (o *Outbox) MarkDelivered(ctx context.Context, consumer, sessionID string) error {
	_, err := o.db.ExecContext(ctx, o.rebind(`
		UPDATE finalize_events
		SET delivered_at = ?
		WHERE session_id = ? AND consumer = ? AND delivered_at IS NULL
	`), time.Now().UnixMilli(), sessionID, consumer)
	if err != nil {
		return fmt.Errorf("mark event delivered: %w", err)
	}
	return nil
}

// rebind turns ? placeholders into $n for Postgres
func (o *Outbox) rebind(query string) string {
	if o.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
