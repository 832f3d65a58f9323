// Package ledger provides an append-only history of bridge events
// (commands sent, device feedback, gateway activity) for auditing.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/serialgate/internal/eventbus"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64
	EventID   string
	EventType eventbus.EventType
	Timestamp time.Time
	Source    string
	Message   string
	Payload   map[string]any
}

// Ledger provides append-only event logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Attach subscribes the ledger to every event type on the bus.
// Append failures are logged; they never reach the publisher.
func (l *Ledger) Attach(bus *eventbus.Bus) {
	bus.Subscribe(func(e eventbus.Event) {
		if err := l.Append(e); err != nil {
			log.Warn().Err(err).Str("event_type", string(e.Type)).Msg("Failed to append event to ledger")
		}
	}, eventbus.AllEventTypes...)
}

// Append adds an event to the ledger. Appending the same event twice is a no-op.
func (l *Ledger) Append(e eventbus.Event) error {
	var payloadJSON []byte
	var err error

	if e.Data != nil {
		payloadJSON, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = l.db.Exec(
		`INSERT OR IGNORE INTO event_ledger (event_id, event_type, timestamp, source, message, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), ts.UTC().UnixMilli(), e.Source, e.Message, string(payloadJSON),
	)
	return err
}

// GetByType returns the most recent entries of a type, newest first
func (l *Ledger) GetByType(eventType eventbus.EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_id, event_type, timestamp, source, message, payload
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByTimeRange returns entries within a time range, newest first
func (l *Ledger) GetByTimeRange(start, end time.Time, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_id, event_type, timestamp, source, message, payload
		FROM event_ledger
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, start.UTC().UnixMilli(), end.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`DELETE FROM event_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, source, message sql.NullString
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.EventID, &entry.EventType, &timestamp, &source, &message, &payloadStr,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		entry.Source = source.String
		entry.Message = message.String

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
