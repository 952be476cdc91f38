// Package journal is the optional sqlite record of what the control plane
// did: task transitions, results, and constellation outcomes, keyed by
// their IDs. It exists for operators to inspect after the fact; nothing in
// the control plane ever reads it back, and the registry itself stays
// purely in memory.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orbital/constel/internal/bus"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	topic TEXT NOT NULL,
	constellation_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	device_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
CREATE INDEX IF NOT EXISTS idx_events_constellation ON events(constellation_id);

CREATE TABLE IF NOT EXISTS task_outcomes (
	task_id TEXT PRIMARY KEY,
	constellation_id TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	ts TEXT NOT NULL
);
`

// Journal wraps the sqlite handle.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Event is one journalled row.
type Event struct {
	ID              int64     `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Topic           string    `json:"topic"`
	ConstellationID string    `json:"constellation_id,omitempty"`
	TaskID          string    `json:"task_id,omitempty"`
	DeviceID        string    `json:"device_id,omitempty"`
	Detail          string    `json:"detail,omitempty"`
}

// Outcome is the settled result of one task.
type Outcome struct {
	TaskID          string    `json:"task_id"`
	ConstellationID string    `json:"constellation_id"`
	DeviceID        string    `json:"device_id,omitempty"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Open creates or opens the journal database at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set schema version: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Consume subscribes to every bus topic and journals each event except
// device heartbeats until ctx is cancelled. Run it on its own goroutine.
func (j *Journal) Consume(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := j.record(ctx, ev); err != nil {
				j.logger.Warn("journal write failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

func (j *Journal) record(ctx context.Context, ev bus.Event) error {
	row := Event{Timestamp: time.Now().UTC(), Topic: ev.Topic}
	switch p := ev.Payload.(type) {
	case bus.DeviceRegisteredEvent:
		row.DeviceID = p.DeviceID
		row.Detail = fmt.Sprintf("server_url=%s", p.ServerURL)
	case bus.DeviceDeregisteredEvent:
		row.DeviceID = p.DeviceID
	case bus.DeviceStatusChangedEvent:
		row.DeviceID = p.DeviceID
		row.Detail = fmt.Sprintf("%s -> %s", p.OldStatus, p.NewStatus)
	case bus.DeviceHeartbeatEvent:
		// Too chatty to journal.
		return nil
	case bus.TaskStatusChangedEvent:
		row.ConstellationID = p.ConstellationID
		row.TaskID = p.TaskID
		row.Detail = fmt.Sprintf("%s -> %s", p.OldStatus, p.NewStatus)
	case bus.TaskDispatchedEvent:
		row.ConstellationID = p.ConstellationID
		row.TaskID = p.TaskID
		row.DeviceID = p.DeviceID
	case bus.TaskResultEvent:
		row.ConstellationID = p.ConstellationID
		row.TaskID = p.TaskID
		row.DeviceID = p.DeviceID
		row.Detail = p.Status
		if err := j.recordOutcome(ctx, p); err != nil {
			return err
		}
	case bus.ConstellationStartedEvent:
		row.ConstellationID = p.ConstellationID
		row.Detail = fmt.Sprintf("tasks=%d", p.TaskCount)
	case bus.ConstellationFinishedEvent:
		row.ConstellationID = p.ConstellationID
		row.Detail = p.State
	default:
		row.Detail = fmt.Sprintf("%v", ev.Payload)
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (ts, topic, constellation_id, task_id, device_id, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		row.Timestamp.Format(time.RFC3339Nano), row.Topic, row.ConstellationID, row.TaskID, row.DeviceID, row.Detail)
	return err
}

func (j *Journal) recordOutcome(ctx context.Context, p bus.TaskResultEvent) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO task_outcomes (task_id, constellation_id, device_id, status, error, ts)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET device_id=excluded.device_id, status=excluded.status, error=excluded.error, ts=excluded.ts`,
		p.TaskID, p.ConstellationID, p.DeviceID, p.Status, p.Error, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// RecentEvents returns the newest events, most recent first.
func (j *Journal) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, topic, constellation_id, task_id, device_id, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Topic, &e.ConstellationID, &e.TaskID, &e.DeviceID, &e.Detail); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Outcomes returns the settled task results for one constellation.
func (j *Journal) Outcomes(ctx context.Context, constellationID string) ([]Outcome, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT task_id, constellation_id, device_id, status, error, ts FROM task_outcomes WHERE constellation_id = ? ORDER BY task_id`, constellationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var ts string
		if err := rows.Scan(&o.TaskID, &o.ConstellationID, &o.DeviceID, &o.Status, &o.Error, &ts); err != nil {
			return nil, err
		}
		o.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, o)
	}
	return out, rows.Err()
}

// EventCount returns the total number of journalled events.
func (j *Journal) EventCount(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}
