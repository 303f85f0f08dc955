// Package sqlite is the embedded message-archive backend. It is the default
// when no postgres DSN is configured.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	from_agent   TEXT NOT NULL,
	to_agent     TEXT NOT NULL,
	task_id      TEXT NOT NULL DEFAULT '',
	text         TEXT NOT NULL DEFAULT '',
	payload      BLOB NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	delivered_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_task  ON messages(task_id, delivered_at);
CREATE INDEX IF NOT EXISTS idx_messages_from  ON messages(from_agent, delivered_at);
CREATE INDEX IF NOT EXISTS idx_messages_to    ON messages(to_agent, delivered_at);
`

// Archive implements store.MessageArchive on an embedded sqlite database.
type Archive struct {
	db *sql.DB
}

func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one connection pool
	// beyond what the busy handler covers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Record(ctx context.Context, msg *bus.Message) error {
	if msg.DeliveredAt == nil {
		return fmt.Errorf("archive message %s: not delivered yet", msg.ID)
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	// Conflict on id means the message was already archived; any other
	// constraint violation must surface.
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO messages (id, from_agent, to_agent, task_id, text, payload, created_at, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		msg.ID.String(), msg.From, msg.To, msg.TaskID, msg.Payload.Text, payload, msg.CreatedAt, *msg.DeliveredAt)
	if err != nil {
		return fmt.Errorf("archive message %s: %w", msg.ID, err)
	}
	return nil
}

func (a *Archive) ListByTask(ctx context.Context, taskID string, limit int) ([]store.ArchivedMessage, error) {
	return a.list(ctx,
		`SELECT id, from_agent, to_agent, task_id, text, payload, created_at, delivered_at
		 FROM messages WHERE task_id = ? ORDER BY delivered_at ASC LIMIT ?`,
		taskID, clamp(limit))
}

func (a *Archive) ListByAgent(ctx context.Context, agentID string, limit int) ([]store.ArchivedMessage, error) {
	return a.list(ctx,
		`SELECT id, from_agent, to_agent, task_id, text, payload, created_at, delivered_at
		 FROM messages WHERE from_agent = ? OR to_agent = ? ORDER BY delivered_at ASC LIMIT ?`,
		agentID, agentID, clamp(limit))
}

func (a *Archive) list(ctx context.Context, query string, args ...any) ([]store.ArchivedMessage, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []store.ArchivedMessage
	for rows.Next() {
		var m store.ArchivedMessage
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.TaskID, &m.Text, &m.Payload, &m.CreatedAt, &m.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (a *Archive) Close() error { return a.db.Close() }

func clamp(limit int) int {
	if limit <= 0 || limit > 500 {
		return 500
	}
	return limit
}
