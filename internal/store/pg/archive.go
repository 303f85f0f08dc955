// Package pg is the postgres message-archive backend for multi-node or
// long-retention deployments. Schema is managed by the migrate command.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/store"
)

// Archive implements store.MessageArchive on postgres via the pgx stdlib
// driver.
type Archive struct {
	db *sql.DB
}

func Open(dsn string) (*Archive, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
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
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO messages (id, from_agent, to_agent, task_id, text, payload, created_at, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
		msg.ID.String(), msg.From, msg.To, msg.TaskID, msg.Payload.Text, payload, msg.CreatedAt, *msg.DeliveredAt)
	if err != nil {
		return fmt.Errorf("archive message %s: %w", msg.ID, err)
	}
	return nil
}

func (a *Archive) ListByTask(ctx context.Context, taskID string, limit int) ([]store.ArchivedMessage, error) {
	return a.list(ctx,
		`SELECT id, from_agent, to_agent, task_id, text, payload, created_at, delivered_at
		 FROM messages WHERE task_id = $1 ORDER BY delivered_at ASC LIMIT $2`,
		taskID, clamp(limit))
}

func (a *Archive) ListByAgent(ctx context.Context, agentID string, limit int) ([]store.ArchivedMessage, error) {
	return a.list(ctx,
		`SELECT id, from_agent, to_agent, task_id, text, payload, created_at, delivered_at
		 FROM messages WHERE from_agent = $1 OR to_agent = $1 ORDER BY delivered_at ASC LIMIT $2`,
		agentID, clamp(limit))
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
