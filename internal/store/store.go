// Package store defines the persistence interfaces. The file backend covers
// org state and conversation logs; the message archive has sqlite and
// postgres backends selected by config.
package store

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/llm"
	"github.com/nextlevelbuilder/agora/internal/org"
)

// OrgStateStore persists the org registry across restarts.
type OrgStateStore interface {
	// SaveState writes the full registry snapshot atomically.
	SaveState(state *org.State) error
	// LoadState reads the last snapshot. ok is false when none exists yet.
	LoadState() (state *org.State, ok bool, err error)
}

// ConversationStore persists per-agent conversation logs.
type ConversationStore interface {
	// SaveConversation replaces the agent's persisted log.
	SaveConversation(agentID string, turns []llm.Message) error
	// LoadConversation reads the agent's persisted log, nil if absent.
	LoadConversation(agentID string) ([]llm.Message, error)
	// DeleteConversation removes the agent's log.
	DeleteConversation(agentID string) error
	// ListConversations returns the agent IDs with a persisted log.
	ListConversations() ([]string, error)
}

// ArchivedMessage is the archive row for one delivered message.
type ArchivedMessage struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	TaskID      string    `json:"taskId,omitempty"`
	Text        string    `json:"text"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"createdAt"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// MessageArchive is an append-only record of bus traffic for audit and the
// HTTP history endpoints.
type MessageArchive interface {
	Record(ctx context.Context, msg *bus.Message) error
	// ListByTask returns the task's messages in delivery order, newest last.
	ListByTask(ctx context.Context, taskID string, limit int) ([]ArchivedMessage, error)
	// ListByAgent returns messages sent or received by the agent.
	ListByAgent(ctx context.Context, agentID string, limit int) ([]ArchivedMessage, error)
	Close() error
}
