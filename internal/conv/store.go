// Package conv owns per-agent conversation history. Histories are mutated
// only through this store; the dispatcher serializes access per agent.
package conv

import (
	"sync"

	"github.com/nextlevelbuilder/agora/internal/llm"
)

// SummaryPrefix heads the synthetic system turn inserted by compression.
const SummaryPrefix = "[历史摘要]\n"

// CompressResult reports the outcome of a Compress call.
type CompressResult struct {
	OK            bool `json:"ok"`
	Compressed    bool `json:"compressed"`
	OriginalCount int  `json:"originalCount,omitempty"`
	NewCount      int  `json:"newCount,omitempty"`
}

// AppendHook observes appended turns (persistence collaborator).
type AppendHook func(agentID string, turn llm.Message)

// Store is the in-memory conversation store. Persistence is the
// collaborator's responsibility via the append hook.
type Store struct {
	mu    sync.RWMutex
	convs map[string][]llm.Message

	onAppend []AppendHook
}

func NewStore() *Store {
	return &Store{convs: make(map[string][]llm.Message)}
}

// OnAppend registers a hook fired for every appended turn.
func (s *Store) OnAppend(h AppendHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAppend = append(s.onAppend, h)
}

// Ensure creates the conversation with its leading system turn. Idempotent:
// an existing conversation keeps its original system turn untouched.
func (s *Store) Ensure(agentID, systemPrompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[agentID]; ok {
		return
	}
	s.convs[agentID] = []llm.Message{{Role: "system", Content: systemPrompt}}
}

// Append adds a turn to the agent's conversation.
func (s *Store) Append(agentID string, turn llm.Message) {
	s.mu.Lock()
	s.convs[agentID] = append(s.convs[agentID], turn)
	hooks := append([]AppendHook(nil), s.onAppend...)
	s.mu.Unlock()

	for _, h := range hooks {
		h(agentID, turn)
	}
}

// Get returns a copy of the agent's conversation.
func (s *Store) Get(agentID string) []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]llm.Message(nil), s.convs[agentID]...)
}

// Len returns the number of turns in the agent's conversation.
func (s *Store) Len(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs[agentID])
}

// Restore replaces the agent's conversation wholesale (startup reload).
func (s *Store) Restore(agentID string, turns []llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[agentID] = append([]llm.Message(nil), turns...)
}

// Delete drops the agent's conversation entirely.
func (s *Store) Delete(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, agentID)
}

// Compress replaces the middle of the conversation with a summary turn:
// [system, summary, lastK...]. The leading system turn is preserved
// byte-for-byte. A conversation of length <= keepRecent+1 is left untouched.
func (s *Store) Compress(agentID, summary string, keepRecent int) CompressResult {
	if keepRecent < 0 {
		keepRecent = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[agentID]
	if len(conv) <= keepRecent+1 {
		return CompressResult{OK: true, Compressed: false}
	}

	compressed := make([]llm.Message, 0, keepRecent+2)
	compressed = append(compressed, conv[0])
	compressed = append(compressed, llm.Message{Role: "system", Content: SummaryPrefix + summary})
	compressed = append(compressed, conv[len(conv)-keepRecent:]...)
	s.convs[agentID] = compressed

	return CompressResult{
		OK:            true,
		Compressed:    true,
		OriginalCount: len(conv),
		NewCount:      len(compressed),
	}
}
