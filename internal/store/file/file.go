// Package file is the JSON-on-disk backend for org state and conversation
// logs. Writes are atomic (temp file + rename) so a crash never leaves a
// half-written snapshot.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/agora/internal/llm"
	"github.com/nextlevelbuilder/agora/internal/org"
)

const (
	stateFile = "org_state.json"
	convDir   = "conversations"
)

// Store implements store.OrgStateStore and store.ConversationStore on a
// single base directory.
type Store struct {
	mu  sync.Mutex
	dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, convDir), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) SaveState(state *org.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, stateFile), state)
}

func (s *Store) LoadState() (*org.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read org state: %w", err)
	}
	state := &org.State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, false, fmt.Errorf("parse org state: %w", err)
	}
	return state, true, nil
}

func (s *Store) SaveConversation(agentID string, turns []llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.convPath(agentID), turns)
}

func (s *Store) LoadConversation(agentID string) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.convPath(agentID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", agentID, err)
	}
	var turns []llm.Message
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", agentID, err)
	}
	return turns, nil
}

func (s *Store) DeleteConversation(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.convPath(agentID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) ListConversations() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.dir, convDir))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *Store) convPath(agentID string) string {
	// Agent IDs are uuids or the system singletons; sanitize anyway so a
	// hostile id cannot escape the directory.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, agentID)
	return filepath.Join(s.dir, convDir, safe+".json")
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
