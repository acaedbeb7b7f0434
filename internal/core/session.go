package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// SessionState is the UI state that survives a restart: which alerts a human
// has seen and whether the alert center was open.
type SessionState struct {
	CenterOpen   bool      `json:"center_open"`
	Acknowledged []string  `json:"acknowledged"`
	SavedAt      time.Time `json:"saved_at"`
}

// AcknowledgedSet returns Acknowledged as a set.
func (s SessionState) AcknowledgedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Acknowledged))
	for _, id := range s.Acknowledged {
		set[id] = struct{}{}
	}
	return set
}

// SessionStore loads and saves SessionState as a JSON file. A zero path
// makes both operations no-ops.
type SessionStore struct {
	mu   sync.Mutex
	path string
}

// NewSessionStore creates a store backed by path.
func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path}
}

// Load reads the saved state. A missing file yields the zero state.
func (s *SessionStore) Load() (SessionState, error) {
	if s == nil || s.path == "" {
		return SessionState{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return SessionState{}, nil
	}
	if err != nil {
		return SessionState{}, fmt.Errorf("reading session: %w", err)
	}
	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return SessionState{}, fmt.Errorf("parsing session: %w", err)
	}
	return st, nil
}

// Save writes st atomically: a temp file in the same directory is renamed
// over the old one.
func (s *SessionStore) Save(st SessionState) error {
	if s == nil || s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Strings(st.Acknowledged)
	if st.SavedAt.IsZero() {
		st.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing session: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing session: %w", err)
	}
	return nil
}

// Path returns the backing file.
func (s *SessionStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}
