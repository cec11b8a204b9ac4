package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/storetalon/storetalon/internal/provider"
	"gopkg.in/yaml.v3"
)

// Turn is one exchange in a merchant conversation. Assistant turns that
// produced a plan carry its id so history can be correlated with runs.
type Turn struct {
	Role    provider.Role `yaml:"role" json:"role"`
	Content string        `yaml:"content" json:"content"`
	PlanID  string        `yaml:"plan_id,omitempty" json:"planId,omitempty"`
	At      time.Time     `yaml:"at" json:"at"`
}

func (t Turn) Message() provider.Message {
	return provider.Message{Role: t.Role, Content: t.Content}
}

type Session struct {
	ID        string            `yaml:"id"`
	Turns     []Turn            `yaml:"turns"`
	Metadata  map[string]string `yaml:"metadata,omitempty"`
	CreatedAt time.Time         `yaml:"created_at"`
	UpdatedAt time.Time         `yaml:"updated_at"`
}

// History returns the last n turns as model messages (all of them when n <= 0).
func (s *Session) History(n int) []provider.Message {
	turns := s.Turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	msgs := make([]provider.Message, len(turns))
	for i, t := range turns {
		msgs[i] = t.Message()
	}
	return msgs
}

func (s *Session) clone() *Session {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	c.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// SessionStore keeps sessions in memory; Save and Load persist one session
// as YAML under dir.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dir      string
	maxTurns int
}

func NewSessionStore(dir string) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		dir:      dir,
	}
}

// SetMaxTurns caps the turns kept per session (0 = no cap).
func (s *SessionStore) SetMaxTurns(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxTurns = n
}

func (s *SessionStore) Create(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[id]; ok {
		return existing.clone()
	}
	now := time.Now()
	sess := &Session{
		ID:        id,
		Turns:     make([]Turn, 0),
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[id] = sess
	return sess.clone()
}

// Get returns a snapshot of the session; later turns do not show up in it.
func (s *SessionStore) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q not found", id)
	}
	return sess.clone(), nil
}

func (s *SessionStore) AddTurn(id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	sess.Turns = append(sess.Turns, turn)
	if s.maxTurns > 0 && len(sess.Turns) > s.maxTurns {
		sess.Turns = sess.Turns[len(sess.Turns)-s.maxTurns:]
	}
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *SessionStore) SetMetadata(id, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}
	sess.Metadata[key] = value
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *SessionStore) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, sess.clone())
	}
	return result
}

func (s *SessionStore) Save(id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	if s.dir == "" {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating sessions dir: %w", err)
	}

	data, err := yaml.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	path := filepath.Join(s.dir, id+".yaml")
	return os.WriteFile(path, data, 0600)
}

func (s *SessionStore) Load(id string) error {
	path := filepath.Join(s.dir, id+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading session file: %w", err)
	}

	var sess Session
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return fmt.Errorf("parsing session: %w", err)
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]string)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &sess
	return nil
}
