package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/storetalon/storetalon/internal/state"
)

// SessionStore is the database-backed session store.
type SessionStore struct {
	db          *DB
	maxTurns    int // 0 = no cap
	maxIdleDays int // 0 = don't prune
}

// NewSessionStore returns a session store that uses the given DB.
// maxTurns caps turns per session (0 = no cap); maxIdleDays enables pruning of idle sessions (0 = off).
func NewSessionStore(db *DB, maxTurns, maxIdleDays int) *SessionStore {
	return &SessionStore{db: db, maxTurns: maxTurns, maxIdleDays: maxIdleDays}
}

func (s *SessionStore) Get(id string) (*state.Session, error) {
	var turnsJSON, metadataJSON, createdAt, updatedAt string
	err := s.db.queryRow(context.Background(),
		`SELECT turns, metadata, created_at, updated_at FROM sessions WHERE id = ?`,
		id,
	).Scan(&turnsJSON, &metadataJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", id, err)
	}

	sess := &state.Session{ID: id, Turns: []state.Turn{}, Metadata: map[string]string{}}
	if turnsJSON != "" {
		if err := json.Unmarshal([]byte(turnsJSON), &sess.Turns); err != nil {
			return nil, fmt.Errorf("session %q: decode turns: %w", id, err)
		}
	}
	if metadataJSON != "" {
		_ = json.Unmarshal([]byte(metadataJSON), &sess.Metadata)
	}
	sess.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	sess.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return sess, nil
}

// Create inserts a new session. An existing session with the same id is
// returned unchanged.
func (s *SessionStore) Create(id string) *state.Session {
	now := time.Now().UTC()
	stamp := now.Format(timeLayout)
	_, err := s.db.exec(context.Background(),
		`INSERT INTO sessions (id, turns, metadata, created_at, updated_at) VALUES (?, '[]', '{}', ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, stamp, stamp)
	if err == nil {
		if existing, e := s.Get(id); e == nil {
			return existing
		}
	}
	return &state.Session{
		ID:        id,
		Turns:     []state.Turn{},
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddTurn appends a turn and persists. If maxTurns > 0, trims to the last maxTurns.
func (s *SessionStore) AddTurn(id string, turn state.Turn) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	sess.Turns = append(sess.Turns, turn)
	if s.maxTurns > 0 && len(sess.Turns) > s.maxTurns {
		sess.Turns = sess.Turns[len(sess.Turns)-s.maxTurns:]
	}
	sess.UpdatedAt = time.Now()
	return s.persist(sess)
}

func (s *SessionStore) SetMetadata(id, key, value string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	sess.Metadata[key] = value
	sess.UpdatedAt = time.Now()
	return s.persist(sess)
}

func (s *SessionStore) persist(sess *state.Session) error {
	turnsJSON, err := json.Marshal(sess.Turns)
	if err != nil {
		return fmt.Errorf("session persist: marshal turns: %w", err)
	}
	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("session persist: marshal metadata: %w", err)
	}
	_, err = s.db.exec(context.Background(),
		`UPDATE sessions SET turns = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		string(turnsJSON), string(metadataJSON), sess.UpdatedAt.UTC().Format(timeLayout), sess.ID)
	if err != nil {
		return fmt.Errorf("session persist: %w", err)
	}
	return nil
}

// List returns all session ids.
func (s *SessionStore) List() ([]string, error) {
	rows, err := s.db.query(context.Background(), `SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SessionStore) Delete(id string) error {
	_, err := s.db.exec(context.Background(), `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// PruneIdleSessions deletes sessions not updated in the last maxIdleDays days
// and reports how many were removed. No-op if maxIdleDays <= 0.
func (s *SessionStore) PruneIdleSessions() (int64, error) {
	if s.maxIdleDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.maxIdleDays).UTC().Format(timeLayout)
	res, err := s.db.exec(context.Background(), `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
