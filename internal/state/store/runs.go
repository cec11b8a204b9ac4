package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/storetalon/storetalon/internal/plan"
	"github.com/storetalon/storetalon/internal/state"
)

// RunStore persists one audit row per executed plan, task records included.
type RunStore struct {
	db *DB
}

func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

func (s *RunStore) Record(ctx context.Context, rec state.RunRecord) (string, error) {
	rec.Stamp()
	tasks := rec.Tasks
	if tasks == nil {
		tasks = []plan.TaskRecord{}
	}
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return "", fmt.Errorf("run record: marshal tasks: %w", err)
	}
	_, err = s.db.exec(ctx,
		`INSERT INTO runs (id, session_id, plan_id, request, status, completed, failed, tokens_used, unresolved, tasks, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM runs))`,
		rec.ID, rec.SessionID, rec.PlanID, rec.Request, string(rec.Status),
		rec.Completed, rec.Failed, rec.TokensUsed, rec.Unresolved, string(tasksJSON),
		rec.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("run record: %w", err)
	}
	return rec.ID, nil
}

func (s *RunStore) Get(ctx context.Context, id string) (*state.RunRecord, error) {
	row := s.db.queryRow(ctx,
		`SELECT id, session_id, plan_id, request, status, completed, failed, tokens_used, unresolved, tasks, created_at
		 FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q not found", id)
	}
	return rec, err
}

// List returns the session's runs, newest first, at most limit (all when limit <= 0).
// Runs stamped with the same time come back in reverse insertion order.
func (s *RunStore) List(ctx context.Context, sessionID string, limit int) ([]state.RunRecord, error) {
	query := `SELECT id, session_id, plan_id, request, status, completed, failed, tokens_used, unresolved, tasks, created_at
		 FROM runs WHERE session_id = ? ORDER BY created_at DESC, seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []state.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*state.RunRecord, error) {
	var (
		rec                  state.RunRecord
		status, tasks, stamp string
	)
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.PlanID, &rec.Request, &status,
		&rec.Completed, &rec.Failed, &rec.TokensUsed, &rec.Unresolved, &tasks, &stamp)
	if err != nil {
		return nil, err
	}
	rec.Status = plan.PlanStatus(status)
	if err := json.Unmarshal([]byte(tasks), &rec.Tasks); err != nil {
		return nil, fmt.Errorf("run %s: decode tasks: %w", rec.ID, err)
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, stamp)
	return &rec, nil
}
