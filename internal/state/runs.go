package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storetalon/storetalon/internal/plan"
)

// RunRecord is the audit entry written once per executed plan.
type RunRecord struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"sessionId,omitempty"`
	PlanID     string            `json:"planId"`
	Request    string            `json:"request"`
	Status     plan.PlanStatus   `json:"status"`
	Completed  int               `json:"completed"`
	Failed     int               `json:"failed"`
	TokensUsed int               `json:"tokensUsed"`
	Unresolved int               `json:"unresolved"`
	Tasks      []plan.TaskRecord `json:"tasks"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Stamp fills in the id and creation time when they are unset.
func (r *RunRecord) Stamp() {
	if r.ID == "" {
		r.ID = "run_" + uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

// RunLog is an in-memory run audit, used when no database is configured.
type RunLog struct {
	mu   sync.RWMutex
	runs []RunRecord
}

func NewRunLog() *RunLog {
	return &RunLog{}
}

func (l *RunLog) Record(_ context.Context, rec RunRecord) (string, error) {
	rec.Stamp()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, rec)
	return rec.ID, nil
}

// List returns the session's runs, newest first, at most limit (all when limit <= 0).
func (l *RunLog) List(_ context.Context, sessionID string, limit int) ([]RunRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []RunRecord
	for i := len(l.runs) - 1; i >= 0; i-- {
		if l.runs[i].SessionID != sessionID {
			continue
		}
		out = append(out, l.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
