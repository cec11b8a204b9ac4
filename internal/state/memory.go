package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/storetalon/storetalon/internal/plan"
	"gopkg.in/yaml.v3"
)

const TagWorkflow = "workflow"

type Memory struct {
	ID        string    `yaml:"id"`
	Content   string    `yaml:"content"`
	Tags      []string  `yaml:"tags,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MemoryStore holds short notes the planner sees again on similar requests,
// chiefly outlines of plans that completed.
type MemoryStore struct {
	mu       sync.RWMutex
	memories []*Memory
	dir      string
	nextID   int
	limit    int
}

func NewMemoryStore(dir string) *MemoryStore {
	return &MemoryStore{
		memories: make([]*Memory, 0),
		dir:      dir,
		nextID:   1,
	}
}

// SetLimit caps stored memories; the oldest are dropped first (0 = no cap).
func (s *MemoryStore) SetLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = n
	s.trimLocked()
}

func (s *MemoryStore) Add(content string, tags ...string) *Memory {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Memory{
		ID:        fmt.Sprintf("mem_%d", s.nextID),
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now(),
	}
	s.nextID++
	s.memories = append(s.memories, m)
	s.trimLocked()
	return m
}

func (s *MemoryStore) trimLocked() {
	if s.limit > 0 && len(s.memories) > s.limit {
		s.memories = append([]*Memory(nil), s.memories[len(s.memories)-s.limit:]...)
	}
}

// RememberPlan stores the outline of a finished plan as a workflow memory.
// Plans with fewer than two steps or with failures are not worth recalling.
func (s *MemoryStore) RememberPlan(p *plan.Plan) *Memory {
	if p == nil || len(p.Steps) < 2 || p.Status != plan.PlanCompleted {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "request: %s\nsteps:\n", p.Request)
	for _, st := range p.Steps {
		fmt.Fprintf(&sb, "  - %s: %s.%s", st.ID, st.Agent, st.Action)
		if len(st.DependsOn) > 0 {
			fmt.Fprintf(&sb, " after %s", strings.Join(st.DependsOn, ","))
		}
		sb.WriteString("\n")
	}
	return s.Add(sb.String(), TagWorkflow)
}

func (s *MemoryStore) Get(id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.memories {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("memory %q not found", id)
}

// Search ranks memories by how many of the query's words they contain and
// returns at most limit of them (all matches when limit <= 0). Words shorter
// than three letters are ignored.
func (s *MemoryStore) Search(query string, limit int) []*Memory {
	words := keywords(query)
	if len(words) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		m     *Memory
		score int
	}
	var hits []scored
	for _, m := range s.memories {
		lower := strings.ToLower(m.Content)
		n := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, scored{m, n})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]*Memory, len(hits))
	for i, h := range hits {
		out[i] = h.m
	}
	return out
}

func keywords(q string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		if len([]rune(w)) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func (s *MemoryStore) SearchByTag(tag string) []*Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Memory
	for _, m := range s.memories {
		if m.HasTag(tag) {
			results = append(results, m)
		}
	}
	return results
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.memories {
		if m.ID == id {
			s.memories = append(s.memories[:i], s.memories[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memory %q not found", id)
}

func (s *MemoryStore) List() []*Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Memory, len(s.memories))
	copy(result, s.memories)
	return result
}

func (s *MemoryStore) Save() error {
	if s.dir == "" {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating memory dir: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := yaml.Marshal(s.memories)
	if err != nil {
		return fmt.Errorf("marshaling memories: %w", err)
	}

	return os.WriteFile(filepath.Join(s.dir, "memories.yaml"), data, 0600)
}

func (s *MemoryStore) Load() error {
	if s.dir == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, "memories.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading memories: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := yaml.Unmarshal(data, &s.memories); err != nil {
		return fmt.Errorf("parsing memories: %w", err)
	}

	maxID := 0
	for _, m := range s.memories {
		var num int
		if _, err := fmt.Sscanf(m.ID, "mem_%d", &num); err == nil && num > maxID {
			maxID = num
		}
	}
	s.nextID = maxID + 1
	return nil
}
