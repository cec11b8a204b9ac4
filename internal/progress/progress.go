package progress

import (
	"sync"
	"time"

	"github.com/storetalon/storetalon/internal/plan"
)

type Kind string

const (
	KindPlanning     Kind = "planning"
	KindExecuting    Kind = "executing"
	KindSynthesizing Kind = "synthesizing"
	KindComplete     Kind = "complete"
)

// BulkProgress is sub-progress reported by providers that work through many
// items in one call (bulk edits, batch image generation).
type BulkProgress struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Item      string `json:"item,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Event is one progress update. Every event carries enough metadata (step
// id, index, agent, action) to be attributed without relying on arrival
// order, since steps in the same level report concurrently.
type Event struct {
	Kind      Kind            `json:"type"`
	PlanID    string          `json:"planId,omitempty"`
	StepID    string          `json:"stepId,omitempty"`
	StepIndex int             `json:"stepIndex,omitempty"`
	Total     int             `json:"totalSteps,omitempty"`
	Agent     plan.Agent      `json:"agent,omitempty"`
	Action    string          `json:"action,omitempty"`
	Status    plan.StepStatus `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Bulk      *BulkProgress   `json:"bulk,omitempty"`
	UICommand plan.UICommand  `json:"uiCommand,omitempty"`
	Time      time.Time       `json:"time"`
}

// Sink receives progress events. Emit is called synchronously.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Recorder is an append-only, concurrency-safe event log.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Multi fans every event out to all sinks in order.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(e Event) {
		for _, s := range live {
			s.Emit(e)
		}
	})
}

// Serialized wraps s so concurrent emitters never call it at the same time.
func Serialized(s Sink) Sink {
	if s == nil {
		return Discard
	}
	var mu sync.Mutex
	return SinkFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Time.IsZero() {
			e.Time = time.Now()
		}
		s.Emit(e)
	})
}
