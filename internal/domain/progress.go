package domain

import (
	"sync"
	"time"
)

// LoadingState is the lifecycle of one historical ingestion task.
type LoadingState string

const (
	LoadingPending   LoadingState = "pending"
	LoadingActive    LoadingState = "loading"
	LoadingCompleted LoadingState = "completed"
	LoadingFailed    LoadingState = "failed"
)

// LoadingProgress tracks one (symbol, interval) historical fetch. Retained
// after completion for status queries.
type LoadingProgress struct {
	Symbol      string       `json:"symbol"`
	Interval    Interval     `json:"interval"`
	State       LoadingState `json:"state"`
	TargetCount int          `json:"target_count"`
	LoadedCount int          `json:"loaded_count"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// ProgressTracker is a concurrency-safe map of loading tasks keyed by series.
type ProgressTracker struct {
	mu    sync.RWMutex
	tasks map[Key]*LoadingProgress
}

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{tasks: make(map[Key]*LoadingProgress)}
}

// Begin registers a pending task, replacing any previous record for the key.
func (t *ProgressTracker) Begin(symbol string, interval Interval, target int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[Key{symbol, interval}] = &LoadingProgress{
		Symbol:      symbol,
		Interval:    interval,
		State:       LoadingPending,
		TargetCount: target,
		StartedAt:   time.Now().UTC(),
	}
}

// MarkLoading transitions a task to the loading state.
func (t *ProgressTracker) MarkLoading(symbol string, interval Interval) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.tasks[Key{symbol, interval}]; ok {
		p.State = LoadingActive
	}
}

// Advance bumps the loaded count for an active task.
func (t *ProgressTracker) Advance(symbol string, interval Interval, loaded int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.tasks[Key{symbol, interval}]; ok {
		p.LoadedCount = loaded
	}
}

// Complete finishes a task. A short load against a venue with less history
// than the target is still a completion, not a failure.
func (t *ProgressTracker) Complete(symbol string, interval Interval, loaded int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.tasks[Key{symbol, interval}]; ok {
		p.State = LoadingCompleted
		p.LoadedCount = loaded
		p.FinishedAt = time.Now().UTC()
	}
}

// Fail finishes a task with an error.
func (t *ProgressTracker) Fail(symbol string, interval Interval, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.tasks[Key{symbol, interval}]; ok {
		p.State = LoadingFailed
		p.FinishedAt = time.Now().UTC()
		if err != nil {
			p.Error = err.Error()
		}
	}
}

// Snapshot returns a copy of all tracked tasks keyed by "SYMBOL:interval".
func (t *ProgressTracker) Snapshot() map[string]LoadingProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]LoadingProgress, len(t.tasks))
	for k, p := range t.tasks {
		out[k.String()] = *p
	}
	return out
}

// Get returns the task for one series, if tracked.
func (t *ProgressTracker) Get(symbol string, interval Interval) (LoadingProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.tasks[Key{symbol, interval}]
	if !ok {
		return LoadingProgress{}, false
	}
	return *p, true
}
