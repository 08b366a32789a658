package syncer

import (
	"sort"
	"sync"
	"time"

	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"
)

// State of one entity type's pass
type State string

const (
	StateIdle         State = "idle"
	StateFetching     State = "fetching"
	StateFiltering    State = "filtering"
	StateReconciling  State = "reconciling"
	StateCacheRefresh State = "cache_refresh"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// EntityStatus is a snapshot of one entity type
type EntityStatus struct {
	Entity      string             `json:"entity"`
	State       State              `json:"state"`
	StartedAt   time.Time          `json:"started_at,omitempty"`
	FinishedAt  time.Time          `json:"finished_at,omitempty"`
	LastSummary *reconcile.Summary `json:"last_summary,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
}

// StatusBoard tracks the state machine of every entity type. A nil board
// ignores updates.
type StatusBoard struct {
	mu      sync.RWMutex
	entries map[string]*EntityStatus
	now     func() time.Time
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{
		entries: make(map[string]*EntityStatus),
		now:     time.Now,
	}
}

func (b *StatusBoard) entry(entity string) *EntityStatus {
	e, ok := b.entries[entity]
	if !ok {
		e = &EntityStatus{Entity: entity, State: StateIdle}
		b.entries[entity] = e
	}
	return e
}

// Begin moves entity to fetching and stamps the start time
func (b *StatusBoard) Begin(entity string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(entity)
	e.State = StateFetching
	e.StartedAt = b.now()
	e.LastError = ""
}

// Set moves entity to an intermediate state
func (b *StatusBoard) Set(entity string, state State) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entry(entity).State = state
}

// Finish records the outcome of a pass
func (b *StatusBoard) Finish(entity string, summary *reconcile.Summary, err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(entity)
	e.FinishedAt = b.now()
	if summary != nil {
		e.LastSummary = summary
	}
	if err != nil {
		e.State = StateFailed
		e.LastError = err.Error()
		return
	}
	e.State = StateDone
}

// Get returns a copy of one entity's status
func (b *StatusBoard) Get(entity string) EntityStatus {
	if b == nil {
		return EntityStatus{Entity: entity, State: StateIdle}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e, ok := b.entries[entity]; ok {
		return *e
	}
	return EntityStatus{Entity: entity, State: StateIdle}
}

// Snapshot returns every tracked entity, sorted by name
func (b *StatusBoard) Snapshot() []EntityStatus {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]EntityStatus, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}
