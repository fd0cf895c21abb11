// ============================================================================
// Sync Status Tracker - per-entity state machine
// ============================================================================
//
// Package: internal/status
// File: tracker.go
//
// State machine:
//
//	(none) ──enqueue──▶ pending ──reconcile/flush──▶ syncing ──▶ synced
//	                                                     │
//	                                                     └──────▶ error ──retry──▶ syncing
//
//   - synced → pending when new work is enqueued for a settled entity
//   - syncing → pending when work arrived while a flush was running
//   - pending/synced → synced when a flush finds nothing to do
//
// An entity with no recorded status is reported as synced.
//
// ============================================================================

package status

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

// ErrInvalidTransition is returned when a transition is not part of the state machine.
var ErrInvalidTransition = errors.New("invalid sync status transition")

// none is the implicit state of an entity the tracker has never seen.
const none types.SyncStatus = ""

var transitions = map[types.SyncStatus][]types.SyncStatus{
	none:                {types.StatusPending, types.StatusSyncing, types.StatusSynced},
	types.StatusPending: {types.StatusSyncing, types.StatusSynced},
	types.StatusSyncing: {types.StatusSynced, types.StatusError, types.StatusPending},
	types.StatusSynced:  {types.StatusPending, types.StatusSyncing},
	types.StatusError:   {types.StatusSyncing},
}

// ChangeFunc is notified after every status change.
type ChangeFunc func(id types.EntityID, from, to types.SyncStatus)

// Tracker keeps the current sync status per entity.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[types.EntityID]types.SyncStatus
	onChange ChangeFunc
}

// NewTracker creates an empty tracker. onChange may be nil.
func NewTracker(onChange ChangeFunc) *Tracker {
	return &Tracker{
		statuses: make(map[types.EntityID]types.SyncStatus),
		onChange: onChange,
	}
}

// CanTransition reports whether from → to is allowed. Staying in the same state
// is always allowed.
func CanTransition(from, to types.SyncStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Get returns the recorded status and whether one exists.
func (t *Tracker) Get(id types.EntityID) (types.SyncStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[id]
	return s, ok
}

// Status returns the recorded status, or synced when nothing is recorded.
func (t *Tracker) Status(id types.EntityID) types.SyncStatus {
	if s, ok := t.Get(id); ok {
		return s
	}
	return types.StatusSynced
}

// Transition moves id to the given status.
func (t *Tracker) Transition(id types.EntityID, to types.SyncStatus) error {
	t.mu.Lock()
	from := t.statuses[id]
	if !CanTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s %q -> %q", ErrInvalidTransition, id, from, to)
	}
	t.statuses[id] = to
	t.mu.Unlock()

	t.notify(id, from, to)
	return nil
}

// Migrate moves the status recorded under from to to. A pending status becomes
// syncing since a reconciled entity can be sent; an absent one starts as syncing.
func (t *Tracker) Migrate(from, to types.EntityID) types.SyncStatus {
	t.mu.Lock()
	prev, ok := t.statuses[from]
	delete(t.statuses, from)

	next := prev
	if !ok || prev == types.StatusPending {
		next = types.StatusSyncing
	}
	before := t.statuses[to]
	t.statuses[to] = next
	t.mu.Unlock()

	t.notify(to, before, next)
	return next
}

// Delete forgets id.
func (t *Tracker) Delete(id types.EntityID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statuses, id)
}

// Counts returns how many entities are in each status.
func (t *Tracker) Counts() map[types.SyncStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[types.SyncStatus]int, 4)
	for _, s := range t.statuses {
		out[s]++
	}
	return out
}

// Reset forgets every entity.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses = make(map[types.EntityID]types.SyncStatus)
}

func (t *Tracker) notify(id types.EntityID, from, to types.SyncStatus) {
	if t.onChange != nil && from != to {
		t.onChange(id, from, to)
	}
}

// Keys returns every entity with a recorded status.
func (t *Tracker) Keys() []types.EntityID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.EntityID, 0, len(t.statuses))
	for id := range t.statuses {
		out = append(out, id)
	}
	return out
}
