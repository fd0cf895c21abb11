// Package idmap records which permanent identifier each temporary identifier
// was reconciled to.
package idmap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

var (
	// ErrAlreadyReconciled is returned when a temporary id is bound to a second permanent id.
	ErrAlreadyReconciled = errors.New("temporary id already reconciled")
	// ErrInvalidIdentifier is returned when the ids passed to Record have the wrong tags.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// Map is a write-once temp -> permanent mapping with reverse lookup.
type Map struct {
	mu      sync.RWMutex
	forward map[types.EntityID]types.EntityID
	reverse map[types.EntityID][]types.EntityID
}

// New returns an empty Map.
func New() *Map {
	return &Map{
		forward: make(map[types.EntityID]types.EntityID),
		reverse: make(map[types.EntityID][]types.EntityID),
	}
}

// Record binds temp to perm. Recording the same pair twice is a no-op; binding
// temp to a different permanent id returns ErrAlreadyReconciled.
func (m *Map) Record(temp, perm types.EntityID) error {
	if !temp.IsTemporary() || temp.IsZero() {
		return fmt.Errorf("%w: %s is not a temporary id", ErrInvalidIdentifier, temp)
	}
	if !perm.IsPermanent() {
		return fmt.Errorf("%w: %s is not a permanent id", ErrInvalidIdentifier, perm)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.forward[temp]; ok {
		if existing == perm {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s (requested %s)", ErrAlreadyReconciled, temp, existing, perm)
	}

	m.forward[temp] = perm
	m.reverse[perm] = append(m.reverse[perm], temp)
	return nil
}

// Resolve returns the permanent id for temp.
func (m *Map) Resolve(temp types.EntityID) (types.EntityID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perm, ok := m.forward[temp]
	return perm, ok
}

// Temporaries returns the temporary ids reconciled to perm, oldest first.
func (m *Map) Temporaries(perm types.EntityID) []types.EntityID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	temps := m.reverse[perm]
	if len(temps) == 0 {
		return nil
	}
	out := make([]types.EntityID, len(temps))
	copy(out, temps)
	return out
}

// Origin returns the first temporary id reconciled to perm.
func (m *Map) Origin(perm types.EntityID) (types.EntityID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	temps := m.reverse[perm]
	if len(temps) == 0 {
		return types.EntityID{}, false
	}
	return temps[0], true
}

// Len returns the number of recorded mappings.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forward)
}

// Reset drops every mapping.
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forward = make(map[types.EntityID]types.EntityID)
	m.reverse = make(map[types.EntityID][]types.EntityID)
}
