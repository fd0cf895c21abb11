package remote

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/mutation-queue/internal/transport"
)

var (
	// ErrNotFound is returned for unknown or deleted entries.
	ErrNotFound = errors.New("entry not found")
	// ErrInvalidField is returned when an update names an unknown field or a wrong type.
	ErrInvalidField = errors.New("invalid field")
	// ErrNotRunning is returned when stopping an entry whose timer is not running.
	ErrNotRunning = errors.New("timer not running")
)

// Store is the service's in-memory entry table. Ids are issued sequentially from 1.
type Store struct {
	mu      sync.Mutex
	entries map[int64]*transport.Entry
	nextID  int64
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[int64]*transport.Entry),
		nextID:  1,
		now:     time.Now,
	}
}

// Create stores a new running entry built from fields.
func (s *Store) Create(fields map[string]any) (transport.Entry, error) {
	e := transport.Entry{Running: true}
	if err := apply(&e, fields); err != nil {
		return transport.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.nextID
	s.nextID++
	e.CreatedAt = s.now().UTC()
	e.UpdatedAt = e.CreatedAt
	s.entries[e.ID] = &e
	return e, nil
}

// Get returns a copy of the entry.
func (s *Store) Get(id int64) (transport.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return transport.Entry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return clone(e), nil
}

// Update applies a partial update. Nothing is changed when any field is invalid.
func (s *Store) Update(id int64, fields map[string]any) (transport.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return transport.Entry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	next := clone(e)
	if err := apply(&next, fields); err != nil {
		return transport.Entry{}, err
	}
	next.UpdatedAt = s.now().UTC()
	s.entries[id] = &next
	return clone(&next), nil
}

// Delete removes the entry.
func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(s.entries, id)
	return nil
}

// Stop stops a running timer.
func (s *Store) Stop(id int64) (transport.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return transport.Entry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if !e.Running {
		return transport.Entry{}, fmt.Errorf("%w: %d", ErrNotRunning, id)
	}
	e.Running = false
	e.UpdatedAt = s.now().UTC()
	return clone(e), nil
}

// List returns all entries ordered by id.
func (s *Store) List() []transport.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clone(e *transport.Entry) transport.Entry {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	return c
}

// apply copies known fields onto e. JSON numbers and arrays arrive as
// float64 and []any.
func apply(e *transport.Entry, fields map[string]any) error {
	for k, v := range fields {
		switch k {
		case "description":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%w: description must be a string", ErrInvalidField)
			}
			e.Description = s
		case "projectName":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%w: projectName must be a string", ErrInvalidField)
			}
			e.ProjectName = s
		case "billable":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("%w: billable must be a boolean", ErrInvalidField)
			}
			e.Billable = b
		case "tags":
			tags, err := toStrings(v)
			if err != nil {
				return err
			}
			e.Tags = tags
		default:
			return fmt.Errorf("%w: unknown field %q", ErrInvalidField, k)
		}
	}
	return nil
}

func toStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: tags must be strings", ErrInvalidField)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: tags must be a list", ErrInvalidField)
}
