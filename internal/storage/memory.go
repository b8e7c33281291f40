package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quanlan-server/quanlan-server/internal/models"
)

// MemoryStore keeps event logs in memory, bounded to the most recent entries
type MemoryStore struct {
	mu     sync.RWMutex
	events []*models.EventLog
	max    int
}

// NewMemoryStore creates a memory store holding at most max events; zero
// means unbounded
func NewMemoryStore(max int) *MemoryStore {
	return &MemoryStore{max: max}
}

// CreateEventLog implements Store
func (s *MemoryStore) CreateEventLog(_ context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.ID == event.ID {
			return ErrDuplicateKey
		}
	}

	cp := *event
	s.events = append(s.events, &cp)
	if s.max > 0 && len(s.events) > s.max {
		s.events = s.events[len(s.events)-s.max:]
	}
	return nil
}

// ListEventLogs implements Store, newest first
func (s *MemoryStore) ListEventLogs(_ context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.EventLog
	for i := len(s.events) - 1; i >= 0; i-- {
		if filters.match(s.events[i]) {
			matched = append(matched, s.events[i])
		}
	}

	count := int64(len(matched))
	if offset >= len(matched) {
		return []*models.EventLog{}, count, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*models.EventLog, len(matched))
	for i, e := range matched {
		cp := *e
		out[i] = &cp
	}
	return out, count, nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
