package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps logs in process. Logs are stored encoded so callers
// never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]byte
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string][]byte),
		now:  time.Now,
	}
}

// Create starts a new log at version 1.
func (s *MemoryStore) Create(_ context.Context, intent, userID string) (*AuditLog, error) {
	l := newLog(uuid.New().String(), intent, userID, s.now())
	l.Version = 1

	data, err := encode(l)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.logs[l.ID] = data
	s.mu.Unlock()
	return l, nil
}

// Get loads a log.
func (s *MemoryStore) Get(_ context.Context, id string) (*AuditLog, error) {
	s.mu.RLock()
	data, ok := s.logs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

// Update writes log when its version matches.
func (s *MemoryStore) Update(_ context.Context, l *AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.logs[l.ID]
	if !ok {
		return ErrNotFound
	}
	stored, err := decode(data)
	if err != nil {
		return err
	}
	if stored.Version != l.Version {
		return fmt.Errorf("%w: have %d, stored %d", ErrVersionConflict, l.Version, stored.Version)
	}

	prevVersion, prevUpdated := l.Version, l.UpdatedAt
	l.Version++
	l.UpdatedAt = s.now()
	next, err := encode(l)
	if err != nil {
		l.Version, l.UpdatedAt = prevVersion, prevUpdated
		return err
	}
	s.logs[l.ID] = next
	return nil
}

// ListByUser returns the newest logs of userID first.
func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditLog
	for _, data := range s.logs {
		l, err := decode(data)
		if err != nil {
			continue
		}
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	sortNewestFirst(out)
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}
