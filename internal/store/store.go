// Package store persists session records and the processed-message log so
// that session state can outlive a single process.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("store: session not found")

// Record is the persisted view of a session.
type Record struct {
	ID            string            `json:"id"`
	ClientID      string            `json:"client_id,omitempty"`
	Authenticated bool              `json:"authenticated"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Store is the session storage adapter.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	Set(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
	// CleanupBefore deletes records whose last activity is before t and
	// reports how many were removed.
	CleanupBefore(ctx context.Context, t time.Time) (int, error)
}

// MessageLog remembers processed message ids for duplicate suppression and
// the delivery status of outbound messages.
type MessageLog interface {
	IsProcessed(ctx context.Context, msgID string) (bool, error)
	MarkProcessed(ctx context.Context, msgID string, ttl time.Duration) error
	SetDeliveryStatus(ctx context.Context, msgID, status string, ttl time.Duration) error
	DeliveryStatus(ctx context.Context, msgID string) (string, error)
}

type expiring struct {
	value    string
	expireAt time.Time
}

type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]Record
	processed map[string]time.Time
	statuses  map[string]expiring
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]Record),
		processed: make(map[string]time.Time),
		statuses:  make(map[string]expiring),
		now:       time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) Set(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("store: record id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// List returns records ordered by creation time.
func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, cloneRecord(rec))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CleanupBefore(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.sessions {
		if rec.LastActivity.Before(t) {
			delete(m.sessions, id)
			n++
		}
	}
	now := m.now()
	for id, expireAt := range m.processed {
		if !now.Before(expireAt) {
			delete(m.processed, id)
		}
	}
	for id, s := range m.statuses {
		if !now.Before(s.expireAt) {
			delete(m.statuses, id)
		}
	}
	return n, nil
}

func (m *MemoryStore) IsProcessed(_ context.Context, msgID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expireAt, ok := m.processed[msgID]
	if !ok {
		return false, nil
	}
	return m.now().Before(expireAt), nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, msgID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[msgID] = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) SetDeliveryStatus(_ context.Context, msgID, status string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[msgID] = expiring{value: status, expireAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) DeliveryStatus(_ context.Context, msgID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[msgID]
	if !ok || !m.now().Before(s.expireAt) {
		return "", nil
	}
	return s.value, nil
}

func cloneRecord(rec Record) Record {
	if rec.Capabilities != nil {
		rec.Capabilities = append([]string(nil), rec.Capabilities...)
	}
	if rec.Metadata != nil {
		md := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			md[k] = v
		}
		rec.Metadata = md
	}
	return rec
}
