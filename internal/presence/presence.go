// Package presence tracks online state and last-seen timestamps.
//
// Online markers carry a TTL refreshed by connection heartbeats, so a
// connection the client dropped without a close frame goes offline once the
// TTL lapses instead of staying online forever.
package presence

import (
	"context"
	"sync"
	"time"
)

// Store is the presence authority the fan-out core consults. Reads are
// snapshots: a user coming online concurrently with an IsOnline check is an
// accepted race, not an error.
type Store interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	LastSeen(ctx context.Context, userID string) (time.Time, error)
}

type memoryEntry struct {
	expiresAt time.Time
	lastSeen  time.Time
}

// MemoryStore is the in-process presence store used when no Redis address
// is configured, and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) SetOnline(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[userID] = memoryEntry{expiresAt: now.Add(s.ttl), lastSeen: now}
	return nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, userID string) error {
	return s.SetOnline(ctx, userID)
}

func (s *MemoryStore) SetOffline(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[userID] = memoryEntry{expiresAt: now, lastSeen: now}
	return nil
}

func (s *MemoryStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[userID]
	if !ok {
		return false, nil
	}
	return entry.expiresAt.After(s.now()), nil
}

func (s *MemoryStore) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[userID]
	if !ok {
		return time.Time{}, nil
	}
	return entry.lastSeen, nil
}
