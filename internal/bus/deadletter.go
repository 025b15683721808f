package bus

import (
	"sync"
	"time"
)

// DeadLetterEntry is an envelope that exhausted delivery, keyed by its
// correlation id so the owning subtask can be traced back.
type DeadLetterEntry struct {
	Envelope  Envelope
	Reason    string
	StoredAt  time.Time
	ExpiresAt time.Time
}

// deadLetterStore holds exhausted envelopes until their TTL lapses. Purging
// is lazy on access plus an explicit PurgeExpired; the store owns no
// goroutine.
type deadLetterStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]DeadLetterEntry
	now     func() time.Time
}

func newDeadLetterStore(ttl time.Duration) *deadLetterStore {
	return &deadLetterStore{
		ttl:     ttl,
		entries: make(map[string]DeadLetterEntry),
		now:     time.Now,
	}
}

func (s *deadLetterStore) add(env Envelope, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[env.CorrelationID] = DeadLetterEntry{
		Envelope:  env,
		Reason:    reason,
		StoredAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
}

func (s *deadLetterStore) get(correlationID string) (DeadLetterEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[correlationID]
	if !ok {
		return DeadLetterEntry{}, false
	}
	if s.now().After(entry.ExpiresAt) {
		delete(s.entries, correlationID)
		return DeadLetterEntry{}, false
	}
	return entry, true
}

func (s *deadLetterStore) purgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	purged := 0
	for id, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, id)
			purged++
		}
	}
	return purged
}

func (s *deadLetterStore) purgeSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, entry := range s.entries {
		if entry.Envelope.SessionID == sessionID {
			delete(s.entries, id)
			purged++
		}
	}
	return purged
}

func (s *deadLetterStore) snapshot() []DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]DeadLetterEntry, 0, len(s.entries))
	for id, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, id)
			continue
		}
		out = append(out, entry)
	}
	return out
}
