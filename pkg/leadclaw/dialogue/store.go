package dialogue

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// SessionKey uniquely identifies a conversation across channels.
type SessionKey struct {
	Channel string
	ChatID  string
}

// String returns "<channel>:<chatID>".
func (k SessionKey) String() string {
	return k.Channel + ":" + k.ChatID
}

// Hash returns a short stable digest of the key, safe for log lines.
func (k SessionKey) Hash() string {
	h := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(h[:8])
}

// Store maps conversation identifiers to sessions.
type Store interface {
	// GetOrCreate returns the session for id, creating it in StageIdle on
	// first use. Repeated calls return the same instance.
	GetOrCreate(id string) *Session

	// Save commits mutations made to a session.
	Save(s *Session)
}

// storeEntry pairs the live session with a copy taken at the last Save so
// readers never observe a session mid-mutation.
type storeEntry struct {
	session  *Session
	snapshot Session
}

// MemoryStore is a process-local Store with idle-time eviction.
type MemoryStore struct {
	entries map[string]*storeEntry
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
}

// NewMemoryStore creates a store whose sessions expire after ttl of
// inactivity. A zero ttl disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*storeEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// GetOrCreate implements Store.
func (m *MemoryStore) GetOrCreate(id string) *Session {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		return e.session
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if e, ok := m.entries[id]; ok {
		return e.session
	}

	now := m.now()
	s := &Session{
		ID:         id,
		Phone:      ExtractPhone(id),
		Stage:      StageIdle,
		CreatedAt:  now,
		LastActive: now,
	}
	m.entries[id] = &storeEntry{session: s, snapshot: *s}
	return s
}

// Save implements Store. Saving a session that was pruned in the meantime
// puts it back.
func (m *MemoryStore) Save(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.LastActive = m.now()
	e, ok := m.entries[s.ID]
	if !ok || e.session != s {
		e = &storeEntry{session: s}
		m.entries[s.ID] = e
	}
	e.snapshot = *s
}

// Prune removes sessions idle for longer than the ttl and returns how many
// were removed.
func (m *MemoryStore) Prune() int {
	if m.ttl <= 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.ttl)
	pruned := 0
	for id, e := range m.entries {
		if e.snapshot.LastActive.Before(cutoff) {
			delete(m.entries, id)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// List returns copies of every session as of its last Save, most recently
// active first.
func (m *MemoryStore) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}
