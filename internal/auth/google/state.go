package google

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// stateTTL bounds how long a started OAuth flow stays redeemable.
const stateTTL = 10 * time.Minute

// StateStore maps CSRF state tokens to the tenant that initiated the OAuth
// flow, so the callback can be attributed without a session cookie.
type StateStore struct {
	mu     sync.Mutex
	states map[string]stateEntry
	now    func() time.Time
}

type stateEntry struct {
	tenantID string
	issuedAt time.Time
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{
		states: make(map[string]stateEntry),
		now:    time.Now,
	}
}

// Issue creates a fresh state token bound to tenantID.
func (s *StateStore) Issue(tenantID string) string {
	b := make([]byte, 16)
	rand.Read(b)
	state := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.states[state] = stateEntry{tenantID: tenantID, issuedAt: s.now()}
	return state
}

// Redeem consumes a state token and returns the tenant it was issued to.
// A token can be redeemed at most once.
func (s *StateStore) Redeem(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.states[state]
	if !ok {
		return "", false
	}
	delete(s.states, state)
	if s.now().Sub(entry.issuedAt) > stateTTL {
		return "", false
	}
	return entry.tenantID, true
}

// prune drops expired entries. Caller holds the lock.
func (s *StateStore) prune() {
	cutoff := s.now().Add(-stateTTL)
	for state, entry := range s.states {
		if entry.issuedAt.Before(cutoff) {
			delete(s.states, state)
		}
	}
}
