package state_store

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxSessions = 1024

// sessionEntry is the mutable record behind a SessionState.
type sessionEntry struct {
	turn               int
	activeSkill        string
	reservedTokens     int
	fingerprints       map[string]struct{}
	latest             *CompactionSummary
	pressureCompacted  bool
	injectionCompacted bool
}

// InMemoryStore keeps session state in an LRU so idle sessions are evicted
// once the capacity is reached.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions *lru.Cache[string, *sessionEntry]
	now      func() time.Time
}

// NewInMemoryStore constructs a store holding at most maxSessions sessions.
// Non-positive values fall back to the default capacity.
func NewInMemoryStore(maxSessions int) *InMemoryStore {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	cache, err := lru.New[string, *sessionEntry](maxSessions)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &InMemoryStore{sessions: cache, now: time.Now}
}

func (s *InMemoryStore) entryLocked(sessionID string) *sessionEntry {
	if entry, ok := s.sessions.Get(sessionID); ok {
		return entry
	}
	entry := &sessionEntry{fingerprints: make(map[string]struct{})}
	s.sessions.Add(sessionID, entry)
	return entry
}

func (s *InMemoryStore) peek(sessionID string) (*sessionEntry, bool) {
	return s.sessions.Peek(sessionID)
}

// CurrentTurn returns the session's turn, or 0 for an unknown session.
func (s *InMemoryStore) CurrentTurn(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.peek(sessionID); ok {
		return entry.turn
	}
	return 0
}

// AdvanceTurn increments the turn counter and resets per-turn reservations.
func (s *InMemoryStore) AdvanceTurn(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(sessionID)
	entry.turn++
	entry.reservedTokens = 0
	return entry.turn
}

// ActiveSkill returns the skill bound to the session, if any.
func (s *InMemoryStore) ActiveSkill(sessionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.peek(sessionID); ok {
		return entry.activeSkill
	}
	return ""
}

// SetActiveSkill binds skill to the session. An empty name clears it.
func (s *InMemoryStore) SetActiveSkill(sessionID, skill string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(sessionID).activeSkill = strings.TrimSpace(skill)
}

// ReserveInjectionTokens adds tokens to the session's reservation and returns
// the new total. Negative amounts are ignored.
func (s *InMemoryStore) ReserveInjectionTokens(sessionID string, tokens int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(sessionID)
	if tokens > 0 {
		entry.reservedTokens += tokens
	}
	return entry.reservedTokens
}

// AddInjectionFingerprint reports false when the fingerprint was already seen.
func (s *InMemoryStore) AddInjectionFingerprint(sessionID, fingerprint string) bool {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(sessionID)
	if _, seen := entry.fingerprints[fingerprint]; seen {
		return false
	}
	entry.fingerprints[fingerprint] = struct{}{}
	return true
}

// ClearReservedInjectionTokensForSession zeroes the reservation. Unknown
// sessions are left alone.
func (s *InMemoryStore) ClearReservedInjectionTokensForSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.peek(sessionID); ok {
		entry.reservedTokens = 0
	}
}

// ClearInjectionFingerprintsForSession forgets every injected fingerprint.
func (s *InMemoryStore) ClearInjectionFingerprintsForSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.peek(sessionID); ok {
		entry.fingerprints = make(map[string]struct{})
	}
}

// SetLatestCompactionSummary replaces the session's summary, stamping
// UpdatedAt when the caller left it zero.
func (s *InMemoryStore) SetLatestCompactionSummary(sessionID string, summary CompactionSummary) {
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(sessionID).latest = &summary
}

// ClearLatestCompactionSummary drops the session's summary.
func (s *InMemoryStore) ClearLatestCompactionSummary(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.peek(sessionID); ok {
		entry.latest = nil
	}
}

// LatestCompactionSummary returns the most recent summary and whether one exists.
func (s *InMemoryStore) LatestCompactionSummary(sessionID string) (CompactionSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.peek(sessionID)
	if !ok || entry.latest == nil {
		return CompactionSummary{}, false
	}
	return *entry.latest, true
}

// MarkPressureCompacted records that budget pressure compacted the session.
func (s *InMemoryStore) MarkPressureCompacted(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(sessionID).pressureCompacted = true
}

// MarkInjectionCompacted records that injected context was compacted.
func (s *InMemoryStore) MarkInjectionCompacted(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(sessionID).injectionCompacted = true
}

// Snapshot returns a copy of the session's state.
func (s *InMemoryStore) Snapshot(sessionID string) (SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.peek(sessionID)
	if !ok {
		return SessionState{}, ErrSessionNotFound
	}
	state := SessionState{
		SessionID:               sessionID,
		Turn:                    entry.turn,
		ActiveSkill:             entry.activeSkill,
		ReservedInjectionTokens: entry.reservedTokens,
		PressureCompacted:       entry.pressureCompacted,
		InjectionCompacted:      entry.injectionCompacted,
	}
	for fp := range entry.fingerprints {
		state.InjectionFingerprints = append(state.InjectionFingerprints, fp)
	}
	sort.Strings(state.InjectionFingerprints)
	if entry.latest != nil {
		latest := *entry.latest
		state.LatestCompaction = &latest
	}
	return state, nil
}

// Len reports how many sessions are resident.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions.Len()
}
