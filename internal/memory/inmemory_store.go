package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore implements Store for tests and local runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Entry // sessionID -> topic key -> entry
}

// NewInMemoryStore constructs an in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]map[string]Entry),
	}
}

func topicKey(topic string) string {
	return strings.ToLower(strings.Join(strings.Fields(topic), " "))
}

// Upsert replaces an existing entry with the same topic in the session.
func (s *InMemoryStore) Upsert(_ context.Context, entry Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics, ok := s.records[entry.SessionID]
	if !ok {
		topics = make(map[string]Entry)
		s.records[entry.SessionID] = topics
	}
	key := topicKey(entry.Topic)
	if existing, ok := topics[key]; ok {
		entry.Key = existing.Key
		entry.CreatedAt = existing.CreatedAt
	}
	topics[key] = entry
	return entry, nil
}

// Search returns entries that overlap with the query terms, most recently
// updated first.
func (s *InMemoryStore) Search(_ context.Context, query Query) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.records[query.SessionID]
	if len(candidates) == 0 {
		return nil, nil
	}

	termSet := make(map[string]bool, len(query.Terms))
	for _, term := range query.Terms {
		termSet[strings.ToLower(term)] = true
	}
	if len(termSet) == 0 {
		return nil, nil
	}

	var results []Entry
	for _, entry := range candidates {
		if matchesTerms(entry.Terms, termSet) {
			results = append(results, entry)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].UpdatedAt.Equal(results[j].UpdatedAt) {
			return results[i].UpdatedAt.After(results[j].UpdatedAt)
		}
		return results[i].Topic < results[j].Topic
	})
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

// Len returns the number of entries stored for a session.
func (s *InMemoryStore) Len(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[sessionID])
}

func matchesTerms(entryTerms []string, query map[string]bool) bool {
	for _, term := range entryTerms {
		if query[strings.ToLower(term)] {
			return true
		}
	}
	return false
}
