// Package memory is the working/long-term memory collaborator. It stores
// recall entries keyed by topic and accepts writeback of external recall hits.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"ctxbudget/internal/security/redaction"
)

// defaultRecallLimit bounds the number of memories returned for a single query.
const defaultRecallLimit = 5

// SourceExternalRecall tags entries written back from external recall.
const SourceExternalRecall = "external_recall"

var (
	// ErrNotInitialized is returned by a zero-value or nil service.
	ErrNotInitialized = errors.New("memory service not initialized")
	// ErrSessionRequired is returned when a request has no session id.
	ErrSessionRequired = errors.New("session_id is required")
)

// Entry captures a single memory record for a session.
type Entry struct {
	Key        string         `json:"key"`
	SessionID  string         `json:"session_id"`
	Topic      string         `json:"topic"`
	Content    string         `json:"content"`
	Keywords   []string       `json:"keywords,omitempty"`
	Terms      []string       `json:"terms,omitempty"`
	Confidence float64        `json:"confidence"`
	Similarity float64        `json:"similarity"`
	Source     string         `json:"source,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Query describes a recall request.
type Query struct {
	SessionID string   `json:"session_id"`
	Keywords  []string `json:"keywords"`
	Terms     []string `json:"terms,omitempty"`
	Limit     int      `json:"limit"`
}

// Store abstracts persistence for memories.
type Store interface {
	// Upsert inserts entry or replaces the entry with the same session and
	// topic, preserving its key and creation time.
	Upsert(ctx context.Context, entry Entry) (Entry, error)
	Search(ctx context.Context, query Query) ([]Entry, error)
}

// ExternalRecallHit is one result returned by an external recall search.
// A nil Confidence takes the ingest's default.
type ExternalRecallHit struct {
	Topic      string         `json:"topic"`
	Excerpt    string         `json:"excerpt"`
	Score      float64        `json:"score"`
	Confidence *float64       `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ExternalRecallIngest is a writeback request for hits that reached the prompt.
type ExternalRecallIngest struct {
	SessionID         string
	Query             string
	DefaultConfidence float64
	Hits              []ExternalRecallHit
}

// IngestResult reports how many hits were stored.
type IngestResult struct {
	Upserted int `json:"upserted"`
}

// Service provides higher-level memory operations.
type Service interface {
	Save(ctx context.Context, entry Entry) (Entry, error)
	Recall(ctx context.Context, query Query) ([]Entry, error)
	IngestExternalRecall(ctx context.Context, req ExternalRecallIngest) (IngestResult, error)
}

type service struct {
	store Store
	now   func() time.Time
}

// NewService constructs a memory service with the provided store.
func NewService(store Store) Service {
	return &service{store: store, now: time.Now}
}

// Save persists a memory entry after normalizing keywords and terms.
func (s *service) Save(ctx context.Context, entry Entry) (Entry, error) {
	if s == nil || s.store == nil {
		return entry, ErrNotInitialized
	}

	entry.SessionID = strings.TrimSpace(entry.SessionID)
	if entry.SessionID == "" {
		return entry, ErrSessionRequired
	}
	entry.Content = strings.TrimSpace(entry.Content)
	entry.Topic = strings.TrimSpace(entry.Topic)
	if entry.Content == "" && entry.Topic == "" {
		return entry, fmt.Errorf("content or topic is required")
	}
	if entry.Topic == "" {
		entry.Topic = deriveTopic(entry.Content)
	}

	entry.Keywords = normalizeKeywords(entry.Keywords)
	entry.Terms = collectTerms(entry.Topic+" "+entry.Content, entry.Keywords)
	entry.Metadata = redaction.RedactAnyMap(entry.Metadata)

	now := s.now()
	if entry.Key == "" {
		entry.Key = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	return s.store.Upsert(ctx, entry)
}

// Recall fetches memories for the session using the supplied keywords.
func (s *service) Recall(ctx context.Context, query Query) ([]Entry, error) {
	if s == nil || s.store == nil {
		return nil, ErrNotInitialized
	}

	query.SessionID = strings.TrimSpace(query.SessionID)
	if query.SessionID == "" {
		return nil, ErrSessionRequired
	}
	query.Keywords = normalizeKeywords(query.Keywords)
	query.Terms = collectTerms("", query.Keywords)
	if query.Limit <= 0 {
		query.Limit = defaultRecallLimit
	}

	return s.store.Search(ctx, query)
}

// IngestExternalRecall writes each usable hit back as a memory entry keyed by
// topic. Hits with neither topic nor excerpt are skipped. Metadata is redacted
// before it is stored.
func (s *service) IngestExternalRecall(ctx context.Context, req ExternalRecallIngest) (IngestResult, error) {
	if s == nil || s.store == nil {
		return IngestResult{}, ErrNotInitialized
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return IngestResult{}, ErrSessionRequired
	}
	query := strings.TrimSpace(req.Query)
	defaultConfidence := clampUnit(req.DefaultConfidence)

	var result IngestResult
	var errs []error
	for _, hit := range req.Hits {
		topic := strings.TrimSpace(hit.Topic)
		excerpt := strings.TrimSpace(hit.Excerpt)
		if topic == "" && excerpt == "" {
			continue
		}
		confidence := defaultConfidence
		if hit.Confidence != nil && finite(*hit.Confidence) {
			confidence = clampUnit(*hit.Confidence)
		}
		similarity := hit.Score
		if !finite(similarity) {
			similarity = 0
		}
		metadata := redaction.RedactAnyMap(hit.Metadata)
		if metadata == nil {
			metadata = map[string]any{}
		}
		if query != "" {
			metadata["query"] = query
		}

		if _, err := s.Save(ctx, Entry{
			SessionID:  sessionID,
			Topic:      topic,
			Content:    excerpt,
			Keywords:   tokenize(query),
			Confidence: confidence,
			Similarity: similarity,
			Source:     SourceExternalRecall,
			Metadata:   metadata,
		}); err != nil {
			errs = append(errs, fmt.Errorf("upsert %q: %w", topic, err))
			continue
		}
		result.Upserted++
	}
	return result, errors.Join(errs...)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clampUnit(v float64) float64 {
	switch {
	case !finite(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// deriveTopic uses the first few words of content as a topic.
func deriveTopic(content string) string {
	words := strings.Fields(content)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}

func normalizeKeywords(values []string) []string {
	seen := make(map[string]bool, len(values))
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.ToLower(strings.TrimSpace(value))
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		normalized = append(normalized, trimmed)
	}
	return normalized
}

func collectTerms(content string, keywords []string) []string {
	var combined []string
	combined = append(combined, keywords...)
	if content != "" {
		combined = append(combined, tokenize(content)...)
	}

	seen := make(map[string]bool, len(combined))
	terms := make([]string, 0, len(combined))
	for _, term := range combined {
		normalized := strings.ToLower(strings.TrimSpace(term))
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		terms = append(terms, normalized)
	}
	return terms
}

// tokenize splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
