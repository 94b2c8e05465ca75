// Package ledger stores the evidence trail written for tool calls and
// engine-side operations such as compaction.
package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Verdict classifies what a ledger entry proves.
type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictFail         Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

var (
	// ErrEntryNotFound is returned when an entry id is unknown.
	ErrEntryNotFound = errors.New("ledger: entry not found")
	// ErrSessionRequired is returned when an entry has no session id.
	ErrSessionRequired = errors.New("ledger: session id required")
)

// Entry is one append-only evidence row.
type Entry struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Turn          int            `json:"turn"`
	Skill         string         `json:"skill,omitempty"`
	Tool          string         `json:"tool"`
	ArgsSummary   string         `json:"args_summary"`
	OutputSummary string         `json:"output_summary"`
	FullOutput    string         `json:"full_output,omitempty"`
	Verdict       Verdict        `json:"verdict"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Ledger appends and lists evidence entries.
type Ledger interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	List(ctx context.Context, sessionID string) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
}

// prepare validates entry and fills the id and timestamp.
func prepare(entry Entry, now time.Time) (Entry, error) {
	entry.SessionID = strings.TrimSpace(entry.SessionID)
	if entry.SessionID == "" {
		return Entry{}, ErrSessionRequired
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now.UTC()
	}
	if entry.Verdict == "" {
		entry.Verdict = VerdictInconclusive
	}
	return entry, nil
}

// InMemoryLedger keeps entries in process memory.
type InMemoryLedger struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
}

// NewInMemoryLedger constructs an empty ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{byID: make(map[string]int)}
}

// Append stores entry and returns it with its id populated.
func (l *InMemoryLedger) Append(ctx context.Context, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	entry, err := prepare(entry, time.Now())
	if err != nil {
		return Entry{}, err
	}
	entry.Metadata = copyMetadata(entry.Metadata)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[entry.ID] = len(l.entries)
	l.entries = append(l.entries, entry)
	return entry, nil
}

// List returns a session's entries oldest first.
func (l *InMemoryLedger) List(ctx context.Context, sessionID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, entry := range l.entries {
		if entry.SessionID == sessionID {
			entry.Metadata = copyMetadata(entry.Metadata)
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns a single entry.
func (l *InMemoryLedger) Get(ctx context.Context, id string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	entry := l.entries[idx]
	entry.Metadata = copyMetadata(entry.Metadata)
	return entry, nil
}

func copyMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
