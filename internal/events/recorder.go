// Package events holds the append-only event recorder the engine writes its
// operational trace to.
package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the session lifecycle.
const (
	TypeContextCompacted              = "context_compacted"
	TypeContextExternalRecallDecision = "context_external_recall_decision"
)

// ErrSessionRequired is returned when an event has no session id.
var ErrSessionRequired = errors.New("events: session id required")

// Input is a request to record one event. A nil Turn is omitted from the record.
type Input struct {
	SessionID          string
	Type               string
	Turn               *int
	Payload            map[string]any
	Timestamp          time.Time
	SkipTapeCheckpoint bool
}

// Record is an event after it has been appended. Records are never mutated.
type Record struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Turn      *int           `json:"turn,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Recorder appends events. A nil record with a nil error means the recorder
// chose not to persist the event.
type Recorder interface {
	RecordEvent(ctx context.Context, input Input) (*Record, error)
}

// Listener observes events after they are recorded.
type Listener interface {
	OnEvent(record Record)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Record)

// OnEvent calls f.
func (f ListenerFunc) OnEvent(record Record) { f(record) }

// InMemoryRecorder keeps events in process memory. It backs tests and the CLI.
type InMemoryRecorder struct {
	mu        sync.RWMutex
	records   []Record
	listeners []Listener
	now       func() time.Time
}

// NewInMemoryRecorder constructs an empty recorder.
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{now: time.Now}
}

// Subscribe registers a listener invoked synchronously after each append.
func (r *InMemoryRecorder) Subscribe(listener Listener) {
	if listener == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, listener)
	r.mu.Unlock()
}

// RecordEvent appends the event with a fresh id.
func (r *InMemoryRecorder) RecordEvent(ctx context.Context, input Input) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sessionID := strings.TrimSpace(input.SessionID)
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	ts := input.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	record := Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      input.Type,
		Turn:      copyTurn(input.Turn),
		Payload:   copyPayload(input.Payload),
		Timestamp: ts,
	}

	r.mu.Lock()
	r.records = append(r.records, record)
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, listener := range listeners {
		listener.OnEvent(record)
	}
	out := record
	return &out, nil
}

// Records returns the events for a session in append order. An empty session
// id returns every event.
func (r *InMemoryRecorder) Records(sessionID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, record := range r.records {
		if sessionID == "" || record.SessionID == sessionID {
			out = append(out, record)
		}
	}
	return out
}

// RecordsOfType filters a session's events by type.
func (r *InMemoryRecorder) RecordsOfType(sessionID, eventType string) []Record {
	var out []Record
	for _, record := range r.Records(sessionID) {
		if record.Type == eventType {
			out = append(out, record)
		}
	}
	return out
}

func copyTurn(turn *int) *int {
	if turn == nil {
		return nil
	}
	v := *turn
	return &v
}

func copyPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
