package state_store

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session has no recorded state.
var ErrSessionNotFound = errors.New("session state not found")

// CompactionSummary is the latest compaction digest kept for a session.
type CompactionSummary struct {
	EntryID   string    `json:"entry_id,omitempty"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionState is the mutable per-session context bookkeeping.
type SessionState struct {
	SessionID               string             `json:"session_id"`
	Turn                    int                `json:"turn"`
	ActiveSkill             string             `json:"active_skill,omitempty"`
	ReservedInjectionTokens int                `json:"reserved_injection_tokens"`
	InjectionFingerprints   []string           `json:"injection_fingerprints,omitempty"`
	LatestCompaction        *CompactionSummary `json:"latest_compaction,omitempty"`
	PressureCompacted       bool               `json:"pressure_compacted"`
	InjectionCompacted      bool               `json:"injection_compacted"`
}

// Store defines the behaviour required by the session lifecycle.
type Store interface {
	CurrentTurn(sessionID string) int
	AdvanceTurn(sessionID string) int
	ActiveSkill(sessionID string) string
	SetActiveSkill(sessionID, skill string)
	ReserveInjectionTokens(sessionID string, tokens int) int
	AddInjectionFingerprint(sessionID, fingerprint string) bool
	ClearReservedInjectionTokensForSession(sessionID string)
	ClearInjectionFingerprintsForSession(sessionID string)
	SetLatestCompactionSummary(sessionID string, summary CompactionSummary)
	ClearLatestCompactionSummary(sessionID string)
	LatestCompactionSummary(sessionID string) (CompactionSummary, bool)
	MarkPressureCompacted(sessionID string)
	MarkInjectionCompacted(sessionID string)
	Snapshot(sessionID string) (SessionState, error)
}
