package state_store

import (
	"errors"
	"testing"
)

func TestInMemoryStoreTracksSessionState(t *testing.T) {
	store := NewInMemoryStore(0)

	if got := store.CurrentTurn("s"); got != 0 {
		t.Fatalf("expected turn 0 for new session, got %d", got)
	}
	if got := store.AdvanceTurn("s"); got != 1 {
		t.Fatalf("expected turn 1, got %d", got)
	}
	store.SetActiveSkill("s", " review ")
	if got := store.ActiveSkill("s"); got != "review" {
		t.Fatalf("expected trimmed skill, got %q", got)
	}

	if got := store.ReserveInjectionTokens("s", 40); got != 40 {
		t.Fatalf("expected 40 reserved, got %d", got)
	}
	if got := store.ReserveInjectionTokens("s", -5); got != 40 {
		t.Fatalf("expected negative reservation to be ignored, got %d", got)
	}
	if !store.AddInjectionFingerprint("s", "abc") {
		t.Fatalf("expected first fingerprint to be new")
	}
	if store.AddInjectionFingerprint("s", "abc") || store.AddInjectionFingerprint("s", " ") {
		t.Fatalf("expected duplicate and blank fingerprints to be rejected")
	}

	store.SetLatestCompactionSummary("s", CompactionSummary{EntryID: "e1", Summary: "digest"})
	latest, ok := store.LatestCompactionSummary("s")
	if !ok || latest.Summary != "digest" || latest.UpdatedAt.IsZero() {
		t.Fatalf("unexpected summary %+v (ok=%v)", latest, ok)
	}

	store.MarkPressureCompacted("s")
	store.MarkInjectionCompacted("s")
	store.ClearReservedInjectionTokensForSession("s")
	store.ClearInjectionFingerprintsForSession("s")

	state, err := store.Snapshot("s")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if state.Turn != 1 || state.ReservedInjectionTokens != 0 || len(state.InjectionFingerprints) != 0 {
		t.Fatalf("unexpected snapshot %+v", state)
	}
	if !state.PressureCompacted || !state.InjectionCompacted {
		t.Fatalf("expected both compaction flags, got %+v", state)
	}
	if state.LatestCompaction == nil || state.LatestCompaction.EntryID != "e1" {
		t.Fatalf("expected latest compaction e1, got %+v", state.LatestCompaction)
	}

	store.ClearLatestCompactionSummary("s")
	if _, ok := store.LatestCompactionSummary("s"); ok {
		t.Fatalf("expected summary to be cleared")
	}
}

func TestInMemoryStoreAdvanceTurnResetsReservation(t *testing.T) {
	store := NewInMemoryStore(4)
	store.ReserveInjectionTokens("s", 10)
	store.AdvanceTurn("s")
	state, err := store.Snapshot("s")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if state.ReservedInjectionTokens != 0 {
		t.Fatalf("expected reservation reset, got %d", state.ReservedInjectionTokens)
	}
}

func TestInMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := NewInMemoryStore(2)
	store.AdvanceTurn("a")
	store.AdvanceTurn("b")
	store.AdvanceTurn("a")
	store.AdvanceTurn("c")

	if store.Len() != 2 {
		t.Fatalf("expected 2 resident sessions, got %d", store.Len())
	}
	if _, err := store.Snapshot("b"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected b to be evicted, got %v", err)
	}
	if got := store.CurrentTurn("a"); got != 2 {
		t.Fatalf("expected a at turn 2, got %d", got)
	}
}

func TestInMemoryStoreClearsOnUnknownSessionAreNoops(t *testing.T) {
	store := NewInMemoryStore(2)
	store.ClearInjectionFingerprintsForSession("ghost")
	store.ClearReservedInjectionTokensForSession("ghost")
	store.ClearLatestCompactionSummary("ghost")
	if store.Len() != 0 {
		t.Fatalf("expected clears not to create sessions, got %d", store.Len())
	}
}
