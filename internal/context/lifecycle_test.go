package context

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxerrors "ctxbudget/internal/errors"
	"ctxbudget/internal/events"
	"ctxbudget/internal/ledger"
	"ctxbudget/internal/memory"
	"ctxbudget/internal/observability"
	sessionstate "ctxbudget/internal/session/state_store"
)

type lifecycleFixture struct {
	state    *sessionstate.InMemoryStore
	recorder *events.InMemoryRecorder
	ledger   *ledger.InMemoryLedger
	memory   *countingIngester
	life     *Lifecycle
}

type countingIngester struct {
	calls int
	inner memory.Service
	err   error
}

func (c *countingIngester) IngestExternalRecall(ctx context.Context, req memory.ExternalRecallIngest) (memory.IngestResult, error) {
	c.calls++
	if c.err != nil {
		return memory.IngestResult{}, c.err
	}
	return c.inner.IngestExternalRecall(ctx, req)
}

type countingRecorder struct {
	calls int
	err   error
}

func (c *countingRecorder) RecordEvent(context.Context, events.Input) (*events.Record, error) {
	c.calls++
	return nil, c.err
}

type failingLedger struct{ calls int }

func (f *failingLedger) Append(context.Context, ledger.Entry) (ledger.Entry, error) {
	f.calls++
	return ledger.Entry{}, errors.New("disk full")
}

func newLifecycleFixture(opts ...LifecycleOption) *lifecycleFixture {
	f := &lifecycleFixture{
		state:    sessionstate.NewInMemoryStore(16),
		recorder: events.NewInMemoryRecorder(),
		ledger:   ledger.NewInMemoryLedger(),
		memory:   &countingIngester{inner: memory.NewService(memory.NewInMemoryStore())},
	}
	f.life = NewLifecycle(LifecycleDeps{
		State:  f.state,
		Events: f.recorder,
		Ledger: f.ledger,
		Memory: f.memory,
	}, opts...)
	return f
}

func intPtr(v int) *int { return &v }

func TestCompleteCompactionAppliesAllEffects(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()

	f.state.AdvanceTurn("s1")
	f.state.AdvanceTurn("s1")
	f.state.SetActiveSkill("s1", "review")
	f.state.ReserveInjectionTokens("s1", 120)
	f.state.AddInjectionFingerprint("s1", "fp-1")

	err := f.life.CompleteCompaction(ctx, "s1", CompactionInput{
		FromTokens: intPtr(9000),
		ToTokens:   intPtr(2500),
		Summary:    "  kept the deploy plan  ",
		EntryID:    " entry-7 ",
	})
	require.NoError(t, err)

	snapshot, err := f.state.Snapshot("s1")
	require.NoError(t, err)
	assert.True(t, snapshot.PressureCompacted)
	assert.True(t, snapshot.InjectionCompacted)
	assert.Zero(t, snapshot.ReservedInjectionTokens)
	assert.Empty(t, snapshot.InjectionFingerprints)
	require.NotNil(t, snapshot.LatestCompaction)
	assert.Equal(t, "kept the deploy plan", snapshot.LatestCompaction.Summary)
	assert.Equal(t, "entry-7", snapshot.LatestCompaction.EntryID)

	compacted := f.recorder.RecordsOfType("s1", events.TypeContextCompacted)
	require.Len(t, compacted, 1)
	payload := compacted[0].Payload
	assert.Equal(t, 2, payload["turn"])
	assert.Equal(t, 9000, payload["fromTokens"])
	assert.Equal(t, 2500, payload["toTokens"])
	assert.Equal(t, "entry-7", payload["entryId"])
	assert.Equal(t, len("kept the deploy plan"), payload["summaryChars"])
	assert.NotContains(t, payload, "summary")

	entries, err := f.ledger.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, CompactionTool, entry.Tool)
	assert.Equal(t, "review", entry.Skill)
	assert.Equal(t, 2, entry.Turn)
	assert.Equal(t, ledger.VerdictInconclusive, entry.Verdict)
	assert.Contains(t, entry.OutputSummary, "9000 -> 2500")

	var full map[string]any
	require.NoError(t, json.Unmarshal([]byte(entry.FullOutput), &full))
	assert.Equal(t, 9000.0, full["fromTokens"])
}

func TestCompleteCompactionUnknownTokensAreNull(t *testing.T) {
	f := newLifecycleFixture()
	require.NoError(t, f.life.CompleteCompaction(context.Background(), "s1", CompactionInput{}))

	compacted := f.recorder.RecordsOfType("s1", events.TypeContextCompacted)
	require.Len(t, compacted, 1)
	assert.Nil(t, compacted[0].Payload["fromTokens"])
	assert.Nil(t, compacted[0].Payload["toTokens"])
	assert.Nil(t, compacted[0].Payload["entryId"])
	assert.Equal(t, 0, compacted[0].Payload["summaryChars"])

	entries, err := f.ledger.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Skill)
	assert.Contains(t, entries[0].OutputSummary, "unknown -> unknown")
}

func TestCompleteCompactionIsIdempotentWithoutSummary(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()

	f.state.SetLatestCompactionSummary("s1", sessionstate.CompactionSummary{Summary: "old"})
	require.NoError(t, f.life.CompleteCompaction(ctx, "s1", CompactionInput{Summary: "   "}))
	_, ok := f.state.LatestCompactionSummary("s1")
	assert.False(t, ok)

	require.NoError(t, f.life.CompleteCompaction(ctx, "s1", CompactionInput{}))
	_, ok = f.state.LatestCompactionSummary("s1")
	assert.False(t, ok)

	assert.Len(t, f.recorder.RecordsOfType("s1", events.TypeContextCompacted), 2)
	entries, err := f.ledger.List(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCompleteCompactionJoinsSinkErrorsAfterAllCalls(t *testing.T) {
	state := sessionstate.NewInMemoryStore(4)
	recorder := &countingRecorder{err: errors.New("tape offline")}
	book := &failingLedger{}
	reg := prometheus.NewRegistry()
	metrics := observability.NewContextMetricsWithRegisterer(reg)

	life := NewLifecycle(LifecycleDeps{State: state, Events: recorder, Ledger: book}, WithLifecycleMetrics(metrics))
	err := life.CompleteCompaction(context.Background(), "s1", CompactionInput{Summary: "digest"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "tape offline")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{"events", "ledger"}, ctxerrors.FailedCollaborators(err))
	assert.True(t, ctxerrors.IsDegraded(err))
	assert.Equal(t, 1, recorder.calls)
	assert.Equal(t, 1, book.calls)

	latest, ok := state.LatestCompactionSummary("s1")
	require.True(t, ok)
	assert.Equal(t, "digest", latest.Summary)

	count, gatherErr := testutil.GatherAndCount(reg, "ctxbudget_session_collaborator_error_total")
	require.NoError(t, gatherErr)
	assert.Equal(t, 2, count)
}

func TestRecordExternalRecallDisabledRecordsNothing(t *testing.T) {
	recorder := &countingRecorder{}
	ingester := &countingIngester{err: errors.New("unexpected")}
	life := NewLifecycle(LifecycleDeps{Events: recorder, Memory: ingester})

	err := life.RecordExternalRecallDecision(context.Background(), "s1", DefaultExternalRecallMarker+" text",
		ExternalRecallDecision{Status: ExternalRecallDisabled})
	require.NoError(t, err)
	assert.Zero(t, recorder.calls)
	assert.Zero(t, ingester.calls)
}

func TestRecordExternalRecallSkippedMergesPayload(t *testing.T) {
	f := newLifecycleFixture()
	f.state.AdvanceTurn("s1")

	err := f.life.RecordExternalRecallDecision(context.Background(), "s1", "",
		SkippedRecall(map[string]any{"reason": "internal_recall_sufficient", "outcome": "ignored"}))
	require.NoError(t, err)

	records := f.recorder.RecordsOfType("s1", events.TypeContextExternalRecallDecision)
	require.Len(t, records, 1)
	assert.Equal(t, RecallOutcomeSkipped, records[0].Payload["outcome"])
	assert.Equal(t, "internal_recall_sufficient", records[0].Payload["reason"])
	require.NotNil(t, records[0].Turn)
	assert.Equal(t, 1, *records[0].Turn)
	assert.Zero(t, f.memory.calls)
}

func TestRecordExternalRecallFilteredOutSkipsWriteback(t *testing.T) {
	f := newLifecycleFixture()
	decision := DecidedRecall("rollback steps", []memory.ExternalRecallHit{
		{Topic: "Rollback", Excerpt: "helm rollback", Score: 0.8},
	}, 0.42, 0.6)

	err := f.life.RecordExternalRecallDecision(context.Background(), "s1", "identity\ntruth\n", decision)
	require.NoError(t, err)

	assert.Zero(t, f.memory.calls)
	records := f.recorder.RecordsOfType("s1", events.TypeContextExternalRecallDecision)
	require.Len(t, records, 1)
	payload := records[0].Payload
	assert.Equal(t, RecallOutcomeFilteredOut, payload["outcome"])
	assert.Equal(t, RecallOutcomeFilteredOut, payload["reason"])
	assert.Equal(t, "rollback steps", payload["query"])
	assert.Equal(t, 1, payload["hitCount"])
	assert.Equal(t, 0.42, payload["internalTopScore"])
	assert.Equal(t, 0.6, payload["threshold"])
	assert.NotContains(t, payload, "writebackUnits")
}

func TestRecordExternalRecallInjectedWritesBack(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewContextMetricsWithRegisterer(reg)
	f := newLifecycleFixture(WithLifecycleMetrics(metrics), WithDefaultRecallConfidence(0.7))

	decision := DecidedRecall("rollback steps", []memory.ExternalRecallHit{
		{Topic: "Rollback", Excerpt: "helm rollback", Score: 0.8},
		{Topic: "Canary", Excerpt: "5% first", Score: 0.5},
		{Topic: "", Excerpt: ""},
	}, 0.42, 0.6)
	text := "identity\n" + DefaultExternalRecallMarker + "\n- Rollback: helm rollback\n"

	require.NoError(t, f.life.RecordExternalRecallDecision(context.Background(), "s1", text, decision))

	assert.Equal(t, 1, f.memory.calls)
	records := f.recorder.RecordsOfType("s1", events.TypeContextExternalRecallDecision)
	require.Len(t, records, 1)
	payload := records[0].Payload
	assert.Equal(t, RecallOutcomeInjected, payload["outcome"])
	assert.Equal(t, 3, payload["hitCount"])
	assert.Equal(t, 2, payload["writebackUnits"])
	assert.NotContains(t, payload, "reason")

	recalled, err := f.memory.inner.Recall(context.Background(), memory.Query{SessionID: "s1", Keywords: []string{"rollback"}})
	require.NoError(t, err)
	require.NotEmpty(t, recalled)
	assert.Equal(t, 0.7, recalled[0].Confidence)

	expected := `
# HELP ctxbudget_session_external_recall_writeback_units_total Memory units upserted by external recall writeback
# TYPE ctxbudget_session_external_recall_writeback_units_total counter
ctxbudget_session_external_recall_writeback_units_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "ctxbudget_session_external_recall_writeback_units_total"))
}

func TestRecordExternalRecallCustomMarker(t *testing.T) {
	f := newLifecycleFixture(WithExternalRecallMarker("## Sources"))
	decision := DecidedRecall("q", []memory.ExternalRecallHit{{Topic: "t", Excerpt: "e"}}, 0, 0)

	require.NoError(t, f.life.RecordExternalRecallDecision(context.Background(), "s1", DefaultExternalRecallMarker, decision))
	require.NoError(t, f.life.RecordExternalRecallDecision(context.Background(), "s1", "## Sources\n- t", decision))

	records := f.recorder.RecordsOfType("s1", events.TypeContextExternalRecallDecision)
	require.Len(t, records, 2)
	assert.Equal(t, RecallOutcomeFilteredOut, records[0].Payload["outcome"])
	assert.Equal(t, RecallOutcomeInjected, records[1].Payload["outcome"])
}

func TestRecordExternalRecallWritebackErrorStillEmitsEvent(t *testing.T) {
	recorder := events.NewInMemoryRecorder()
	ingester := &countingIngester{err: errors.New("store down")}
	life := NewLifecycle(LifecycleDeps{Events: recorder, Memory: ingester})

	err := life.RecordExternalRecallDecision(context.Background(), "s1", DefaultExternalRecallMarker,
		DecidedRecall("q", []memory.ExternalRecallHit{{Topic: "t"}}, 1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")

	records := recorder.RecordsOfType("s1", events.TypeContextExternalRecallDecision)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].Payload["writebackUnits"])
}
