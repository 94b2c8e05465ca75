package context

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ctxerrors "ctxbudget/internal/errors"
	"ctxbudget/internal/events"
	"ctxbudget/internal/ledger"
	"ctxbudget/internal/logging"
	"ctxbudget/internal/memory"
	"ctxbudget/internal/observability"
	sessionstate "ctxbudget/internal/session/state_store"
	jsonx "ctxbudget/internal/shared/json"
)

// CompactionTool is the ledger tool identifier for engine-side compaction.
const CompactionTool = "context_compaction"

// DefaultRecallConfidence is applied to written-back hits that carry no confidence.
const DefaultRecallConfidence = 0.5

// EventRecorder appends operational trace events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, input events.Input) (*events.Record, error)
}

// LedgerAppender appends decision-rationale entries.
type LedgerAppender interface {
	Append(ctx context.Context, entry ledger.Entry) (ledger.Entry, error)
}

// RecallIngester writes external recall hits back into memory.
type RecallIngester interface {
	IngestExternalRecall(ctx context.Context, req memory.ExternalRecallIngest) (memory.IngestResult, error)
}

// SessionAccessor exposes the turn and skill of a session.
type SessionAccessor interface {
	CurrentTurn(sessionID string) int
	ActiveSkill(sessionID string) string
}

// CompactionState is the set of session mutations compaction performs.
type CompactionState interface {
	MarkPressureCompacted(sessionID string)
	MarkInjectionCompacted(sessionID string)
	ClearReservedInjectionTokensForSession(sessionID string)
	ClearInjectionFingerprintsForSession(sessionID string)
	SetLatestCompactionSummary(sessionID string, summary sessionstate.CompactionSummary)
	ClearLatestCompactionSummary(sessionID string)
}

// LifecycleDeps wires the collaborators. Nil sinks are skipped.
type LifecycleDeps struct {
	Sessions SessionAccessor
	State    CompactionState
	Events   EventRecorder
	Ledger   LedgerAppender
	Memory   RecallIngester
}

// Lifecycle records compaction and external recall outcomes for sessions.
// Callers serialize turns within a session.
type Lifecycle struct {
	deps              LifecycleDeps
	logger            logging.Logger
	metrics           *observability.ContextMetrics
	tracer            trace.Tracer
	defaultConfidence float64
	marker            string
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLifecycleLogger injects a logger.
func WithLifecycleLogger(logger logging.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		l.logger = logging.OrNop(logger)
	}
}

// WithLifecycleMetrics records compactions, recall outcomes and sink failures.
func WithLifecycleMetrics(metrics *observability.ContextMetrics) LifecycleOption {
	return func(l *Lifecycle) {
		l.metrics = metrics
	}
}

// WithLifecycleTracer sets the tracer for lifecycle spans.
func WithLifecycleTracer(tracer trace.Tracer) LifecycleOption {
	return func(l *Lifecycle) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// WithDefaultRecallConfidence overrides DefaultRecallConfidence.
func WithDefaultRecallConfidence(confidence float64) LifecycleOption {
	return func(l *Lifecycle) {
		l.defaultConfidence = confidence
	}
}

// WithExternalRecallMarker overrides DefaultExternalRecallMarker.
func WithExternalRecallMarker(marker string) LifecycleOption {
	return func(l *Lifecycle) {
		if strings.TrimSpace(marker) != "" {
			l.marker = marker
		}
	}
}

// NewLifecycle builds a Lifecycle. When deps.Sessions is nil and deps.State
// also provides session accessors, State is used for both.
func NewLifecycle(deps LifecycleDeps, opts ...LifecycleOption) *Lifecycle {
	if deps.Sessions == nil {
		if accessor, ok := deps.State.(SessionAccessor); ok {
			deps.Sessions = accessor
		}
	}
	l := &Lifecycle{
		deps:              deps,
		logger:            logging.NewComponentLogger("ContextLifecycle"),
		tracer:            (*observability.TracerProvider)(nil).Tracer(),
		defaultConfidence: DefaultRecallConfidence,
		marker:            DefaultExternalRecallMarker,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// CompactionInput describes a finished compaction. Nil token counts are unknown.
type CompactionInput struct {
	FromTokens *int
	ToTokens   *int
	Summary    string
	EntryID    string
}

// CompleteCompaction invalidates the pre-compaction injection bookkeeping,
// stores or clears the summary, and writes one event and one ledger entry.
// Every step runs; sink failures are joined into the returned error and can be
// listed with errors.FailedCollaborators.
func (l *Lifecycle) CompleteCompaction(ctx context.Context, sessionID string, input CompactionInput) error {
	ctx, span := l.tracer.Start(ctx, observability.SpanSessionCompaction,
		trace.WithAttributes(observability.SessionAttrs(sessionID)...))
	defer span.End()

	if state := l.deps.State; state != nil {
		state.MarkPressureCompacted(sessionID)
		state.MarkInjectionCompacted(sessionID)
		state.ClearReservedInjectionTokensForSession(sessionID)
		state.ClearInjectionFingerprintsForSession(sessionID)
	}

	summary := strings.TrimSpace(input.Summary)
	entryID := strings.TrimSpace(input.EntryID)
	if state := l.deps.State; state != nil {
		if summary != "" {
			state.SetLatestCompactionSummary(sessionID, sessionstate.CompactionSummary{EntryID: entryID, Summary: summary})
		} else {
			state.ClearLatestCompactionSummary(sessionID)
		}
	}

	turn := l.currentTurn(sessionID)
	payload := map[string]any{
		"turn":         turn,
		"fromTokens":   optionalTokens(input.FromTokens),
		"toTokens":     optionalTokens(input.ToTokens),
		"entryId":      optionalString(entryID),
		"summaryChars": len([]rune(summary)),
	}

	var errs []error
	if err := l.recordEvent(ctx, sessionID, events.TypeContextCompacted, turn, payload); err != nil {
		errs = append(errs, err)
	}

	if l.deps.Ledger != nil {
		fullOutput, err := jsonx.Marshal(payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode compaction payload: %w", err))
		}
		entry := ledger.Entry{
			SessionID:     sessionID,
			Turn:          turn,
			Skill:         l.activeSkill(sessionID),
			Tool:          CompactionTool,
			ArgsSummary:   "compact session context",
			OutputSummary: fmt.Sprintf("context compacted: %s -> %s tokens", describeTokens(input.FromTokens), describeTokens(input.ToTokens)),
			FullOutput:    string(fullOutput),
			Verdict:       ledger.VerdictInconclusive,
			Metadata: map[string]any{
				"event":   events.TypeContextCompacted,
				"entryId": optionalString(entryID),
			},
		}
		if _, err := l.deps.Ledger.Append(ctx, entry); err != nil {
			l.metrics.RecordCollaboratorError("ledger")
			errs = append(errs, ctxerrors.Collaborator("ledger", "append compaction entry", err))
		}
	}

	l.metrics.RecordCompaction()
	l.logger.Debug("Session %s compacted at turn %d (%s -> %s tokens)", sessionID, turn,
		describeTokens(input.FromTokens), describeTokens(input.ToTokens))
	return l.finish(span, errs)
}

// RecordExternalRecallDecision records what happened to an external recall
// decision. Disabled decisions record nothing. Decided outcomes are written
// back to memory only when the marker survived into injectionText.
func (l *Lifecycle) RecordExternalRecallDecision(ctx context.Context, sessionID, injectionText string, decision ExternalRecallDecision) error {
	switch decision.Status {
	case ExternalRecallSkipped, ExternalRecallDecided:
	default:
		return nil
	}

	ctx, span := l.tracer.Start(ctx, observability.SpanExternalRecall,
		trace.WithAttributes(observability.SessionAttrs(sessionID)...))
	defer span.End()

	turn := l.currentTurn(sessionID)
	var errs []error

	if decision.Status == ExternalRecallSkipped {
		payload := make(map[string]any, len(decision.Payload)+1)
		for k, v := range decision.Payload {
			payload[k] = v
		}
		payload["outcome"] = RecallOutcomeSkipped
		if err := l.recordEvent(ctx, sessionID, events.TypeContextExternalRecallDecision, turn, payload); err != nil {
			errs = append(errs, err)
		}
		l.metrics.RecordRecallOutcome(RecallOutcomeSkipped, 0)
		span.SetAttributes(attribute.String(observability.AttrOutcome, RecallOutcomeSkipped))
		return l.finish(span, errs)
	}

	payload := map[string]any{
		"query":            decision.Query,
		"hitCount":         len(decision.Hits),
		"internalTopScore": optionalScore(decision.InternalTopScore),
		"threshold":        optionalScore(decision.Threshold),
	}

	outcome := RecallOutcomeFilteredOut
	upserted := 0
	if ContainsRecallMarker(injectionText, l.marker) {
		outcome = RecallOutcomeInjected
		if l.deps.Memory != nil {
			result, err := l.deps.Memory.IngestExternalRecall(ctx, memory.ExternalRecallIngest{
				SessionID:         sessionID,
				Query:             decision.Query,
				DefaultConfidence: l.defaultConfidence,
				Hits:              decision.Hits,
			})
			upserted = result.Upserted
			if err != nil {
				l.metrics.RecordCollaboratorError("memory")
				errs = append(errs, ctxerrors.Collaborator("memory", "write back external recall", err))
			}
		}
		payload["writebackUnits"] = upserted
	} else {
		payload["reason"] = RecallOutcomeFilteredOut
	}
	payload["outcome"] = outcome

	if err := l.recordEvent(ctx, sessionID, events.TypeContextExternalRecallDecision, turn, payload); err != nil {
		errs = append(errs, err)
	}
	l.metrics.RecordRecallOutcome(outcome, upserted)
	span.SetAttributes(attribute.String(observability.AttrOutcome, outcome))
	l.logger.Debug("Session %s external recall %s (%d hits, %d written back)", sessionID, outcome, len(decision.Hits), upserted)
	return l.finish(span, errs)
}

func (l *Lifecycle) recordEvent(ctx context.Context, sessionID, eventType string, turn int, payload map[string]any) error {
	if l.deps.Events == nil {
		return nil
	}
	t := turn
	if _, err := l.deps.Events.RecordEvent(ctx, events.Input{
		SessionID: sessionID,
		Type:      eventType,
		Turn:      &t,
		Payload:   payload,
	}); err != nil {
		l.metrics.RecordCollaboratorError("events")
		return ctxerrors.Collaborator("events", "record "+eventType, err)
	}
	return nil
}

func (l *Lifecycle) currentTurn(sessionID string) int {
	if l.deps.Sessions == nil {
		return 0
	}
	return l.deps.Sessions.CurrentTurn(sessionID)
}

func (l *Lifecycle) activeSkill(sessionID string) string {
	if l.deps.Sessions == nil {
		return ""
	}
	return l.deps.Sessions.ActiveSkill(sessionID)
}

func (l *Lifecycle) finish(span trace.Span, errs []error) error {
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Warn("Lifecycle sink failure: %v", err)
	}
	return err
}

func optionalTokens(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func describeTokens(v *int) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", *v)
}
