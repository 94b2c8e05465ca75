package context

import (
	"math"
	"strings"

	"ctxbudget/internal/memory"
)

// DefaultExternalRecallMarker heads the external recall section of a rendered
// injection. Its presence in the final text means the hits reached the prompt.
const DefaultExternalRecallMarker = "[ExternalRecall]"

// ExternalRecallStatus tags an upstream recall decision.
type ExternalRecallStatus string

const (
	ExternalRecallDisabled ExternalRecallStatus = "disabled"
	ExternalRecallSkipped  ExternalRecallStatus = "skipped"
	ExternalRecallDecided  ExternalRecallStatus = "decided"
)

// External recall outcomes recorded on context_external_recall_decision events.
const (
	RecallOutcomeSkipped     = "skipped"
	RecallOutcomeInjected    = "injected"
	RecallOutcomeFilteredOut = "filtered_out"
)

// ExternalRecallDecision is produced upstream by the recall search. Payload
// is only read for skipped decisions; Query, Hits, InternalTopScore and
// Threshold only for decided ones.
type ExternalRecallDecision struct {
	Status           ExternalRecallStatus       `json:"status"`
	Payload          map[string]any             `json:"payload,omitempty"`
	Query            string                     `json:"query,omitempty"`
	Hits             []memory.ExternalRecallHit `json:"hits,omitempty"`
	InternalTopScore *float64                   `json:"internal_top_score,omitempty"`
	Threshold        *float64                   `json:"threshold,omitempty"`
}

// SkippedRecall builds a skipped decision carrying the upstream payload.
func SkippedRecall(payload map[string]any) ExternalRecallDecision {
	return ExternalRecallDecision{Status: ExternalRecallSkipped, Payload: payload}
}

// DecidedRecall builds a decided outcome.
func DecidedRecall(query string, hits []memory.ExternalRecallHit, internalTopScore, threshold float64) ExternalRecallDecision {
	return ExternalRecallDecision{
		Status:           ExternalRecallDecided,
		Query:            query,
		Hits:             hits,
		InternalTopScore: &internalTopScore,
		Threshold:        &threshold,
	}
}

// ContainsRecallMarker reports whether text still carries the marker.
func ContainsRecallMarker(text, marker string) bool {
	if strings.TrimSpace(marker) == "" {
		marker = DefaultExternalRecallMarker
	}
	return strings.Contains(text, marker)
}

// optionalScore maps a missing or non-finite score to nil so it encodes as null.
func optionalScore(v *float64) any {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return *v
}
