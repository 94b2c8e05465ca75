package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ContextMetrics tracks health of the context budget and policy engine.
type ContextMetrics struct {
	zoneGranted        *prometheus.GaugeVec
	allocations        *prometheus.CounterVec
	degradedDrops      *prometheus.CounterVec
	dispatchDecisions  *prometheus.CounterVec
	compactions        prometheus.Counter
	recallOutcomes     *prometheus.CounterVec
	writebackUnits     prometheus.Counter
	collaboratorErrors *prometheus.CounterVec
}

var (
	defaultContextMetrics     *ContextMetrics
	defaultContextMetricsOnce sync.Once
)

// NewContextMetrics builds a ContextMetrics recorder using the default registry.
func NewContextMetrics() *ContextMetrics {
	defaultContextMetricsOnce.Do(func() {
		defaultContextMetrics = newContextMetrics(prometheus.DefaultRegisterer)
	})
	return defaultContextMetrics
}

// NewContextMetricsWithRegisterer allows tests to provide a dedicated registry.
func NewContextMetricsWithRegisterer(reg prometheus.Registerer) *ContextMetrics {
	return newContextMetrics(reg)
}

func newContextMetrics(reg prometheus.Registerer) *ContextMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &ContextMetrics{
		zoneGranted: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ctxbudget",
			Subsystem: "context",
			Name:      "zone_granted_tokens",
			Help:      "Tokens granted per zone by the most recent accepted allocation",
		}, []string{"zone"}),
		allocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctxbudget",
			Subsystem: "context",
			Name:      "allocation_total",
			Help:      "Zone budget allocations by outcome",
		}, []string{"outcome"}),
		degradedDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctxbudget",
			Subsystem: "context",
			Name:      "degraded_source_drop_total",
			Help:      "Degradable sources shed to satisfy zone floors",
		}, []string{"source"}),
		dispatchDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctxbudget",
			Subsystem: "skills",
			Name:      "dispatch_decision_total",
			Help:      "Skill dispatch gate decisions by mode",
		}, []string{"mode"}),
		compactions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ctxbudget",
			Subsystem: "session",
			Name:      "compaction_total",
			Help:      "Completed context compactions",
		}),
		recallOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctxbudget",
			Subsystem: "session",
			Name:      "external_recall_decision_total",
			Help:      "Recorded external recall decisions by outcome",
		}, []string{"outcome"}),
		writebackUnits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ctxbudget",
			Subsystem: "session",
			Name:      "external_recall_writeback_units_total",
			Help:      "Memory units upserted by external recall writeback",
		}),
		collaboratorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctxbudget",
			Subsystem: "session",
			Name:      "collaborator_error_total",
			Help:      "Failures reported by event, ledger, and memory collaborators",
		}, []string{"collaborator"}),
	}
}

// RecordZoneGrant sets the latest granted token count for a zone.
func (m *ContextMetrics) RecordZoneGrant(zone string, tokens int) {
	if m == nil || m.zoneGranted == nil {
		return
	}
	m.zoneGranted.WithLabelValues(zone).Set(float64(tokens))
}

// RecordAllocation increments the allocation counter for an outcome.
func (m *ContextMetrics) RecordAllocation(outcome string) {
	if m == nil || m.allocations == nil {
		return
	}
	m.allocations.WithLabelValues(outcome).Inc()
}

// RecordDegradedDrop counts a degradable source shed under budget pressure.
func (m *ContextMetrics) RecordDegradedDrop(source string) {
	if m == nil || m.degradedDrops == nil {
		return
	}
	m.degradedDrops.WithLabelValues(source).Inc()
}

// RecordDispatchDecision counts a skill dispatch decision.
func (m *ContextMetrics) RecordDispatchDecision(mode string) {
	if m == nil || m.dispatchDecisions == nil {
		return
	}
	m.dispatchDecisions.WithLabelValues(mode).Inc()
}

// RecordCompaction increments the compaction counter.
func (m *ContextMetrics) RecordCompaction() {
	if m == nil || m.compactions == nil {
		return
	}
	m.compactions.Inc()
}

// RecordRecallOutcome counts an external recall decision and its writeback.
func (m *ContextMetrics) RecordRecallOutcome(outcome string, upserted int) {
	if m == nil {
		return
	}
	if m.recallOutcomes != nil {
		m.recallOutcomes.WithLabelValues(outcome).Inc()
	}
	if upserted > 0 && m.writebackUnits != nil {
		m.writebackUnits.Add(float64(upserted))
	}
}

// RecordCollaboratorError counts a failed collaborator call.
func (m *ContextMetrics) RecordCollaboratorError(collaborator string) {
	if m == nil || m.collaboratorErrors == nil {
		return
	}
	m.collaboratorErrors.WithLabelValues(collaborator).Inc()
}
