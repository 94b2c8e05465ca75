package context

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ctxbudget/internal/logging"
	"ctxbudget/internal/observability"
	tokenutil "ctxbudget/internal/shared/token"
)

// TokenCounter meters and truncates rendered text. *tokenutil.Meter satisfies it.
type TokenCounter interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
}

// Block is one rendered source section offered for the turn.
type Block struct {
	Source Source `json:"source"`
	Text   string `json:"text"`
}

// PlanRequest is the input to Plan.
type PlanRequest struct {
	SessionID   string
	TotalBudget int
	Blocks      []Block
}

// PlannedBlock is a block as it will be injected.
type PlannedBlock struct {
	Source    Source `json:"source"`
	Zone      Zone   `json:"zone"`
	Text      string `json:"text"`
	Demand    int    `json:"demand"`
	Tokens    int    `json:"tokens"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Plan is the outcome of one planning pass. When the allocation is rejected
// Blocks is empty.
type Plan struct {
	Allocation AllocationResult `json:"allocation"`
	Blocks     []PlannedBlock   `json:"blocks"`
	Dropped    []Source         `json:"dropped,omitempty"`
	Shed       bool             `json:"shed"`
}

// Render joins the planned blocks in input order.
func (p Plan) Render() string {
	parts := make([]string, 0, len(p.Blocks))
	for _, block := range p.Blocks {
		parts = append(parts, block.Text)
	}
	return strings.Join(parts, "\n\n")
}

// Planner meters blocks, allocates zone budgets and fits blocks to their grants.
type Planner struct {
	allocator *ZoneBudgetAllocator
	counter   TokenCounter
	logger    logging.Logger
	metrics   *observability.ContextMetrics
	tracer    trace.Tracer
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithTokenCounter overrides the tiktoken meter.
func WithTokenCounter(counter TokenCounter) PlannerOption {
	return func(p *Planner) {
		if counter != nil {
			p.counter = counter
		}
	}
}

// WithPlannerLogger injects a logger.
func WithPlannerLogger(logger logging.Logger) PlannerOption {
	return func(p *Planner) {
		p.logger = logging.OrNop(logger)
	}
}

// WithPlannerMetrics records degradable drops.
func WithPlannerMetrics(metrics *observability.ContextMetrics) PlannerOption {
	return func(p *Planner) {
		p.metrics = metrics
	}
}

// WithPlannerTracer sets the tracer for plan spans.
func WithPlannerTracer(tracer trace.Tracer) PlannerOption {
	return func(p *Planner) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// NewPlanner builds a planner around allocator.
func NewPlanner(allocator *ZoneBudgetAllocator, opts ...PlannerOption) *Planner {
	p := &Planner{
		allocator: allocator,
		counter:   tokenutil.Default(),
		logger:    logging.NewComponentLogger("ContextPlanner"),
		tracer:    (*observability.TracerProvider)(nil).Tracer(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

type meteredBlock struct {
	Block
	zone   Zone
	demand int
}

// Plan allocates req.TotalBudget across the blocks. On floor_unmet it sheds
// every degradable block and retries once. Each zone's grant is handed to its
// blocks in input order; blocks that receive nothing are reported as dropped.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) Plan {
	_, span := p.tracer.Start(ctx, observability.SpanContextPlan,
		trace.WithAttributes(observability.SessionAttrs(req.SessionID)...))
	defer span.End()

	metered := make([]meteredBlock, 0, len(req.Blocks))
	for _, block := range req.Blocks {
		metered = append(metered, meteredBlock{
			Block:  block,
			zone:   ZoneForSource(block.Source),
			demand: p.counter.Count(block.Text),
		})
	}

	var plan Plan
	allocation := p.allocate(req.TotalBudget, metered)
	if !allocation.Accepted && allocation.Reason == ReasonFloorUnmet {
		kept := metered[:0:0]
		for _, block := range metered {
			if IsDegradable(block.Source) {
				plan.Dropped = append(plan.Dropped, block.Source)
				p.metrics.RecordDegradedDrop(string(block.Source))
				continue
			}
			kept = append(kept, block)
		}
		if len(kept) < len(metered) {
			plan.Shed = true
			metered = kept
			p.logger.Debug("Shedding %d degradable blocks and retrying allocation", len(plan.Dropped))
			allocation = p.allocate(req.TotalBudget, metered)
		}
	}
	plan.Allocation = allocation

	span.SetAttributes(observability.AllocationAttrs(req.TotalBudget, allocation.Accepted, allocation.Reason)...)
	if !allocation.Accepted {
		p.logger.Warn("Context plan rejected for session %s: %s", req.SessionID, allocation.Reason)
		return plan
	}

	remaining := make(map[Zone]int, len(allocation.Zones))
	for zone, tokens := range allocation.Zones {
		remaining[zone] = tokens
	}
	for _, block := range metered {
		grant := minInt(block.demand, remaining[block.zone])
		if block.demand > 0 && grant == 0 {
			plan.Dropped = append(plan.Dropped, block.Source)
			if IsDegradable(block.Source) {
				p.metrics.RecordDegradedDrop(string(block.Source))
			}
			continue
		}
		remaining[block.zone] -= grant
		planned := PlannedBlock{
			Source: block.Source,
			Zone:   block.zone,
			Text:   block.Text,
			Demand: block.demand,
			Tokens: grant,
		}
		if grant < block.demand {
			planned.Text, planned.Tokens = p.fit(block.Text, grant)
			planned.Truncated = true
		}
		plan.Blocks = append(plan.Blocks, planned)
	}

	if len(plan.Dropped) > 0 {
		dropped := make([]string, 0, len(plan.Dropped))
		for _, source := range plan.Dropped {
			dropped = append(dropped, string(source))
		}
		span.SetAttributes(attribute.StringSlice(observability.AttrDropped, dropped))
	}
	return plan
}

// fit truncates text until its metered size is within grant. Counters whose
// Truncate overshoots are retried with the limit reduced by the excess.
func (p *Planner) fit(text string, grant int) (string, int) {
	for limit := grant; limit > 0; {
		out := p.counter.Truncate(text, limit)
		tokens := p.counter.Count(out)
		if tokens <= grant {
			return out, tokens
		}
		limit -= tokens - grant
	}
	return "", 0
}

func (p *Planner) allocate(total int, blocks []meteredBlock) AllocationResult {
	demands := make(map[Zone]float64, len(zoneOrder))
	for _, block := range blocks {
		demands[block.zone] += float64(block.demand)
	}
	return p.allocator.Allocate(AllocationRequest{
		TotalBudget: float64(total),
		ZoneDemands: demands,
	})
}
