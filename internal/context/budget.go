package context

import (
	"math"

	"ctxbudget/internal/logging"
	"ctxbudget/internal/observability"
	jsonx "ctxbudget/internal/shared/json"
)

// ReasonFloorUnmet is reported when the summed zone floors exceed the budget.
const ReasonFloorUnmet = "floor_unmet"

// ZoneLimit bounds a zone's allocation: Min is the guaranteed floor, Max the
// hard cap. Callers should keep 0 <= Min <= Max; the allocator clamps either way.
type ZoneLimit struct {
	Min int `json:"min" yaml:"min" mapstructure:"min"`
	Max int `json:"max" yaml:"max" mapstructure:"max"`
}

// ZoneBudgetConfig holds per-zone limits. A zone without an entry has a cap
// of zero and never receives tokens.
type ZoneBudgetConfig map[Zone]ZoneLimit

// DefaultZoneBudgetConfig returns limits sized for a 16k-token context payload.
func DefaultZoneBudgetConfig() ZoneBudgetConfig {
	return ZoneBudgetConfig{
		ZoneIdentity:      {Min: 256, Max: 1024},
		ZoneTruth:         {Min: 512, Max: 4096},
		ZoneTaskState:     {Min: 256, Max: 2048},
		ZoneToolFailures:  {Min: 0, Max: 1024},
		ZoneMemoryWorking: {Min: 0, Max: 4096},
		ZoneMemoryRecall:  {Min: 0, Max: 8192},
	}
}

// AllocationRequest is the per-turn input to Allocate. Values are float64 so
// malformed telemetry (NaN, infinities, negatives, fractions) can be passed
// through untouched and normalized here.
type AllocationRequest struct {
	TotalBudget float64
	ZoneDemands map[Zone]float64
}

// AllocationResult is either accepted with a grant for every zone, or rejected
// with every zone at zero.
type AllocationResult struct {
	Accepted bool
	Reason   string
	Zones    map[Zone]int
}

// Granted returns the tokens granted to zone.
func (r AllocationResult) Granted(zone Zone) int {
	return r.Zones[zone]
}

// Total returns the sum of all zone grants.
func (r AllocationResult) Total() int {
	total := 0
	for _, tokens := range r.Zones {
		total += tokens
	}
	return total
}

// MarshalJSON flattens the zone grants next to the accepted flag.
func (r AllocationResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(zoneOrder)+2)
	out["accepted"] = r.Accepted
	if r.Reason != "" {
		out["reason"] = r.Reason
	}
	for _, zone := range zoneOrder {
		out[string(zone)] = r.Zones[zone]
	}
	return jsonx.Marshal(out)
}

// ZoneBudgetAllocator splits a token budget across zones in priority order.
// It is read-only after construction and safe for concurrent use.
type ZoneBudgetAllocator struct {
	limits  map[Zone]ZoneLimit
	logger  logging.Logger
	metrics *observability.ContextMetrics
}

// AllocatorOption configures the allocator.
type AllocatorOption func(*ZoneBudgetAllocator)

// WithAllocatorLogger injects a logger.
func WithAllocatorLogger(logger logging.Logger) AllocatorOption {
	return func(a *ZoneBudgetAllocator) {
		a.logger = logging.OrNop(logger)
	}
}

// WithAllocatorMetrics records allocation outcomes.
func WithAllocatorMetrics(metrics *observability.ContextMetrics) AllocatorOption {
	return func(a *ZoneBudgetAllocator) {
		a.metrics = metrics
	}
}

// NewZoneBudgetAllocator copies cfg so later mutation by the caller has no effect.
func NewZoneBudgetAllocator(cfg ZoneBudgetConfig, opts ...AllocatorOption) *ZoneBudgetAllocator {
	limits := make(map[Zone]ZoneLimit, len(cfg))
	for zone, limit := range cfg {
		limits[zone] = ZoneLimit{Min: clampNonNegative(limit.Min), Max: clampNonNegative(limit.Max)}
	}
	a := &ZoneBudgetAllocator{
		limits: limits,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Limit returns the normalized limit for zone.
func (a *ZoneBudgetAllocator) Limit(zone Zone) ZoneLimit {
	return a.limits[zone]
}

// Allocate grants each zone its floor in priority order, rejects with
// floor_unmet when the floors do not fit, and then hands the remainder out in
// the same priority order. Grants never exceed a zone's demand or cap.
func (a *ZoneBudgetAllocator) Allocate(req AllocationRequest) AllocationResult {
	total := normalizeTokens(req.TotalBudget)

	demands := make(map[Zone]int, len(zoneOrder))
	granted := emptyZoneGrants()
	floorSum := 0
	for _, zone := range zoneOrder {
		demand := normalizeTokens(req.ZoneDemands[zone])
		demands[zone] = demand
		if demand == 0 {
			continue
		}
		limit := a.limits[zone]
		floor := minInt(demand, minInt(limit.Min, limit.Max))
		granted[zone] = floor
		floorSum += floor
	}

	if floorSum > total {
		a.logger.Debug("Zone floors %d exceed budget %d", floorSum, total)
		a.metrics.RecordAllocation(ReasonFloorUnmet)
		return AllocationResult{Accepted: false, Reason: ReasonFloorUnmet, Zones: emptyZoneGrants()}
	}

	remaining := total - floorSum
	for _, zone := range zoneOrder {
		if remaining <= 0 {
			break
		}
		current := granted[zone]
		demand := demands[zone]
		capTokens := a.limits[zone].Max
		if current >= demand || current >= capTokens {
			continue
		}
		extra := minInt(demand-current, minInt(capTokens-current, remaining))
		granted[zone] = current + extra
		remaining -= extra
	}

	a.metrics.RecordAllocation("accepted")
	for _, zone := range zoneOrder {
		a.metrics.RecordZoneGrant(string(zone), granted[zone])
	}
	return AllocationResult{Accepted: true, Zones: granted}
}

func emptyZoneGrants() map[Zone]int {
	grants := make(map[Zone]int, len(zoneOrder))
	for _, zone := range zoneOrder {
		grants[zone] = 0
	}
	return grants
}

// normalizeTokens floors v to an integer token count; NaN, infinities and
// negative values become 0.
func normalizeTokens(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	if v >= float64(math.MaxInt32) {
		return math.MaxInt32
	}
	return int(math.Floor(v))
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
