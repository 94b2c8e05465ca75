package skills

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"ctxbudget/internal/logging"
	"ctxbudget/internal/observability"
)

// DispatchMode is the admission outcome for a selected skill.
type DispatchMode string

const (
	DispatchAuto    DispatchMode = "auto"
	DispatchGate    DispatchMode = "gate"
	DispatchSuggest DispatchMode = "suggest"
)

const (
	// DefaultGateThreshold is the score at which a skill needs confirmation.
	DefaultGateThreshold = 10.0
	// DefaultAutoThreshold is the score at which a skill dispatches without
	// confirmation. Deployments are expected to tune it.
	DefaultAutoThreshold = 20.0
)

// ParseDispatchMode reports whether raw names a dispatch mode.
func ParseDispatchMode(raw string) (DispatchMode, bool) {
	switch DispatchMode(strings.ToLower(strings.TrimSpace(raw))) {
	case DispatchAuto:
		return DispatchAuto, true
	case DispatchGate:
		return DispatchGate, true
	case DispatchSuggest:
		return DispatchSuggest, true
	default:
		return "", false
	}
}

// DispatchConfig is what a catalog entry declares under `dispatch:`. Nil
// thresholds are undeclared.
type DispatchConfig struct {
	GateThreshold *float64
	AutoThreshold *float64
	DefaultMode   string
}

// DispatchDefaults are the engine-wide values used when a skill declares
// nothing valid.
type DispatchDefaults struct {
	GateThreshold float64      `mapstructure:"gate_threshold" yaml:"gate_threshold"`
	AutoThreshold float64      `mapstructure:"auto_threshold" yaml:"auto_threshold"`
	DefaultMode   DispatchMode `mapstructure:"default_mode" yaml:"default_mode"`
}

// DefaultDispatchDefaults returns gate 10, auto 20, suggest.
func DefaultDispatchDefaults() DispatchDefaults {
	return DispatchDefaults{
		GateThreshold: DefaultGateThreshold,
		AutoThreshold: DefaultAutoThreshold,
		DefaultMode:   DispatchSuggest,
	}
}

// Index resolves catalog entries by name. Library satisfies it.
type Index interface {
	Get(name string) (Skill, bool)
}

// Candidate is the top skill chosen by upstream matching, with its relevance score.
type Candidate struct {
	Name  string
	Score float64
}

// DispatchRequest is the input to a dispatch decision.
type DispatchRequest struct {
	Selected Candidate
	Index    Index
	Turn     int
}

// DispatchDecision is advisory; the caller acts on Mode under the configured
// dispatch-gate enforcement level.
type DispatchDecision struct {
	Skill         string       `json:"skill"`
	Turn          int          `json:"turn"`
	Mode          DispatchMode `json:"mode"`
	Reason        string       `json:"reason"`
	Score         float64      `json:"score"`
	GateThreshold float64      `json:"gate_threshold"`
	AutoThreshold float64      `json:"auto_threshold"`
	DefaultMode   DispatchMode `json:"default_mode"`
}

// thresholds is the fully validated config the decision rule runs on.
type thresholds struct {
	gate        float64
	auto        float64
	defaultMode DispatchMode
	gateSource  string
	autoSource  string
	modeSource  string
}

// Gate decides skill admission from relevance scores.
type Gate struct {
	defaults DispatchDefaults
	logger   logging.Logger
	metrics  *observability.ContextMetrics
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger injects a logger.
func WithGateLogger(logger logging.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logging.OrNop(logger)
	}
}

// WithGateMetrics records decisions by mode.
func WithGateMetrics(metrics *observability.ContextMetrics) GateOption {
	return func(g *Gate) {
		g.metrics = metrics
	}
}

// NewGate validates defaults once; invalid engine defaults fall back
// to DefaultDispatchDefaults field by field.
func NewGate(defaults DispatchDefaults, opts ...GateOption) *Gate {
	builtin := DefaultDispatchDefaults()
	if !validThreshold(defaults.GateThreshold) {
		defaults.GateThreshold = builtin.GateThreshold
	}
	if !validThreshold(defaults.AutoThreshold) {
		defaults.AutoThreshold = builtin.AutoThreshold
	}
	if defaults.AutoThreshold < defaults.GateThreshold {
		defaults.AutoThreshold = defaults.GateThreshold
	}
	if mode, ok := ParseDispatchMode(string(defaults.DefaultMode)); ok {
		defaults.DefaultMode = mode
	} else {
		defaults.DefaultMode = DispatchSuggest
	}

	g := &Gate{defaults: defaults, logger: logging.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Defaults returns the validated engine-wide defaults.
func (g *Gate) Defaults() DispatchDefaults {
	return g.defaults
}

var defaultGate = NewGate(DefaultDispatchDefaults())

// ResolveDispatchDecision decides with the built-in defaults.
func ResolveDispatchDecision(req DispatchRequest) DispatchDecision {
	return defaultGate.Resolve(req)
}

// Resolve decides whether the selected skill dispatches automatically, waits
// for confirmation, or falls through to its default mode.
func (g *Gate) Resolve(req DispatchRequest) DispatchDecision {
	name := strings.TrimSpace(req.Selected.Name)
	var declared DispatchConfig
	indexed := false
	if req.Index != nil && name != "" {
		if skill, ok := req.Index.Get(name); ok {
			declared = skill.Dispatch
			indexed = true
		}
	}

	th := g.normalize(declared)
	score := req.Selected.Score
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = 0
	}

	var mode DispatchMode
	var rule string
	switch {
	case score >= th.auto:
		mode = DispatchAuto
		rule = "score>=auto_threshold"
	case score >= th.gate:
		mode = DispatchGate
		rule = "score>=gate_threshold"
	default:
		mode = th.defaultMode
		rule = "below_gate_threshold"
	}

	parts := []string{
		fmt.Sprintf("score(%s)", formatThreshold(score)),
		fmt.Sprintf("gate_threshold(%s)", formatThreshold(th.gate)),
		fmt.Sprintf("auto_threshold(%s)", formatThreshold(th.auto)),
		fmt.Sprintf("default_mode(%s)", th.defaultMode),
		fmt.Sprintf("thresholds(gate=%s,auto=%s,mode=%s)", th.gateSource, th.autoSource, th.modeSource),
		rule,
	}
	if !indexed {
		parts = append(parts, "skill_not_indexed")
	}

	decision := DispatchDecision{
		Skill:         name,
		Turn:          req.Turn,
		Mode:          mode,
		Reason:        strings.Join(parts, " "),
		Score:         score,
		GateThreshold: th.gate,
		AutoThreshold: th.auto,
		DefaultMode:   th.defaultMode,
	}
	g.logger.Debug("Skill %s dispatch at turn %d: %s (%s)", name, req.Turn, mode, decision.Reason)
	g.metrics.RecordDispatchDecision(string(mode))
	return decision
}

// normalize turns a declared config into valid thresholds before any decision
// logic sees it.
func (g *Gate) normalize(declared DispatchConfig) thresholds {
	th := thresholds{
		gate:        g.defaults.GateThreshold,
		auto:        g.defaults.AutoThreshold,
		defaultMode: DispatchSuggest,
		gateSource:  "default",
		autoSource:  "default",
		modeSource:  "fallback",
	}
	if declared.GateThreshold != nil && validThreshold(*declared.GateThreshold) {
		th.gate = *declared.GateThreshold
		th.gateSource = "declared"
	}
	if declared.AutoThreshold != nil && validThreshold(*declared.AutoThreshold) {
		th.auto = *declared.AutoThreshold
		th.autoSource = "declared"
	}
	if th.auto < th.gate {
		th.auto = th.gate
		th.autoSource = "clamped"
	}
	if strings.TrimSpace(declared.DefaultMode) == "" {
		th.defaultMode = g.defaults.DefaultMode
		th.modeSource = "default"
	} else if mode, ok := ParseDispatchMode(declared.DefaultMode); ok {
		th.defaultMode = mode
		th.modeSource = "declared"
	}
	return th
}

func validThreshold(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func formatThreshold(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
