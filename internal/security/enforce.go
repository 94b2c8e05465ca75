package security

import (
	"fmt"
	"strings"
)

// Outcome is the result of running one check under an enforcement level.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeWarned  Outcome = "warned"
	OutcomeBlocked Outcome = "blocked"
)

// Verdict carries the outcome plus the check that produced it.
type Verdict struct {
	Check   string  `json:"check"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

// Blocked reports whether the action must not proceed.
func (v Verdict) Blocked() bool {
	return v.Outcome == OutcomeBlocked
}

// Evaluate maps a violation under level to an outcome.
func Evaluate(level EnforcementLevel, violated bool) Outcome {
	if !violated || !level.Checks() {
		return OutcomeAllowed
	}
	if level.Blocks() {
		return OutcomeBlocked
	}
	return OutcomeWarned
}

// SkillToolPolicy is the tool surface a skill declares.
type SkillToolPolicy struct {
	AllowedTools []string
	DeniedTools  []string
}

// CheckToolAccess runs the denied-tools check (always enforced) and then the
// allowed-tools check under the policy's level. An empty allow list permits
// every tool.
func CheckToolAccess(policy EffectivePolicy, tools SkillToolPolicy, tool string) Verdict {
	name := strings.ToLower(strings.TrimSpace(tool))
	if containsTool(tools.DeniedTools, name) {
		level := LevelWarn
		if policy.EnforceDeniedTools {
			level = LevelEnforce
		}
		return Verdict{Check: "denied_tools", Outcome: Evaluate(level, true), Detail: fmt.Sprintf("tool %q is denied", name)}
	}
	if len(tools.AllowedTools) == 0 {
		return Verdict{Check: "allowed_tools", Outcome: OutcomeAllowed}
	}
	violated := !containsTool(tools.AllowedTools, name)
	verdict := Verdict{Check: "allowed_tools", Outcome: Evaluate(policy.AllowedToolsMode, violated)}
	if violated {
		verdict.Detail = fmt.Sprintf("tool %q is not in the allowed list", name)
	}
	return verdict
}

// SkillLimits are the ceilings a skill declares; zero means unlimited.
type SkillLimits struct {
	MaxTokens    int
	MaxToolCalls int
	MaxParallel  int
}

// SkillUsage is what the skill has consumed so far in the turn.
type SkillUsage struct {
	Tokens    int
	ToolCalls int
	Parallel  int
}

// CheckSkillLimits evaluates each declared limit under its own level and
// returns one verdict per limit that was violated, in a fixed order.
func CheckSkillLimits(policy EffectivePolicy, limits SkillLimits, usage SkillUsage) []Verdict {
	checks := []struct {
		name  string
		level EnforcementLevel
		limit int
		used  int
	}{
		{name: "skill_max_tokens", level: policy.SkillMaxTokens, limit: limits.MaxTokens, used: usage.Tokens},
		{name: "skill_max_tool_calls", level: policy.SkillMaxToolCalls, limit: limits.MaxToolCalls, used: usage.ToolCalls},
		{name: "skill_max_parallel", level: policy.SkillMaxParallel, limit: limits.MaxParallel, used: usage.Parallel},
	}
	var verdicts []Verdict
	for _, check := range checks {
		if check.limit <= 0 || check.used <= check.limit {
			continue
		}
		outcome := Evaluate(check.level, true)
		if outcome == OutcomeAllowed {
			continue
		}
		verdicts = append(verdicts, Verdict{
			Check:   check.name,
			Outcome: outcome,
			Detail:  fmt.Sprintf("used %d exceeds limit %d", check.used, check.limit),
		})
	}
	return verdicts
}

// GateDispatch evaluates a dispatch-gate decision. Only a "gate" mode counts as
// a violation: it blocks under enforce and is merely reported under warn.
func GateDispatch(policy EffectivePolicy, mode string) Verdict {
	violated := mode == "gate"
	verdict := Verdict{Check: "skill_dispatch_gate", Outcome: Evaluate(policy.SkillDispatchGate, violated)}
	if violated {
		verdict.Detail = "skill requires confirmation before dispatch"
	}
	return verdict
}

func containsTool(list []string, name string) bool {
	for _, candidate := range list {
		if strings.ToLower(strings.TrimSpace(candidate)) == name {
			return true
		}
	}
	return false
}
