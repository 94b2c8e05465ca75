// Package security resolves the coarse security mode into per-check
// enforcement levels and evaluates skill tool and limit checks under them.
package security

import "strings"

// Mode is the coarse, operator-facing security setting.
type Mode string

const (
	ModeStrict     Mode = "strict"
	ModeBalanced   Mode = "balanced"
	ModePermissive Mode = "permissive"
)

// EnforcementLevel controls what happens when a check finds a violation.
type EnforcementLevel string

const (
	// LevelOff skips the check.
	LevelOff EnforcementLevel = "off"
	// LevelWarn runs the check and reports violations without blocking.
	LevelWarn EnforcementLevel = "warn"
	// LevelEnforce runs the check and blocks on violation.
	LevelEnforce EnforcementLevel = "enforce"
)

// Checks reports whether the level runs the check at all.
func (l EnforcementLevel) Checks() bool {
	return l == LevelWarn || l == LevelEnforce
}

// Blocks reports whether a violation at this level fails the action.
func (l EnforcementLevel) Blocks() bool {
	return l == LevelEnforce
}

// EffectivePolicy is derived from a Mode on demand and never stored.
type EffectivePolicy struct {
	// EnforceDeniedTools is true in every mode; explicit denials are not
	// downgradable.
	EnforceDeniedTools bool             `json:"enforceDeniedTools"`
	AllowedToolsMode   EnforcementLevel `json:"allowedToolsMode"`
	SkillMaxTokens     EnforcementLevel `json:"skillMaxTokensMode"`
	SkillMaxToolCalls  EnforcementLevel `json:"skillMaxToolCallsMode"`
	SkillMaxParallel   EnforcementLevel `json:"skillMaxParallelMode"`
	SkillDispatchGate  EnforcementLevel `json:"skillDispatchGateMode"`
}

// NormalizeMode maps raw to a known Mode; anything unrecognized is balanced.
func NormalizeMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeStrict:
		return ModeStrict
	case ModePermissive:
		return ModePermissive
	default:
		return ModeBalanced
	}
}

// ResolvePolicy maps a mode to its five enforcement levels.
func ResolvePolicy(mode string) EffectivePolicy {
	level := LevelWarn
	switch NormalizeMode(mode) {
	case ModeStrict:
		level = LevelEnforce
	case ModePermissive:
		level = LevelOff
	}
	return EffectivePolicy{
		EnforceDeniedTools: true,
		AllowedToolsMode:   level,
		SkillMaxTokens:     level,
		SkillMaxToolCalls:  level,
		SkillMaxParallel:   level,
		SkillDispatchGate:  level,
	}
}
