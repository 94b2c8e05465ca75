// Package config loads engine configuration from YAML, environment and
// defaults through viper.
package config

import (
	"sort"
	"strings"
	"time"

	budget "ctxbudget/internal/context"
	"ctxbudget/internal/observability"
	"ctxbudget/internal/security"
	"ctxbudget/internal/skills"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceFile    ValueSource = "file"
	SourceEnv     ValueSource = "environment"
)

const (
	// EnvPrefix namespaces environment overrides, e.g. CTXBUDGET_TOTAL_BUDGET.
	EnvPrefix = "CTXBUDGET"
	// DefaultConfigName is the file base name searched for when no path is given.
	DefaultConfigName = "ctxbudget"

	DefaultTotalBudget  = 16000
	DefaultMaxSessions  = 1024
	DefaultSecurityMode = string(security.ModeBalanced)
	DefaultSkillsDir    = "skills"
)

// Config is the full engine configuration.
type Config struct {
	TotalBudget    int                         `mapstructure:"total_budget" yaml:"total_budget"`
	Zones          map[string]budget.ZoneLimit `mapstructure:"zones" yaml:"zones"`
	Security       SecurityConfig              `mapstructure:"security" yaml:"security"`
	Skills         SkillsConfig                `mapstructure:"skills" yaml:"skills"`
	ExternalRecall ExternalRecallConfig        `mapstructure:"external_recall" yaml:"external_recall"`
	Session        SessionConfig               `mapstructure:"session" yaml:"session"`
	Ledger         LedgerConfig                `mapstructure:"ledger" yaml:"ledger"`
	Metering       MeteringConfig              `mapstructure:"metering" yaml:"metering"`
	Observability  observability.Config        `mapstructure:"observability" yaml:"observability"`
}

// SecurityConfig selects the enforcement mode.
type SecurityConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode"`
}

// SkillsConfig locates the skill catalog and sets dispatch defaults.
type SkillsConfig struct {
	Dir      string                  `mapstructure:"dir" yaml:"dir"`
	Dispatch skills.DispatchDefaults `mapstructure:"dispatch" yaml:"dispatch"`
}

// ExternalRecallConfig configures recall writeback.
type ExternalRecallConfig struct {
	DefaultConfidence float64 `mapstructure:"default_confidence" yaml:"default_confidence"`
	Marker            string  `mapstructure:"marker" yaml:"marker"`
}

// SessionConfig bounds the in-memory session store.
type SessionConfig struct {
	MaxSessions int `mapstructure:"max_sessions" yaml:"max_sessions"`
}

// LedgerConfig selects the ledger backend. An empty path keeps the ledger in memory.
type LedgerConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MeteringConfig selects the tokenizer. Unknown encodings fall back to the
// runes/4 estimate.
type MeteringConfig struct {
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
}

// ZoneBudgetConfig converts the configured zones. Unknown zone names are kept
// so the allocator ignores them rather than failing the load.
func (c Config) ZoneBudgetConfig() budget.ZoneBudgetConfig {
	out := make(budget.ZoneBudgetConfig, len(c.Zones))
	for name, limit := range c.Zones {
		out[budget.Zone(strings.ToLower(strings.TrimSpace(name)))] = limit
	}
	return out
}

// DispatchDefaults returns the configured dispatch defaults.
func (c Config) DispatchDefaults() skills.DispatchDefaults {
	return c.Skills.Dispatch
}

// SecurityPolicy resolves the configured mode.
func (c Config) SecurityPolicy() security.EffectivePolicy {
	return security.ResolvePolicy(c.Security.Mode)
}

// Metadata captures provenance for loaded configuration values.
type Metadata struct {
	file     string
	sources  map[string]ValueSource
	loadedAt time.Time
}

// File returns the config file that was read, if any.
func (m Metadata) File() string {
	return m.file
}

// Source returns the provenance of a dotted key such as "zones.identity.min".
func (m Metadata) Source(key string) ValueSource {
	if src, ok := m.sources[strings.ToLower(key)]; ok {
		return src
	}
	return SourceDefault
}

// Keys returns every known key in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m.sources))
	for key := range m.sources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// LoadedAt reports when the configuration was loaded.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}
