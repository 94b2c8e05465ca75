package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	budget "ctxbudget/internal/context"
	"ctxbudget/internal/security"
	tokenutil "ctxbudget/internal/shared/token"
	"ctxbudget/internal/skills"
)

func noEnv(string) (string, bool) { return "", false }

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, meta, err := Load(WithSearchDirs(t.TempDir()), WithEnv(noEnv))
	require.NoError(t, err)

	assert.Empty(t, meta.File())
	assert.Equal(t, DefaultTotalBudget, cfg.TotalBudget)
	assert.Equal(t, budget.DefaultZoneBudgetConfig(), cfg.ZoneBudgetConfig())
	assert.Equal(t, skills.DefaultDispatchDefaults(), cfg.DispatchDefaults())
	assert.Equal(t, security.ResolvePolicy("balanced"), cfg.SecurityPolicy())
	assert.Equal(t, budget.DefaultExternalRecallMarker, cfg.ExternalRecall.Marker)
	assert.Equal(t, tokenutil.DefaultEncoding, cfg.Metering.Encoding)
	assert.Equal(t, SourceDefault, meta.Source("total_budget"))
	assert.False(t, meta.LoadedAt().IsZero())
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctxbudget.yaml")
	content := `
total_budget: 4000
zones:
  identity:
    min: 100
    max: 300
security:
  mode: STRICT
skills:
  dir: ./catalog
  dispatch:
    gate_threshold: 6
    auto_threshold: 12
    default_mode: gate
external_recall:
  default_confidence: 0.8
ledger:
  path: ./ledger.db
metering:
  encoding: none
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, meta, err := Load(WithSearchDirs(dir), WithEnv(noEnv))
	require.NoError(t, err)

	assert.Equal(t, path, meta.File())
	assert.Equal(t, 4000, cfg.TotalBudget)
	zones := cfg.ZoneBudgetConfig()
	assert.Equal(t, budget.ZoneLimit{Min: 100, Max: 300}, zones[budget.ZoneIdentity])
	assert.Equal(t, budget.DefaultZoneBudgetConfig()[budget.ZoneTruth], zones[budget.ZoneTruth])
	assert.Equal(t, "strict", cfg.Security.Mode)
	assert.Equal(t, security.LevelEnforce, cfg.SecurityPolicy().SkillDispatchGate)
	assert.Equal(t, skills.DispatchDefaults{GateThreshold: 6, AutoThreshold: 12, DefaultMode: skills.DispatchGate}, cfg.DispatchDefaults())
	assert.Equal(t, 0.8, cfg.ExternalRecall.DefaultConfidence)
	assert.Equal(t, "./ledger.db", cfg.Ledger.Path)
	assert.Equal(t, "none", cfg.Metering.Encoding)
	assert.Equal(t, SourceFile, meta.Source("metering.encoding"))
	assert.Equal(t, SourceFile, meta.Source("zones.identity.min"))
	assert.Equal(t, SourceDefault, meta.Source("zones.truth.min"))
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("total_budget: 4000\n"), 0o600))

	t.Setenv("CTXBUDGET_TOTAL_BUDGET", "2500")
	t.Setenv("CTXBUDGET_SECURITY_MODE", "permissive")
	env := func(key string) (string, bool) { return os.LookupEnv(key) }

	cfg, meta, err := Load(WithConfigFile(path), WithEnv(env))
	require.NoError(t, err)
	assert.Equal(t, 2500, cfg.TotalBudget)
	assert.Equal(t, "permissive", cfg.Security.Mode)
	assert.Equal(t, SourceEnv, meta.Source("total_budget"))
	assert.Contains(t, meta.Keys(), "security.mode")
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, _, err := Load(WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml")), WithEnv(noEnv))
	require.Error(t, err)
}

func TestLoadNormalizesUnusableValues(t *testing.T) {
	dir := t.TempDir()
	content := "total_budget: -5\nsession:\n  max_sessions: 0\nexternal_recall:\n  default_confidence: 3\n  marker: \"  \"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ctxbudget.yaml"), []byte(content), 0o600))

	cfg, _, err := Load(WithSearchDirs(dir), WithEnv(noEnv))
	require.NoError(t, err)
	assert.Zero(t, cfg.TotalBudget)
	assert.Equal(t, DefaultMaxSessions, cfg.Session.MaxSessions)
	assert.Equal(t, budget.DefaultRecallConfidence, cfg.ExternalRecall.DefaultConfidence)
	assert.Equal(t, budget.DefaultExternalRecallMarker, cfg.ExternalRecall.Marker)
}
