package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	budget "ctxbudget/internal/context"
	"ctxbudget/internal/observability"
	tokenutil "ctxbudget/internal/shared/token"
	"ctxbudget/internal/skills"
)

type loadOptions struct {
	path       string
	searchDirs []string
	envLookup  func(string) (string, bool)
}

// Option customizes Load.
type Option func(*loadOptions)

// WithConfigFile reads an explicit file. A missing explicit file is an error.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) {
		o.path = strings.TrimSpace(path)
	}
}

// WithSearchDirs overrides the directories searched for ctxbudget.yaml.
func WithSearchDirs(dirs ...string) Option {
	return func(o *loadOptions) {
		o.searchDirs = dirs
	}
}

// WithEnv overrides the environment lookup used to report provenance.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) {
		if lookup != nil {
			o.envLookup = lookup
		}
	}
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	zones := make(map[string]budget.ZoneLimit)
	for zone, limit := range budget.DefaultZoneBudgetConfig() {
		zones[string(zone)] = limit
	}
	return Config{
		TotalBudget: DefaultTotalBudget,
		Zones:       zones,
		Security:    SecurityConfig{Mode: DefaultSecurityMode},
		Skills: SkillsConfig{
			Dir:      DefaultSkillsDir,
			Dispatch: skills.DefaultDispatchDefaults(),
		},
		ExternalRecall: ExternalRecallConfig{
			DefaultConfidence: budget.DefaultRecallConfidence,
			Marker:            budget.DefaultExternalRecallMarker,
		},
		Session:       SessionConfig{MaxSessions: DefaultMaxSessions},
		Metering:      MeteringConfig{Encoding: tokenutil.DefaultEncoding},
		Observability: observability.DefaultConfig(),
	}
}

// Load resolves configuration with precedence environment > file > defaults.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		searchDirs: []string{"."},
		envLookup:  os.LookupEnv,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	v := viper.New()
	setDefaults(v, Defaults())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	if options.path != "" {
		v.SetConfigFile(options.path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, meta, fmt.Errorf("read config %s: %w", options.path, err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		for _, dir := range options.searchDirs {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, meta, fmt.Errorf("read config: %w", err)
			}
		}
	}
	meta.file = v.ConfigFileUsed()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, meta, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)

	for _, key := range v.AllKeys() {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		switch {
		case lookupSet(options.envLookup, envKey):
			meta.sources[key] = SourceEnv
		case v.InConfig(key):
			meta.sources[key] = SourceFile
		default:
			meta.sources[key] = SourceDefault
		}
	}
	return cfg, meta, nil
}

func lookupSet(lookup func(string) (string, bool), key string) bool {
	value, ok := lookup(key)
	return ok && value != ""
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("total_budget", cfg.TotalBudget)
	for zone, limit := range cfg.Zones {
		v.SetDefault("zones."+zone+".min", limit.Min)
		v.SetDefault("zones."+zone+".max", limit.Max)
	}
	v.SetDefault("security.mode", cfg.Security.Mode)
	v.SetDefault("skills.dir", cfg.Skills.Dir)
	v.SetDefault("skills.dispatch.gate_threshold", cfg.Skills.Dispatch.GateThreshold)
	v.SetDefault("skills.dispatch.auto_threshold", cfg.Skills.Dispatch.AutoThreshold)
	v.SetDefault("skills.dispatch.default_mode", string(cfg.Skills.Dispatch.DefaultMode))
	v.SetDefault("external_recall.default_confidence", cfg.ExternalRecall.DefaultConfidence)
	v.SetDefault("external_recall.marker", cfg.ExternalRecall.Marker)
	v.SetDefault("session.max_sessions", cfg.Session.MaxSessions)
	v.SetDefault("ledger.path", cfg.Ledger.Path)
	v.SetDefault("metering.encoding", cfg.Metering.Encoding)

	obs := cfg.Observability
	v.SetDefault("observability.logging.level", obs.Logging.Level)
	v.SetDefault("observability.logging.format", obs.Logging.Format)
	v.SetDefault("observability.logging.file", obs.Logging.File)
	v.SetDefault("observability.tracing.enabled", obs.Tracing.Enabled)
	v.SetDefault("observability.tracing.exporter", obs.Tracing.Exporter)
	v.SetDefault("observability.tracing.otlp_endpoint", obs.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.zipkin_endpoint", obs.Tracing.ZipkinEndpoint)
	v.SetDefault("observability.tracing.sample_rate", obs.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", obs.Tracing.ServiceName)
	v.SetDefault("observability.tracing.service_version", obs.Tracing.ServiceVersion)
}

// normalize repairs values that would make the engine unusable. Dispatch
// thresholds are left alone; the gate validates them itself.
func normalize(cfg *Config) {
	if cfg.TotalBudget < 0 {
		cfg.TotalBudget = 0
	}
	if cfg.Session.MaxSessions <= 0 {
		cfg.Session.MaxSessions = DefaultMaxSessions
	}
	if strings.TrimSpace(cfg.ExternalRecall.Marker) == "" {
		cfg.ExternalRecall.Marker = budget.DefaultExternalRecallMarker
	}
	if c := cfg.ExternalRecall.DefaultConfidence; math.IsNaN(c) || c < 0 || c > 1 {
		cfg.ExternalRecall.DefaultConfidence = budget.DefaultRecallConfidence
	}
	cfg.Security.Mode = strings.ToLower(strings.TrimSpace(cfg.Security.Mode))
	cfg.Ledger.Path = strings.TrimSpace(cfg.Ledger.Path)
}
