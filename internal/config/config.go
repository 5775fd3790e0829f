package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

// Backend enumerates the storage backends a sub-store may be bound to.
type Backend string

const (
	BackendMemory        Backend = "memory"
	BackendEmbeddedKV     Backend = "embedded_kv"
	BackendCentralizedSQL Backend = "centralized_relational"
)

// Component names the ten logical sub-stores, used as keys in per-component
// backend overrides.
type Component string

const (
	ComponentVector384   Component = "vector_384"
	ComponentVector768   Component = "vector_768"
	ComponentVector1536  Component = "vector_1536"
	ComponentVector3072  Component = "vector_3072"
	ComponentGraph       Component = "graph"
	ComponentPatterns    Component = "patterns"
	ComponentAgentState  Component = "agent_state"
	ComponentWorkflow    Component = "workflow"
	ComponentSessions    Component = "sessions"
	ComponentArtifacts   Component = "artifacts"
	ComponentEventLog    Component = "event_log"
	ComponentHookHistory Component = "hook_history"
	ComponentAPIKeys     Component = "api_keys"
)

// Storage is the top-level storage configuration section.
type Storage struct {
	Backend    Backend              `mapstructure:"backend" default:"memory" debugmap:"visible"`
	Components map[Component]Backend `mapstructure:"components" debugmap:"visible"`

	Relational Relational `mapstructure:"relational" debugmap:"visible"`
	Pool       Pool       `mapstructure:"pool" debugmap:"visible"`
	Vector     Vector     `mapstructure:"vector" debugmap:"visible"`
	EventLog   EventLog   `mapstructure:"event_log" debugmap:"visible"`
	Artifact   Artifact   `mapstructure:"artifact" debugmap:"visible"`
	Migration  Migration  `mapstructure:"migration" debugmap:"visible"`
	EmbeddedKV EmbeddedKV `mapstructure:"embedded_kv" debugmap:"visible"`
}

// Relational holds the centralized-relational (PostgreSQL) backend settings.
type Relational struct {
	ConnectionURL          string `mapstructure:"connection_url" debugmap:"hidden"`
	EnforceTenantIsolation bool   `mapstructure:"enforce_tenant_isolation" default:"true" debugmap:"visible"`
	DefaultTenantID        string `mapstructure:"default_tenant_id" debugmap:"visible"`
	AutoMigrate            bool   `mapstructure:"auto_migrate" default:"true" debugmap:"visible"`
	MigrationTimeoutSecs   int    `mapstructure:"migration_timeout_secs" default:"300" debugmap:"visible"`
}

// Pool configures the bounded connection pool (spec §4.2).
type Pool struct {
	PoolSize       int `mapstructure:"pool_size" default:"0" debugmap:"visible"` // 0 = derive from CPU count
	PoolTimeoutSecs int `mapstructure:"pool_timeout_secs" default:"10" debugmap:"visible"`
	IdleTimeoutSecs int `mapstructure:"idle_timeout_secs" default:"300" debugmap:"visible"`
	MaxLifetimeSecs int `mapstructure:"max_lifetime_secs" default:"1800" debugmap:"visible"`
}

func (p Pool) PoolTimeout() time.Duration  { return time.Duration(p.PoolTimeoutSecs) * time.Second }
func (p Pool) IdleTimeout() time.Duration  { return time.Duration(p.IdleTimeoutSecs) * time.Second }
func (p Pool) MaxLifetime() time.Duration  { return time.Duration(p.MaxLifetimeSecs) * time.Second }

// DefaultPoolSize implements spec §4.2's default sizing rule: (cpu_cores*2)+1.
func DefaultPoolSize(cpuCores int) int {
	return cpuCores*2 + 1
}

// Vector configures per-dimension HNSW index parameters.
type Vector struct {
	HNSWM              int `mapstructure:"hnsw_m" default:"16" debugmap:"visible"`
	HNSWEfConstruction int `mapstructure:"hnsw_ef_construction" default:"64" debugmap:"visible"`
	ExactScanRowLimit  int `mapstructure:"exact_scan_row_limit" default:"2000000" debugmap:"visible"`
}

// EventLog configures the partitioned event log backend.
type EventLog struct {
	PartitionStrategy string `mapstructure:"partition_strategy" default:"monthly" debugmap:"visible"`
	RetentionDays     int    `mapstructure:"retention_days" default:"365" debugmap:"visible"`
}

// Artifact configures the content-addressed artifact store thresholds.
type Artifact struct {
	InlineThresholdBytes int64 `mapstructure:"inline_threshold_bytes" default:"1048576" debugmap:"visible"`
	MaxArtifactBytes     int64 `mapstructure:"max_artifact_bytes" default:"104857600" debugmap:"visible"`
}

// Migration configures the cross-backend migration engine.
type Migration struct {
	BatchSize       int `mapstructure:"batch_size" default:"1000" debugmap:"visible"`
	MaxRetries      int `mapstructure:"max_retries" default:"3" debugmap:"visible"`
	ProgressEveryN  int `mapstructure:"progress_every_n" default:"1000" debugmap:"visible"`
	ProgressEverySecs int `mapstructure:"progress_every_secs" default:"5" debugmap:"visible"`
	RetainBackup    bool `mapstructure:"retain_backup" default:"false" debugmap:"visible"`
}

// EmbeddedKV configures the embedded key-value backend used as a migration
// source and as an option for a subset of sub-stores.
type EmbeddedKV struct {
	DataDir string `mapstructure:"data_dir" default:"./data/llmspell-kv" debugmap:"visible"`
}

// EnvPrefix is the fixed prefix mapping config paths to environment
// variables, per spec §6.1.
const EnvPrefix = "LLMSPELL_STORAGE"

// Load reads configuration from the given file path (if non-empty),
// applies struct defaults, then lets environment variables prefixed with
// EnvPrefix override any value.
func Load(path string) (*Storage, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Storage{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.Relational.DefaultTenantID == "" {
		if envTenant := os.Getenv(EnvPrefix + "_DEFAULT_TENANT_ID"); envTenant != "" {
			cfg.Relational.DefaultTenantID = envTenant
		}
	}
	return cfg, nil
}

// BackendFor resolves the effective backend for a component, honoring a
// per-component override before falling back to the default backend.
func (s *Storage) BackendFor(c Component) Backend {
	if b, ok := s.Components[c]; ok && b != "" {
		return b
	}
	return s.Backend
}

// DebugMap returns a map of visible fields suitable for structured logging,
// honoring the debugmap struct tags (fields tagged "hidden" are omitted).
func (s *Storage) DebugMap() map[string]any {
	return map[string]any{
		"backend":               s.Backend,
		"components":            s.Components,
		"pool_size":             s.Pool.PoolSize,
		"pool_timeout_secs":     s.Pool.PoolTimeoutSecs,
		"enforce_tenant_isolation": s.Relational.EnforceTenantIsolation,
		"auto_migrate":          s.Relational.AutoMigrate,
		"vector_hnsw_m":         s.Vector.HNSWM,
		"event_log_retention":   s.EventLog.RetentionDays,
		"artifact_inline_threshold": s.Artifact.InlineThresholdBytes,
		"migration_batch_size":  s.Migration.BatchSize,
	}
}
