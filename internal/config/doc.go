// Package config defines the configuration structure for the llmspell
// storage core.
//
// Configuration is organized into logical sections (Storage, Pool, Vector,
// EventLog, Artifact, Migration) mirroring spec §6.1. Defaults are applied
// with github.com/creasty/defaults, values are loaded and environment-
// overridden with spf13/viper, and CLI flags bind through spf13/pflag /
// spf13/cobra in cmd/llmspell-storage-migrate.
//
// # Configuration Structure
//
//	Config
//	├── Storage   - default backend + per-component overrides
//	├── Pool      - centralized-relational connection pool sizing
//	├── Vector    - per-dimension HNSW tuning
//	├── EventLog  - partition strategy, retention
//	├── Artifact  - inline/size thresholds
//	└── Migration - batch size, retry, progress cadence, backup retention
//
// # Backend Selection
//
//	backend: centralized_relational   # memory | embedded_kv | centralized_relational
//	components:
//	  sessions: embedded_kv           # per-sub-store override
//
// # Environment Overrides
//
// Any setting may be overridden by an environment variable using the fixed
// prefix LLMSPELL_STORAGE_, mapping config paths to upper-snake-case, e.g.
// pool.pool_size -> LLMSPELL_STORAGE_POOL_POOL_SIZE.
//
// # Debug Logging
//
// Fields are tagged with `debugmap:"visible"` or `debugmap:"hidden"` so
// DebugMap() can be logged safely without leaking secrets such as
// connection URLs with embedded credentials.
//
//	log.Info("configuration loaded", zap.Any("config", cfg.DebugMap()))
package config
