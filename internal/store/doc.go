// Package store implements the ten logical sub-stores of the llmspell
// storage engine (spec §3) against a single PostgreSQL schema, plus the
// facade that groups them for callers.
//
// # Architecture Overview
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                          Store (facade)                          │
//	├──────────────┬──────────────┬──────────────┬────────────────────┤
//	│ VectorStore  │ GraphStore   │ PatternStore │ AgentStateStore     │
//	│ (×4 dims)    │ bi-temporal  │ procedural   │ agent checkpoints   │
//	├──────────────┼──────────────┼──────────────┼────────────────────┤
//	│ WorkflowStore│ SessionStore │ ArtifactStore│ EventLogStore       │
//	│ workflow run │ sessions     │ content-     │ partitioned event   │
//	│ state        │              │ addressed    │ log                │
//	├──────────────┼──────────────┴──────────────┴────────────────────┤
//	│ HookHistory  │ APIKeyStore                                      │
//	│ Store        │ encrypted API keys                               │
//	└──────────────┴───────────────────────────────────────────────────┘
//
// Every sub-store binds its connection to a tenant via internal/tenant
// before issuing queries, so row-level security enforces isolation at the
// database layer rather than in application code (spec §4.2).
//
// # Migration support
//
// Most sub-stores additionally implement capability.MigrationSource and
// capability.MigrationTarget so the cross-backend migration engine
// (internal/migration) can drain them into, or refill them from, the
// embedded key-value backend (internal/kvbackend) one batch at a time
// (spec §4.17). Types that need a second typed pairing beyond their
// primary record type expose it through a small wrapper — GraphStore's
// relationships via GraphRelationshipMigration, ArtifactStore's content
// and metadata via ArtifactContentMigration and ArtifactMetadataMigration
// — since a single Go receiver type cannot implement the same generic
// interface twice over different type arguments.
//
// # Shared helpers
//
//   - withTenantConn / withTenantTx (conn.go) bind a pooled connection or
//     transaction to a tenant before running the callback.
//   - classifyWriteErr / isMissingPartitionErr (errclass.go) map pgx error
//     codes onto the Permanent/Transient/NotFound taxonomy of
//     internal/errors.
//   - canonicalize (canonical.go) produces deterministic bytes for
//     checksums by recursively sorting map keys before marshaling.
package store
