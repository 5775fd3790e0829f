package migrator

// migrations contains the numbered, forward-only SQL migrations for the
// llmspell schema (spec §4.4, §6.2). Each entry is applied inside its own
// transaction, in ascending version order, and is idempotent (IF NOT
// EXISTS / IF EXISTS guards) so re-running Run is a no-op once applied.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "extensions_and_schema",
		SQL: `
			CREATE SCHEMA IF NOT EXISTS llmspell;
			CREATE EXTENSION IF NOT EXISTS vector;
			CREATE EXTENSION IF NOT EXISTS pgcrypto;
			CREATE EXTENSION IF NOT EXISTS "uuid-ossp";
			CREATE EXTENSION IF NOT EXISTS btree_gist;
		`,
	},
	{
		Version: 2,
		Name:    "vector_embeddings",
		SQL: `
			CREATE TABLE IF NOT EXISTS llmspell.vector_embeddings_384 (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				tenant_id TEXT NOT NULL,
				scope TEXT NOT NULL,
				embedding vector(384) NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_vec384_scope ON llmspell.vector_embeddings_384 (tenant_id, scope);
			CREATE INDEX IF NOT EXISTS idx_vec384_hnsw ON llmspell.vector_embeddings_384
				USING hnsw (embedding vector_cosine_ops);

			CREATE TABLE IF NOT EXISTS llmspell.vector_embeddings_768 (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				tenant_id TEXT NOT NULL,
				scope TEXT NOT NULL,
				embedding vector(768) NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_vec768_scope ON llmspell.vector_embeddings_768 (tenant_id, scope);
			CREATE INDEX IF NOT EXISTS idx_vec768_hnsw ON llmspell.vector_embeddings_768
				USING hnsw (embedding vector_cosine_ops);

			CREATE TABLE IF NOT EXISTS llmspell.vector_embeddings_1536 (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				tenant_id TEXT NOT NULL,
				scope TEXT NOT NULL,
				embedding vector(1536) NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_vec1536_scope ON llmspell.vector_embeddings_1536 (tenant_id, scope);
			CREATE INDEX IF NOT EXISTS idx_vec1536_hnsw ON llmspell.vector_embeddings_1536
				USING hnsw (embedding vector_cosine_ops);

			-- 3072 dims exceeds pgvector's HNSW column limit: no ANN index,
			-- queries fall back to exact scan (spec §3.1, §4.6).
			CREATE TABLE IF NOT EXISTS llmspell.vector_embeddings_3072 (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				tenant_id TEXT NOT NULL,
				scope TEXT NOT NULL,
				embedding vector(3072) NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_vec3072_scope ON llmspell.vector_embeddings_3072 (tenant_id, scope);
		`,
	},
	{
		Version: 3,
		Name:    "bitemporal_graph",
		SQL: `
			CREATE TABLE IF NOT EXISTS llmspell.graph_entities (
				entity_id TEXT NOT NULL,
				tenant_id TEXT NOT NULL,
				type TEXT NOT NULL,
				name TEXT NOT NULL,
				properties JSONB NOT NULL DEFAULT '{}',
				valid_from TIMESTAMPTZ NOT NULL,
				valid_until TIMESTAMPTZ NOT NULL,
				tx_from TIMESTAMPTZ NOT NULL,
				tx_until TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (entity_id, tx_from),
				CHECK (valid_from < valid_until),
				CHECK (tx_from < tx_until)
			);
			CREATE INDEX IF NOT EXISTS idx_graph_entities_valid ON llmspell.graph_entities
				USING gist (tenant_id, tstzrange(valid_from, valid_until));
			CREATE INDEX IF NOT EXISTS idx_graph_entities_tx ON llmspell.graph_entities
				USING gist (tenant_id, tstzrange(tx_from, tx_until));
			CREATE UNIQUE INDEX IF NOT EXISTS idx_graph_entities_current ON llmspell.graph_entities (entity_id)
				WHERE tx_until = 'infinity';

			-- No storage-level foreign key to entities: entities are
			-- versioned, referential consistency is the writer's
			-- responsibility (spec §3.3).
			CREATE TABLE IF NOT EXISTS llmspell.graph_relationships (
				relationship_id TEXT NOT NULL,
				tenant_id TEXT NOT NULL,
				from_entity_id TEXT NOT NULL,
				to_entity_id TEXT NOT NULL,
				relationship_type TEXT NOT NULL,
				properties JSONB NOT NULL DEFAULT '{}',
				valid_from TIMESTAMPTZ NOT NULL,
				valid_until TIMESTAMPTZ NOT NULL,
				tx_from TIMESTAMPTZ NOT NULL,
				tx_until TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (relationship_id, tx_from),
				CHECK (valid_from < valid_until),
				CHECK (tx_from < tx_until)
			);
			CREATE INDEX IF NOT EXISTS idx_graph_rel_valid ON llmspell.graph_relationships
				USING gist (tenant_id, tstzrange(valid_from, valid_until));
			CREATE UNIQUE INDEX IF NOT EXISTS idx_graph_rel_current ON llmspell.graph_relationships (relationship_id)
				WHERE tx_until = 'infinity';
		`,
	},
	{
		Version: 4,
		Name:    "procedural_patterns",
		SQL: `
			CREATE TABLE IF NOT EXISTS llmspell.procedural_patterns (
				tenant_id TEXT NOT NULL,
				scope TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
				last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
				frequency BIGINT NOT NULL DEFAULT 1 CHECK (frequency >= 1),
				PRIMARY KEY (tenant_id, scope, key, value)
			);
			CREATE INDEX IF NOT EXISTS idx_patterns_learned ON llmspell.procedural_patterns (tenant_id, scope, key)
				WHERE frequency >= 3;
		`,
	},
	{
		Version: 5,
		Name:    "agent_state",
		SQL: `
			CREATE TABLE IF NOT EXISTS llmspell.agent_state (
				state_id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				tenant_id TEXT NOT NULL,
				agent_id TEXT NOT NULL,
				agent_type TEXT NOT NULL,
				state JSONB NOT NULL,
				schema_version INT NOT NULL DEFAULT 1 CHECK (schema_version >= 1),
				data_version INT NOT NULL DEFAULT 1 CHECK (data_version >= 1),
				checksum BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (tenant_id, agent_id)
			);
		`,
	},
	{
		Version: 6,
		Name:    "workflow_state",
		SQL: `
			CREATE TABLE IF NOT EXISTS llmspell.workflow_state (
				tenant_id TEXT NOT NULL,
				workflow_id TEXT NOT NULL,
				name TEXT NOT NULL,
				state JSONB NOT NULL,
				current_step INT NOT NULL DEFAULT 0 CHECK (current_step >= 0),
				status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed','cancelled')),
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (tenant_id, workflow_id),
				CHECK (status NOT IN ('completed','failed','cancelled') OR completed_at IS NOT NULL)
			);
		`,
	},
	{
		Version: 7,
		Name:    "sessions_and_artifacts",
		SQL: `
			CREATE TABLE IF NOT EXISTS llmspell.sessions (
				tenant_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				state JSONB NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','archived','expired')),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				last_accessed TIMESTAMPTZ NOT NULL DEFAULT now(),
				expires_at TIMESTAMPTZ,
				artifact_count INT NOT NULL DEFAULT 0 CHECK (artifact_count >= 0),
				PRIMARY KEY (tenant_id, session_id)
			);

			CREATE TABLE IF NOT EXISTS llmspell.artifact_content (
				tenant_id TEXT NOT NULL,
				content_hash BYTEA NOT NULL,
				inline_bytes BYTEA,
				large_object_id BIGINT,
				ref_count BIGINT NOT NULL DEFAULT 1 CHECK (ref_count >= 0),
				compressed BOOLEAN NOT NULL DEFAULT false,
				original_size BIGINT,
				size BIGINT NOT NULL CHECK (size <= 104857600),
				last_accessed TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (tenant_id, content_hash),
				CHECK ((inline_bytes IS NOT NULL) <> (large_object_id IS NOT NULL))
			);

			CREATE TABLE IF NOT EXISTS llmspell.artifact_metadata (
				tenant_id TEXT NOT NULL,
				artifact_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				sequence BIGINT NOT NULL,
				content_hash BYTEA NOT NULL,
				name TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				created_by TEXT,
				version INT NOT NULL DEFAULT 1 CHECK (version >= 1),
				parent_artifact_id TEXT,
				tags TEXT[] NOT NULL DEFAULT '{}',
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (tenant_id, artifact_id),
				UNIQUE (tenant_id, session_id, sequence),
				FOREIGN KEY (tenant_id, content_hash) REFERENCES llmspell.artifact_content (tenant_id, content_hash)
			);
		`,
	},
	{
		Version: 8,
		Name:    "event_log_partitioned",
		SQL: `
			CREATE TABLE IF NOT EXISTS llmspell.event_log (
				tenant_id TEXT NOT NULL,
				ts TIMESTAMPTZ NOT NULL,
				event_id UUID NOT NULL DEFAULT uuid_generate_v4(),
				event_type TEXT NOT NULL,
				correlation_id TEXT,
				sequence BIGINT NOT NULL,
				source_lang TEXT,
				payload JSONB NOT NULL,
				PRIMARY KEY (tenant_id, ts, event_id)
			) PARTITION BY RANGE (ts);
			CREATE INDEX IF NOT EXISTS idx_event_log_range ON llmspell.event_log (tenant_id, ts);
		`,
	},
	{
		Version: 9,
		Name:    "hook_history",
		SQL: `
			CREATE TABLE IF NOT EXISTS llmspell.hook_history (
				execution_id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				tenant_id TEXT NOT NULL,
				hook_id TEXT NOT NULL,
				hook_type TEXT NOT NULL,
				correlation_id TEXT,
				context_compressed BYTEA NOT NULL,
				context_size BIGINT NOT NULL,
				result JSONB,
				duration_ms BIGINT NOT NULL CHECK (duration_ms >= 0),
				triggering_component TEXT,
				component_id TEXT,
				modified_operation BOOLEAN NOT NULL DEFAULT false,
				tags TEXT[] NOT NULL DEFAULT '{}',
				retention_priority INT NOT NULL DEFAULT 0,
				sensitive BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_hook_history_cleanup ON llmspell.hook_history (created_at, retention_priority);
		`,
	},
	{
		Version: 10,
		Name:    "api_keys",
		SQL: `
			CREATE TABLE IF NOT EXISTS llmspell.api_keys (
				key_id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				tenant_id TEXT NOT NULL,
				service TEXT NOT NULL,
				encrypted_key BYTEA NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				last_used_at TIMESTAMPTZ,
				expires_at TIMESTAMPTZ,
				active BOOLEAN NOT NULL DEFAULT true,
				usage_count BIGINT NOT NULL DEFAULT 0,
				rotated_from UUID,
				deactivated_at TIMESTAMPTZ
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_active ON llmspell.api_keys (tenant_id, service)
				WHERE active;
		`,
	},
	{
		Version: 11,
		Name:    "row_level_security",
		SQL: `
			ALTER TABLE llmspell.vector_embeddings_384 ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.vector_embeddings_384 FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.vector_embeddings_768 ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.vector_embeddings_768 FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.vector_embeddings_1536 ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.vector_embeddings_1536 FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.vector_embeddings_3072 ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.vector_embeddings_3072 FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.graph_entities ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.graph_entities FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.graph_relationships ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.graph_relationships FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.procedural_patterns ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.procedural_patterns FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.agent_state ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.agent_state FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.workflow_state ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.workflow_state FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.sessions ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.sessions FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.artifact_content ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.artifact_content FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.artifact_metadata ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.artifact_metadata FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.event_log ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.event_log FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.hook_history ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.hook_history FORCE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.api_keys ENABLE ROW LEVEL SECURITY;
			ALTER TABLE llmspell.api_keys FORCE ROW LEVEL SECURITY;
		`,
	},
}

// rlsPolicyTables lists every tenant-owned table that gets the four
// per-CRUD-op row-filtering policies described in spec §6.3, applied in
// migration 12 below so the CREATE POLICY statements can be generated once.
var rlsPolicyTables = []string{
	"vector_embeddings_384", "vector_embeddings_768", "vector_embeddings_1536", "vector_embeddings_3072",
	"graph_entities", "graph_relationships", "procedural_patterns", "agent_state", "workflow_state",
	"sessions", "artifact_content", "artifact_metadata", "event_log", "hook_history", "api_keys",
}

func init() {
	sql := ""
	for _, table := range rlsPolicyTables {
		for _, op := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
			policy := "tenant_isolation_" + op
			// PostgreSQL accepts only WITH CHECK on an INSERT policy.
			using := ` USING (tenant_id = current_setting('app.current_tenant_id', true))`
			if op == "INSERT" {
				using = ""
			}
			sql += `DROP POLICY IF EXISTS ` + policy + ` ON llmspell.` + table + `;` + "\n"
			sql += `CREATE POLICY ` + policy + ` ON llmspell.` + table +
				` FOR ` + op + using + tenantCheckClause(op) + `;` + "\n"
		}
	}
	migrations = append(migrations, Migration{
		Version: 12,
		Name:    "row_level_security_policies",
		SQL:     sql,
	})
}

// tenantCheckClause adds a WITH CHECK clause for write operations so rows
// cannot be written for another tenant, not merely hidden on read.
func tenantCheckClause(op string) string {
	switch op {
	case "INSERT", "UPDATE":
		return ` WITH CHECK (tenant_id = current_setting('app.current_tenant_id', true))`
	default:
		return ""
	}
}
