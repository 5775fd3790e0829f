package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	"github.com/lexlapax/llmspell-storage/internal/config"
	"github.com/lexlapax/llmspell-storage/internal/kvbackend"
	"github.com/lexlapax/llmspell-storage/internal/migration"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/internal/store"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// runState is the sidecar document that lets plan, dry-run, execute,
// validate, and rollback cooperate across separate process invocations of
// the same run — each subcommand reads and rewrites it by run ID.
type runState struct {
	Plan   migration.Plan          `json:"plan"`
	Backup *migration.BackupHandle `json:"backup,omitempty"`
	State  migration.State         `json:"state"`
	Result *resultSummary          `json:"result,omitempty"`
}

// resultSummary flattens migration.Result for JSON persistence — its Err
// field is an interface and does not round-trip through encoding/json.
type resultSummary struct {
	State         migration.State  `json:"state"`
	Migrated      map[string]int64 `json:"migrated"`
	Discrepancies []string         `json:"discrepancies,omitempty"`
	Err           string           `json:"error,omitempty"`
}

func summarize(r migration.Result) *resultSummary {
	s := &resultSummary{State: r.State, Migrated: r.Migrated, Discrepancies: r.Discrepancies}
	if r.Err != nil {
		s.Err = r.Err.Error()
	}
	return s
}

func runStateDir(cfg *config.Storage) string {
	return filepath.Join(cfg.EmbeddedKV.DataDir, "migration-runs")
}

func runStatePath(cfg *config.Storage, runID string) string {
	return filepath.Join(runStateDir(cfg), runID+".json")
}

func saveRunState(cfg *config.Storage, runID string, rs runState) error {
	if err := os.MkdirAll(runStateDir(cfg), 0700); err != nil {
		return fmt.Errorf("creating run state directory: %w", err)
	}
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run state: %w", err)
	}
	return os.WriteFile(runStatePath(cfg, runID), data, 0600)
}

func loadRunState(cfg *config.Storage, runID string) (runState, error) {
	var rs runState
	data, err := os.ReadFile(runStatePath(cfg, runID))
	if err != nil {
		return rs, fmt.Errorf("reading run state for %s (run plan first?): %w", runID, err)
	}
	if err := json.Unmarshal(data, &rs); err != nil {
		return rs, fmt.Errorf("unmarshaling run state: %w", err)
	}
	return rs, nil
}

// componentEndpoints carries one component's migration closure alongside
// its source- and target-side Count, so plan can estimate sizes and
// validate can re-check them without rebuilding the pairing twice.
type componentEndpoints struct {
	Name        string
	Spec        migration.ComponentSpec
	SourceCount func(ctx context.Context, tenant models.Tenant) (int64, error)
	TargetCount func(ctx context.Context, tenant models.Tenant) (int64, error)
}

// endpoint builds one component's pairing; T is named explicitly at every
// call site since Go cannot infer a type parameter used only inside an
// interface parameter's instantiation from the concrete argument types.
func endpoint[T any](name string, reverse bool, kv relational[T], rel relational[T]) componentEndpoints {
	var src, tgt relational[T]
	src, tgt = kv, rel
	if reverse {
		src, tgt = rel, kv
	}
	return componentEndpoints{
		Name:        name,
		Spec:        migration.Component[T](name, src, tgt),
		SourceCount: src.Count,
		TargetCount: tgt.Count,
	}
}

// buildComponents wires every sub-store against its embedded-KV counterpart
// in dependency order (spec §4.17: sessions and graph entities before
// artifact metadata and graph relationships respectively). reverse=true
// migrates centralized_relational -> embedded_kv instead of the default
// embedded_kv -> centralized_relational.
func buildComponents(st *store.Store, kv *kvbackend.Backend, reverse bool) []componentEndpoints {
	sessions := kvbackend.NewJSONStore(kv, "sessions", func(s models.Session) string { return s.SessionID })
	agentState := kvbackend.NewJSONStore(kv, "agent_state", func(s models.AgentState) string { return s.AgentID })
	workflow := kvbackend.NewJSONStore(kv, "workflow", func(s models.WorkflowState) string { return s.WorkflowID })
	patterns := kvbackend.NewJSONStore(kv, "patterns", func(p models.Pattern) string {
		return p.Scope + "\x1f" + p.Key + "\x1f" + p.Value
	})
	vec384 := kvbackend.NewJSONStore(kv, "vector_384", func(r models.VectorRecord) string { return r.ID })
	vec768 := kvbackend.NewJSONStore(kv, "vector_768", func(r models.VectorRecord) string { return r.ID })
	vec1536 := kvbackend.NewJSONStore(kv, "vector_1536", func(r models.VectorRecord) string { return r.ID })
	vec3072 := kvbackend.NewJSONStore(kv, "vector_3072", func(r models.VectorRecord) string { return r.ID })
	entities := kvbackend.NewJSONStore(kv, "graph_entities", func(e models.Entity) string {
		return e.EntityID + "\x1f" + e.TxFrom.Format("20060102150405.000000000")
	})
	relationships := kvbackend.NewJSONStore(kv, "graph_relationships", func(r models.Relationship) string {
		return r.RelationshipID + "\x1f" + r.TxFrom.Format("20060102150405.000000000")
	})
	artifactContent := kvbackend.NewJSONStore(kv, "artifact_content", func(c models.ArtifactContent) string {
		return fmt.Sprintf("%x", c.ContentHash)
	})
	artifactMetadata := kvbackend.NewJSONStore(kv, "artifact_metadata", func(a models.ArtifactMetadata) string { return a.ArtifactID })
	eventLog := kvbackend.NewJSONStore(kv, "event_log", func(r models.EventRecord) string { return r.EventID })
	hookHistory := kvbackend.NewJSONStore(kv, "hook_history", func(h models.HookExecution) string { return h.ExecutionID })
	apiKeys := kvbackend.NewJSONStore(kv, "api_keys", func(k models.APIKey) string { return k.KeyID })

	return []componentEndpoints{
		endpoint[models.Session]("sessions", reverse, sessions, st.Sessions()),
		endpoint[models.AgentState]("agent_state", reverse, agentState, st.AgentState()),
		endpoint[models.WorkflowState]("workflow", reverse, workflow, st.Workflow()),
		endpoint[models.Pattern]("patterns", reverse, patterns, st.Patterns()),
		endpoint[models.VectorRecord]("vector_384", reverse, vec384, st.Vector(models.Dim384)),
		endpoint[models.VectorRecord]("vector_768", reverse, vec768, st.Vector(models.Dim768)),
		endpoint[models.VectorRecord]("vector_1536", reverse, vec1536, st.Vector(models.Dim1536)),
		endpoint[models.VectorRecord]("vector_3072", reverse, vec3072, st.Vector(models.Dim3072)),
		endpoint[models.Entity]("graph_entities", reverse, entities, st.Graph()),
		endpoint[models.Relationship]("graph_relationships", reverse, relationships, st.Graph().Relationships()),
		endpoint[models.ArtifactContent]("artifact_content", reverse, artifactContent, st.Artifacts().Content()),
		endpoint[models.ArtifactMetadata]("artifact_metadata", reverse, artifactMetadata, st.Artifacts().Metadata()),
		endpoint[models.EventRecord]("event_log", reverse, eventLog, st.EventLog()),
		endpoint[models.HookExecution]("hook_history", reverse, hookHistory, st.HookHistory()),
		endpoint[models.APIKey]("api_keys", reverse, apiKeys, st.APIKeys()),
	}
}

// relational is satisfied by every relational sub-store's migration pair;
// kv.JSONStore satisfies it too, which is what lets endpoint build either
// direction from the same two stores. Every call site names T explicitly
// since Go cannot infer a type parameter used only inside an interface
// parameter's instantiation from the concrete argument types.
type relational[T any] interface {
	capability.MigrationSource[T]
	capability.MigrationTarget[T]
	Count(ctx context.Context, tenant models.Tenant) (int64, error)
}

// countSourceFunc adapts a bare count function to validator.CountSource
// without requiring a named type per component.
type countSourceFunc func(ctx context.Context, tenant models.Tenant) (int64, error)

func (f countSourceFunc) Count(ctx context.Context, tenant models.Tenant) (int64, error) {
	return f(ctx, tenant)
}

func openStores(ctx context.Context, cfg *config.Storage) (*pool.Pool, *store.Store, *kvbackend.Backend, error) {
	p, err := pool.Open(ctx, cfg.Relational.ConnectionURL, cfg.Pool)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening relational pool: %w", err)
	}
	kv, err := kvbackend.Open(cfg.EmbeddedKV.DataDir)
	if err != nil {
		p.Close()
		return nil, nil, nil, fmt.Errorf("opening embedded kv backend: %w", err)
	}
	return p, store.New(p, cfg), kv, nil
}
