package store

import (
	"github.com/lexlapax/llmspell-storage/internal/config"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// Store composes the ten sub-stores over a single connection pool (spec
// §2, §3), the way the teacher's internal/store.Store composes VM and
// configuration access over one database handle. Callers reach a
// sub-store through its accessor rather than through Store directly.
type Store struct {
	pool *pool.Pool

	vector384  *VectorStore
	vector768  *VectorStore
	vector1536 *VectorStore
	vector3072 *VectorStore
	graph      *GraphStore
	patterns   *PatternStore
	agentState *AgentStateStore
	workflow   *WorkflowStore
	sessions   *SessionStore
	artifacts  *ArtifactStore
	eventLog   *EventLogStore
	hookHist   *HookHistoryStore
	apiKeys    *APIKeyStore
}

// New builds a Store wired to pool, instantiating every sub-store from cfg.
func New(p *pool.Pool, cfg *config.Storage) *Store {
	return &Store{
		pool:       p,
		vector384:  NewVectorStore(p, models.Dim384, cfg.Vector),
		vector768:  NewVectorStore(p, models.Dim768, cfg.Vector),
		vector1536: NewVectorStore(p, models.Dim1536, cfg.Vector),
		vector3072: NewVectorStore(p, models.Dim3072, cfg.Vector),
		graph:      NewGraphStore(p),
		patterns:   NewPatternStore(p),
		agentState: NewAgentStateStore(p),
		workflow:   NewWorkflowStore(p),
		sessions:   NewSessionStore(p),
		artifacts:  NewArtifactStore(p, cfg.Artifact),
		eventLog:   NewEventLogStore(p),
		hookHist:   NewHookHistoryStore(p),
		apiKeys:    NewAPIKeyStore(p),
	}
}

func (s *Store) Vector(dim models.VectorDimension) *VectorStore {
	switch dim {
	case models.Dim384:
		return s.vector384
	case models.Dim768:
		return s.vector768
	case models.Dim1536:
		return s.vector1536
	case models.Dim3072:
		return s.vector3072
	default:
		return nil
	}
}

func (s *Store) Graph() *GraphStore               { return s.graph }
func (s *Store) Patterns() *PatternStore          { return s.patterns }
func (s *Store) AgentState() *AgentStateStore     { return s.agentState }
func (s *Store) Workflow() *WorkflowStore         { return s.workflow }
func (s *Store) Sessions() *SessionStore          { return s.sessions }
func (s *Store) Artifacts() *ArtifactStore        { return s.artifacts }
func (s *Store) EventLog() *EventLogStore         { return s.eventLog }
func (s *Store) HookHistory() *HookHistoryStore   { return s.hookHist }
func (s *Store) APIKeys() *APIKeyStore            { return s.apiKeys }
func (s *Store) Pool() *pool.Pool                 { return s.pool }
