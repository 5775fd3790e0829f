// Package models defines the record types shared across every sub-store
// and the migration engine. These are plain data structs; persistence
// concerns live in internal/store and internal/kvbackend.
package models

import "time"

// Tenant is the opaque identifier carrying logical ownership of rows. It is
// required on every persisted record (spec §3).
type Tenant string

// VectorDimension enumerates the supported embedding widths.
type VectorDimension int

const (
	Dim384  VectorDimension = 384
	Dim768  VectorDimension = 768
	Dim1536 VectorDimension = 1536
	Dim3072 VectorDimension = 3072
)

// VectorRecord is a single embedding row (spec §3.1).
type VectorRecord struct {
	ID        string
	Tenant    Tenant
	Scope     string
	Vector    []float32
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScoredID is a search hit: an id paired with its similarity score.
type ScoredID struct {
	ID    string
	Score float64
}

// TimeInterval is a half-open interval [From, Until). An Until equal to
// InfiniteSentinel (see IsInfinite) means open-ended.
type TimeInterval struct {
	From  time.Time
	Until time.Time
}

// InfiniteSentinel is the timestamp used to represent "+infinity" for
// transaction-time and valid-time intervals that are still open. PostgreSQL
// represents this with 'infinity'::timestamptz; the Go-side sentinel is the
// largest representable time so comparisons behave correctly in-process.
var InfiniteSentinel = time.Unix(1<<62, 0).UTC()

// IsInfinite reports whether t is the open-ended sentinel.
func IsInfinite(t time.Time) bool {
	return t.Equal(InfiniteSentinel) || t.After(InfiniteSentinel.Add(-time.Second))
}

// Entity is a bi-temporal graph entity row (spec §3.2). Identity is
// (EntityID, TxFrom); multiple transaction-time rows per EntityID are normal.
type Entity struct {
	EntityID   string
	Tenant     Tenant
	Type       string
	Name       string
	Properties map[string]any
	ValidFrom  time.Time
	ValidUntil time.Time
	TxFrom     time.Time
	TxUntil    time.Time
}

// Relationship is a bi-temporal graph relationship row (spec §3.3).
type Relationship struct {
	RelationshipID   string
	Tenant           Tenant
	FromEntityID     string
	ToEntityID       string
	RelationshipType string
	Properties       map[string]any
	ValidFrom        time.Time
	ValidUntil       time.Time
	TxFrom           time.Time
	TxUntil          time.Time
}

// GraphFilter narrows entity/relationship queries.
type GraphFilter struct {
	Type   string
	NameLike string
	EntityID string
}

// Pattern is a procedural-pattern tuple (spec §3.4).
type Pattern struct {
	Tenant    Tenant
	Scope     string
	Key       string
	Value     string
	FirstSeen time.Time
	LastSeen  time.Time
	Frequency int64
}

// LearnedThreshold is the frequency at which a pattern is considered
// "learned" (spec §3.4). It is a query-side concept, not a stored flag.
const LearnedThreshold = 3

// AgentState is a saved agent state blob (spec §3.5).
type AgentState struct {
	StateID       string
	Tenant        Tenant
	AgentID       string
	AgentType     string
	State         map[string]any
	SchemaVersion int
	DataVersion   int
	Checksum      [32]byte
	UpdatedAt     time.Time
}

// WorkflowStatus enumerates the workflow state machine (spec §3.6).
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// allowedWorkflowTransitions enumerates the legal status edges (spec §4.10).
var allowedWorkflowTransitions = map[WorkflowStatus]map[WorkflowStatus]bool{
	WorkflowPending: {WorkflowRunning: true, WorkflowCancelled: true},
	WorkflowRunning: {WorkflowCompleted: true, WorkflowFailed: true, WorkflowCancelled: true},
}

// CanTransition reports whether moving from 'from' to 'to' is legal.
func CanTransition(from, to WorkflowStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	edges, ok := allowedWorkflowTransitions[from]
	return ok && edges[to]
}

// WorkflowState is a workflow run row (spec §3.6).
type WorkflowState struct {
	Tenant      Tenant
	WorkflowID  string
	Name        string
	State       map[string]any
	CurrentStep int
	Status      WorkflowStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// SessionStatus enumerates session lifecycle states (spec §3.7).
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
	SessionExpired  SessionStatus = "expired"
)

// Session is a session snapshot row (spec §3.7).
type Session struct {
	Tenant        Tenant
	SessionID     string
	State         map[string]any
	Status        SessionStatus
	CreatedAt     time.Time
	LastAccessed  time.Time
	ExpiresAt     *time.Time
	ArtifactCount int
}

// StorageLayout tags how artifact content bytes are physically stored.
type StorageLayout string

const (
	LayoutInline      StorageLayout = "inline"
	LayoutLargeObject StorageLayout = "large_object"
)

// ArtifactContent is the content-addressed bytes row (spec §3.8).
type ArtifactContent struct {
	Tenant          Tenant
	ContentHash     [32]byte
	Layout          StorageLayout
	InlineBytes     []byte
	LargeObjectID   int64
	RefCount        int64
	Compressed      bool
	OriginalSize    int64
	Size            int64
	LastAccessed    time.Time
}

// ArtifactMetadata is the metadata row referencing an ArtifactContent (spec
// §3.8). ArtifactID = "<session_id>:<sequence>:<content_hash>".
type ArtifactMetadata struct {
	Tenant      Tenant
	ArtifactID  string
	SessionID   string
	Sequence    int64
	ContentHash [32]byte
	Name        string
	MimeType    string
	CreatedBy   string
	Version     int
	ParentID    *string
	Tags        []string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// EventRecord is a single event-log row (spec §3.9).
type EventRecord struct {
	Tenant        Tenant
	Timestamp     time.Time
	EventID       string
	EventType     string
	CorrelationID string
	Sequence      int64
	SourceLang    string
	Payload       map[string]any
}

// EventFilter narrows a read_range query.
type EventFilter struct {
	EventType     string
	CorrelationID string
}

// HookExecution is a hook-history row (spec §3.10).
type HookExecution struct {
	ExecutionID       string
	Tenant            Tenant
	HookID            string
	HookType          string
	CorrelationID     string
	ContextCompressed []byte
	ContextSize       int64
	Result            map[string]any
	DurationMs        int64
	TriggeringComponent string
	ComponentID       string
	ModifiedOperation bool
	Tags              []string
	RetentionPriority int
	Sensitive         bool
	CreatedAt         time.Time
}

// APIKey is an encrypted API-key row (spec §3.11).
type APIKey struct {
	KeyID          string
	Tenant         Tenant
	Service        string
	EncryptedKey   []byte
	Metadata       map[string]any
	CreatedAt      time.Time
	LastUsedAt     *time.Time
	ExpiresAt      *time.Time
	Active         bool
	UsageCount     int64
	RotatedFrom    *string
	DeactivatedAt  *time.Time
}
