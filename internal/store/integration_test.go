//go:build integration

// These tests exercise the store package against a real, migrated Postgres
// instance (internal/storetest.NewContainer) instead of the pure-logic fakes
// the rest of this package's tests use. They require a Docker daemon:
//
//	go test -tags=integration ./internal/store/...
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/lexlapax/llmspell-storage/internal/config"
	"github.com/lexlapax/llmspell-storage/internal/store"
	"github.com/lexlapax/llmspell-storage/internal/storetest"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// TestEventLogAppendAndReadRangeAgainstRealSchema guards the event_ts/ts
// column mismatch that shipped in an earlier revision: Append and ReadRange
// both reference columns that must actually exist in migration V8's
// event_log table, something no fake backend can catch.
func TestEventLogAppendAndReadRangeAgainstRealSchema(t *testing.T) {
	c := storetest.NewContainer(t)
	ctx := context.Background()
	tenant := models.Tenant("tenant-eventlog")
	log := store.NewEventLogStore(c.Pool)

	now := time.Now().UTC().Truncate(time.Second)
	rec := models.EventRecord{
		Tenant:        tenant,
		Timestamp:     now,
		EventID:       "evt-1",
		EventType:     "tool.call",
		CorrelationID: "corr-1",
		Sequence:      1,
		SourceLang:    "go",
		Payload:       map[string]any{"tool": "search"},
	}
	if err := log.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	out, err := log.ReadRange(ctx, tenant, now.Add(-time.Minute), now.Add(time.Minute), models.EventFilter{}, 10)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}

	var got []models.EventRecord
	for r := range out {
		got = append(got, r)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].EventID != rec.EventID || got[0].EventType != rec.EventType {
		t.Fatalf("unexpected event record: %+v", got[0])
	}

	min, max, err := log.Bounds(ctx, tenant)
	if err != nil {
		t.Fatalf("Bounds: %v", err)
	}
	if min == "" || max == "" {
		t.Fatalf("expected non-empty bounds, got min=%q max=%q", min, max)
	}
}

// TestRowLevelSecurityIsolatesTenants asserts that two tenants bound on the
// same pool never observe each other's rows, which is enforced by the
// database's row-security policies rather than application-level filtering.
func TestRowLevelSecurityIsolatesTenants(t *testing.T) {
	c := storetest.NewContainer(t)
	ctx := context.Background()
	graph := store.NewGraphStore(c.Pool)

	tenantA := models.Tenant("tenant-a")
	tenantB := models.Tenant("tenant-b")
	// Concrete far-future timestamp rather than models.InfiniteSentinel,
	// which overflows PostgreSQL's timestamptz range.
	infinity := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := graph.UpsertEntity(ctx, models.Entity{
		EntityID: "ent-a", Tenant: tenantA, Type: "agent", Name: "a",
		ValidFrom: time.Now().UTC(), ValidUntil: infinity,
	}); err != nil {
		t.Fatalf("UpsertEntity (tenant A): %v", err)
	}
	if err := graph.UpsertEntity(ctx, models.Entity{
		EntityID: "ent-b", Tenant: tenantB, Type: "agent", Name: "b",
		ValidFrom: time.Now().UTC(), ValidUntil: infinity,
	}); err != nil {
		t.Fatalf("UpsertEntity (tenant B): %v", err)
	}

	asA, err := graph.QueryCurrent(ctx, tenantA, models.GraphFilter{})
	if err != nil {
		t.Fatalf("QueryCurrent (tenant A): %v", err)
	}
	asB, err := graph.QueryCurrent(ctx, tenantB, models.GraphFilter{})
	if err != nil {
		t.Fatalf("QueryCurrent (tenant B): %v", err)
	}

	if len(asA) != 1 || asA[0].EntityID != "ent-a" {
		t.Fatalf("tenant A expected to see only ent-a, got %+v", asA)
	}
	if len(asB) != 1 || asB[0].EntityID != "ent-b" {
		t.Fatalf("tenant B expected to see only ent-b, got %+v", asB)
	}
}

// TestGraphUpsertEntitySupersedesPriorVersion exercises UpsertEntity's
// bi-temporal supersede protocol: a second upsert of the same entity id must
// close the first row's tx_until and leave exactly one current row.
func TestGraphUpsertEntitySupersedesPriorVersion(t *testing.T) {
	c := storetest.NewContainer(t)
	ctx := context.Background()
	graph := store.NewGraphStore(c.Pool)

	tenant := models.Tenant("tenant-supersede")
	// Concrete far-future timestamp rather than models.InfiniteSentinel,
	// which overflows PostgreSQL's timestamptz range.
	farFuture := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

	entity := models.Entity{
		EntityID: "ent-1", Tenant: tenant, Type: "agent", Name: "v1",
		Properties: map[string]any{"version": 1.0},
		ValidFrom:  time.Now().UTC(), ValidUntil: farFuture,
	}
	if err := graph.UpsertEntity(ctx, entity); err != nil {
		t.Fatalf("first UpsertEntity: %v", err)
	}

	entity.Name = "v2"
	entity.Properties = map[string]any{"version": 2.0}
	if err := graph.UpsertEntity(ctx, entity); err != nil {
		t.Fatalf("second UpsertEntity: %v", err)
	}

	current, err := graph.QueryCurrent(ctx, tenant, models.GraphFilter{EntityID: "ent-1"})
	if err != nil {
		t.Fatalf("QueryCurrent: %v", err)
	}
	if len(current) != 1 {
		t.Fatalf("expected exactly one current row after supersede, got %d", len(current))
	}
	if current[0].Name != "v2" {
		t.Fatalf("expected current row to be the superseding version, got %+v", current[0])
	}
}

// TestArtifactPutContentDedupesByHashAndGarbageCollects exercises the
// content-addressed dedup path end to end: two PutContent calls with
// identical bytes share one artifact_content row with ref_count=2, dropping
// metadata brings ref_count to 0, and GarbageCollectContent then removes it.
func TestArtifactPutContentDedupesByHashAndGarbageCollects(t *testing.T) {
	c := storetest.NewContainer(t)
	ctx := context.Background()
	tenant := models.Tenant("tenant-artifact")

	sessions := store.NewSessionStore(c.Pool)
	if err := sessions.Create(ctx, models.Session{
		Tenant: tenant, SessionID: "sess-1", State: map[string]any{}, Status: models.SessionActive,
	}); err != nil {
		t.Fatalf("Create session: %v", err)
	}

	artifacts := store.NewArtifactStore(c.Pool, config.Artifact{
		InlineThresholdBytes: 1 << 20,
		MaxArtifactBytes:     1 << 20,
	})

	payload := []byte("identical artifact bytes")
	hash1, err := artifacts.PutContent(ctx, tenant, payload)
	if err != nil {
		t.Fatalf("first PutContent: %v", err)
	}
	hash2, err := artifacts.PutContent(ctx, tenant, payload)
	if err != nil {
		t.Fatalf("second PutContent: %v", err)
	}
	if hash1 != hash2 {
		t.Fatalf("expected identical bytes to hash identically")
	}

	id1, err := artifacts.PutMetadata(ctx, models.ArtifactMetadata{
		Tenant: tenant, SessionID: "sess-1", Sequence: 1, ContentHash: hash1, Name: "a1",
	})
	if err != nil {
		t.Fatalf("PutMetadata 1: %v", err)
	}
	id2, err := artifacts.PutMetadata(ctx, models.ArtifactMetadata{
		Tenant: tenant, SessionID: "sess-1", Sequence: 2, ContentHash: hash1, Name: "a2",
	})
	if err != nil {
		t.Fatalf("PutMetadata 2: %v", err)
	}

	data, found, err := artifacts.GetContent(ctx, tenant, hash1)
	if err != nil || !found {
		t.Fatalf("GetContent: found=%v err=%v", found, err)
	}
	if string(data) != string(payload) {
		t.Fatalf("GetContent returned unexpected bytes: %q", data)
	}

	if err := artifacts.DeleteMetadata(ctx, tenant, id1); err != nil {
		t.Fatalf("DeleteMetadata 1: %v", err)
	}
	if err := artifacts.DeleteMetadata(ctx, tenant, id2); err != nil {
		t.Fatalf("DeleteMetadata 2: %v", err)
	}

	removed, err := artifacts.GarbageCollectContent(ctx, tenant, 100)
	if err != nil {
		t.Fatalf("GarbageCollectContent: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected GarbageCollectContent to remove 1 row, removed %d", removed)
	}

	if _, found, err := artifacts.GetContent(ctx, tenant, hash1); err != nil {
		t.Fatalf("GetContent after gc: %v", err)
	} else if found {
		t.Fatalf("expected content to be gone after garbage collection")
	}
}
