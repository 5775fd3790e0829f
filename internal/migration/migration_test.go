package migration_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	"github.com/lexlapax/llmspell-storage/internal/migration"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// fakeRecordStore is an in-memory capability.MigrationSource/MigrationTarget
// over plain strings, standing in for a real sub-store in tests that never
// need a database.
type fakeRecordStore struct {
	records   []string
	writes    [][]string
	failAfter int // NextBatch returns an error once failAfter or more records have been read
}

func (f *fakeRecordStore) Count(ctx context.Context, tenant models.Tenant) (int64, error) {
	return int64(len(f.records)), nil
}

func (f *fakeRecordStore) Bounds(ctx context.Context, tenant models.Tenant) (string, string, error) {
	if len(f.records) == 0 {
		return "", "", nil
	}
	return f.records[0], f.records[len(f.records)-1], nil
}

func (f *fakeRecordStore) NextBatch(ctx context.Context, tenant models.Tenant, cursor string, size int) (capability.Batch[string], error) {
	start := 0
	if cursor != "" {
		for i, r := range f.records {
			if r == cursor {
				start = i + 1
				break
			}
		}
	}
	if f.failAfter > 0 && start >= f.failAfter {
		return capability.Batch[string]{}, fmt.Errorf("simulated read failure at offset %d", start)
	}
	end := start + size
	if end > len(f.records) {
		end = len(f.records)
	}
	batch := capability.Batch[string]{Records: f.records[start:end]}
	if end >= len(f.records) {
		batch.Done = true
	} else {
		batch.Cursor = f.records[end-1]
	}
	return batch, nil
}

func (f *fakeRecordStore) WriteBatch(ctx context.Context, tenant models.Tenant, records []string) error {
	cp := append([]string(nil), records...)
	f.writes = append(f.writes, cp)
	return nil
}

func TestComponentMigratesAllRecordsAcrossBatches(t *testing.T) {
	source := &fakeRecordStore{records: []string{"a", "b", "c", "d", "e"}}
	target := &fakeRecordStore{}
	spec := migration.Component[string]("widgets", source, target)

	n, err := spec.Migrate(context.Background(), models.Tenant("t1"), 2, false)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if n != 5 {
		t.Errorf("migrated %d records, want 5", n)
	}
	var got []string
	for _, batch := range target.writes {
		got = append(got, batch...)
	}
	if fmt.Sprint(got) != fmt.Sprint(source.records) {
		t.Errorf("target received %v, want %v", got, source.records)
	}
}

func TestComponentDryRunDoesNotWriteToTarget(t *testing.T) {
	source := &fakeRecordStore{records: []string{"a", "b", "c"}}
	target := &fakeRecordStore{}
	spec := migration.Component[string]("widgets", source, target)

	n, err := spec.Migrate(context.Background(), models.Tenant("t1"), 10, true)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if n != 3 {
		t.Errorf("dry-run reported %d records read, want 3", n)
	}
	if len(target.writes) != 0 {
		t.Errorf("dry run must not write to target, got %d batches", len(target.writes))
	}
}

func TestComponentSurfacesSourceReadErrors(t *testing.T) {
	source := &fakeRecordStore{records: []string{"a", "b", "c"}, failAfter: 1}
	target := &fakeRecordStore{}
	spec := migration.Component[string]("widgets", source, target)

	_, err := spec.Migrate(context.Background(), models.Tenant("t1"), 1, false)
	if err == nil {
		t.Fatal("expected an error from the simulated read failure")
	}
}
