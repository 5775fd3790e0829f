package validator_test

import (
	"context"
	"testing"

	"github.com/lexlapax/llmspell-storage/internal/config"
	"github.com/lexlapax/llmspell-storage/internal/validator"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

type fakeCountSource int64

func (f fakeCountSource) Count(ctx context.Context, tenant models.Tenant) (int64, error) {
	return int64(f), nil
}

func TestValidateCountsReportsNoDiscrepancyWhenEqual(t *testing.T) {
	v := validator.New(nil, config.Migration{})
	pairs := map[string]struct {
		Source validator.CountSource
		Target validator.CountSource
	}{
		"sessions": {Source: fakeCountSource(10), Target: fakeCountSource(10)},
	}
	report, err := v.ValidateCounts(context.Background(), models.Tenant("t1"), pairs)
	if err != nil {
		t.Fatalf("ValidateCounts: %v", err)
	}
	if !report.Passed() {
		t.Errorf("expected report to pass, got discrepancies: %+v", report.Discrepancies)
	}
}

func TestValidateCountsReportsMismatch(t *testing.T) {
	v := validator.New(nil, config.Migration{})
	pairs := map[string]struct {
		Source validator.CountSource
		Target validator.CountSource
	}{
		"sessions": {Source: fakeCountSource(10), Target: fakeCountSource(7)},
	}
	report, err := v.ValidateCounts(context.Background(), models.Tenant("t1"), pairs)
	if err != nil {
		t.Fatalf("ValidateCounts: %v", err)
	}
	if report.Passed() {
		t.Fatal("expected report to fail on count mismatch")
	}
	if len(report.Discrepancies) != 1 || report.Discrepancies[0].Kind != "count_mismatch" {
		t.Errorf("unexpected discrepancies: %+v", report.Discrepancies)
	}
}
