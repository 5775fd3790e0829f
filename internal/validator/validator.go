// Package validator implements the migration validator (spec §4.16): count
// checks, an optional deep checksum pass, constraint probes, and an
// RLS-visibility probe that two distinct tenant bindings must disjoint.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/lexlapax/llmspell-storage/internal/config"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// Discrepancy is one finding in a Report.
type Discrepancy struct {
	Component string
	Kind      string // "count_mismatch", "checksum_mismatch", "constraint_violation", "rls_leak"
	Detail    string
}

// Report is the structured output of Validate (spec §4.16).
type Report struct {
	Components []string
	Discrepancies []Discrepancy
}

func (r Report) Passed() bool { return len(r.Discrepancies) == 0 }

// CountSource is satisfied by anything that can report its own row count
// for a tenant, independent of record type — both relational sub-stores
// and kvbackend.JSONStore implement it through their MigrationSource methods.
type CountSource interface {
	Count(ctx context.Context, tenant models.Tenant) (int64, error)
}

// Validator runs the four probes of spec §4.16 against the centralized
// relational backend. It holds its own pool handle so it can issue raw
// constraint and RLS probes the typed sub-stores don't expose.
type Validator struct {
	pool   *pool.Pool
	deep   config.Migration
}

func New(p *pool.Pool, cfg config.Migration) *Validator {
	return &Validator{pool: p, deep: cfg}
}

// ValidateCounts compares source and target record counts for each named
// component (spec §4.16 "Count check").
func (v *Validator) ValidateCounts(ctx context.Context, tenant models.Tenant, components map[string]struct {
	Source CountSource
	Target CountSource
}) (Report, error) {
	report := Report{}
	for name, pair := range components {
		report.Components = append(report.Components, name)
		srcCount, err := pair.Source.Count(ctx, tenant)
		if err != nil {
			return report, err
		}
		tgtCount, err := pair.Target.Count(ctx, tenant)
		if err != nil {
			return report, err
		}
		if srcCount != tgtCount {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Component: name,
				Kind:      "count_mismatch",
				Detail:    fmt.Sprintf("source=%d target=%d", srcCount, tgtCount),
			})
		}
	}
	return report, nil
}

// ChecksumPair is one (source, target) record serialized for comparison.
type ChecksumPair struct {
	ID     string
	Source map[string]any
	Target map[string]any
}

// ValidateChecksums runs the deep mode: SHA-256 over canonicalized records,
// sampled at sampleRate (0 < rate <= 1) of the given pairs (spec §4.16).
func ValidateChecksums(component string, pairs []ChecksumPair, sampleRate float64) Report {
	report := Report{Components: []string{component}}
	for _, pair := range pairs {
		if sampleRate < 1.0 && rand.Float64() > sampleRate {
			continue
		}
		srcSum, srcErr := canonicalChecksum(pair.Source)
		tgtSum, tgtErr := canonicalChecksum(pair.Target)
		if srcErr != nil || tgtErr != nil {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Component: component, Kind: "checksum_mismatch",
				Detail: fmt.Sprintf("id=%s canonicalize_error", pair.ID),
			})
			continue
		}
		if srcSum != tgtSum {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Component: component, Kind: "checksum_mismatch",
				Detail: fmt.Sprintf("id=%s", pair.ID),
			})
		}
	}
	return report
}

func canonicalChecksum(v map[string]any) ([32]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// ValidateConstraints issues one lightweight SELECT per column in
// uniqueColumns, counting groups of duplicate values in table, so that
// uniqueness violations surface before the engine declares success (spec
// §4.16 "Constraint probe"). Check and foreign-key constraints are not
// probed.
func (v *Validator) ValidateConstraints(ctx context.Context, table string, uniqueColumns []string) (Report, error) {
	report := Report{Components: []string{table}}
	lease, err := v.pool.Acquire(ctx)
	if err != nil {
		return report, err
	}
	defer lease.Release()

	for _, col := range uniqueColumns {
		var dupCount int64
		err := lease.Conn().Conn().QueryRow(ctx, fmt.Sprintf(`
			SELECT count(*) FROM (
				SELECT %s FROM %s GROUP BY %s HAVING count(*) > 1
			) dups
		`, col, table, col)).Scan(&dupCount)
		if err != nil {
			return report, storerrors.Transient("validator.constraint_probe", err)
		}
		if dupCount > 0 {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Component: table, Kind: "constraint_violation",
				Detail: fmt.Sprintf("column=%s duplicate_groups=%d", col, dupCount),
			})
		}
	}
	return report, nil
}

// ValidateRLS connects with two distinct tenant bindings against the same
// table and asserts the returned id sets are disjoint (spec §4.16 "RLS
// visibility probe").
func (v *Validator) ValidateRLS(ctx context.Context, table, idColumn string, tenantA, tenantB models.Tenant) (Report, error) {
	report := Report{Components: []string{table}}

	idsA, err := v.selectIDs(ctx, table, idColumn, tenantA)
	if err != nil {
		return report, err
	}
	idsB, err := v.selectIDs(ctx, table, idColumn, tenantB)
	if err != nil {
		return report, err
	}

	seen := make(map[string]bool, len(idsA))
	for _, id := range idsA {
		seen[id] = true
	}
	for _, id := range idsB {
		if seen[id] {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Component: table, Kind: "rls_leak",
				Detail: fmt.Sprintf("id=%s visible to both %s and %s", id, tenantA, tenantB),
			})
		}
	}
	return report, nil
}

func (v *Validator) selectIDs(ctx context.Context, table, idColumn string, tenant models.Tenant) ([]string, error) {
	lease, err := v.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	conn := lease.Conn().Conn()
	if _, err := conn.Exec(ctx, `SELECT set_config('app.current_tenant_id', $1, false)`, string(tenant)); err != nil {
		return nil, storerrors.Transient("validator.rls_probe", err)
	}
	lease.MarkTenantBound()

	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s`, idColumn, table))
	if err != nil {
		return nil, storerrors.Transient("validator.rls_probe", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storerrors.Permanent("validator.rls_probe", "scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
