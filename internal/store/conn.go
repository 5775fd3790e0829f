package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/internal/tenant"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// withTenantConn acquires a lease, binds the tenant context to it (spec
// §4.3), runs fn, and always releases the lease afterward. Every public
// sub-store operation goes through this so that "no statement before
// binding" can never be violated (spec §4.3's invariant) and so that each
// operation gets single-operation atomicity per spec §5.
func withTenantConn(ctx context.Context, p *pool.Pool, t models.Tenant, fn func(conn *pgx.Conn) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := tenant.Bind(ctx, lease, t); err != nil {
		return err
	}
	if err := tenant.RequireBound(lease); err != nil {
		return err
	}

	return fn(lease.Conn().Conn())
}

// withTenantTx is withTenantConn plus a transaction wrapper, used by
// operations whose invariants require atomicity across more than one
// statement (bi-temporal upserts, refcount maintenance, ...).
func withTenantTx(ctx context.Context, p *pool.Pool, t models.Tenant, fn func(tx pgx.Tx) error) error {
	return withTenantConn(ctx, p, t, func(conn *pgx.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return storerrors.Transient("store.begin_tx", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return storerrors.Transient("store.commit_tx", err)
		}
		return nil
	})
}
