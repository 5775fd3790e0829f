// Package tenant implements the per-connection tenant context binder (spec
// §4.3). Before the first statement on any leased connection, the binder
// sets a session-local variable the database's row-filtering policies read
// (spec §6.3), surviving auto-commits because it is session-scoped, not
// transaction-scoped.
package tenant

import (
	"context"
	"fmt"

	"github.com/lexlapax/llmspell-storage/internal/pool"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// SessionVariable is the well-known per-connection variable name the RLS
// policies in spec §6.3 reference.
const SessionVariable = "app.current_tenant_id"

// Bind sets the per-connection tenant variable on lease before any
// statement executes. On failure the lease is poisoned and the caller
// receives TenantUnbound (spec §4.3's invariant).
func Bind(ctx context.Context, lease *pool.Lease, t models.Tenant) error {
	if t == "" {
		lease.Poison()
		return storerrors.TenantUnbound("tenant.bind")
	}

	// set_config(..., false) scopes the setting to the session, not the
	// current transaction, so it survives auto-commit statements.
	_, err := lease.Conn().Exec(ctx, `SELECT set_config($1, $2, false)`, SessionVariable, string(t))
	if err != nil {
		lease.Poison()
		return storerrors.TenantUnbound(fmt.Sprintf("tenant.bind: %v", err))
	}
	lease.MarkTenantBound()
	return nil
}

// RequireBound fails TenantUnbound if lease has not been bound, enforcing
// spec §4.3's "no statement before binding" invariant at the call site of
// every sub-store operation.
func RequireBound(lease *pool.Lease) error {
	if !lease.TenantBound() {
		return storerrors.TenantUnbound("tenant.require_bound")
	}
	return nil
}
