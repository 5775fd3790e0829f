// Package pool implements the bounded connection pool manager (spec §4.2).
//
// It wraps a pgxpool.Pool and layers on the lease/acquire-deadline model the
// spec describes: acquisition waits up to a configured timeout and fails
// Transient on expiry, leases are exclusive and returned implicitly when
// released, and the pool reports PoolStats for observability (spec §6.5).
//
// The shape follows the teacher's pkg/scheduler worker pool: a bounded set
// of resources dispatched to callers on demand, with explicit Close
// draining in-flight work.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexlapax/llmspell-storage/internal/config"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
)

// Lease is an exclusive loan of a pooled connection. Release returns it to
// the pool; Release is safe to call more than once.
type Lease struct {
	conn     *pgxpool.Conn
	pool     *Pool
	released atomic.Bool
	tenantOK atomic.Bool
}

// Conn exposes the underlying pgxpool connection for statement execution.
func (l *Lease) Conn() *pgxpool.Conn { return l.conn }

// MarkTenantBound records that the tenant context binder has run
// successfully on this lease. Sub-stores must check this before issuing
// statements (spec §4.3's invariant).
func (l *Lease) MarkTenantBound() { l.tenantOK.Store(true) }

// TenantBound reports whether MarkTenantBound has been called.
func (l *Lease) TenantBound() bool { return l.tenantOK.Load() }

// Poison marks the lease as unfit for reuse; Release will close rather than
// return it to the pool. Used when tenant binding fails (spec §4.3).
func (l *Lease) Poison() {
	if l.conn != nil {
		l.conn.Conn().Close(context.Background())
	}
}

// Release returns the connection to the pool. Safe to call multiple times
// and safe to defer immediately after Acquire.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.conn.Release()
		atomic.AddInt64(&l.pool.active, -1)
	}
}

// Stats is the PoolStats observability event shape (spec §6.5).
type Stats struct {
	Active            int64
	Idle              int64
	Waiting           int64
	AcquisitionAvgMs  float64
}

// Pool is the bounded, fair connection pool manager.
type Pool struct {
	pgx    *pgxpool.Pool
	cfg    config.Pool
	active int64

	mu             sync.Mutex
	acquireSamples int64
	acquireTotalMs int64
	waiting        int64
}

// Open establishes the pool against connURL, sizing it per cfg (or the
// default (cpu_cores*2)+1 rule from spec §4.2 when PoolSize is 0).
func Open(ctx context.Context, connURL string, cfg config.Pool) (*Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, storerrors.Permanent("pool.open", "invalid connection url", err)
	}

	size := cfg.PoolSize
	if size <= 0 {
		size = config.DefaultPoolSize(runtime.NumCPU())
	}
	pgxCfg.MaxConns = int32(size)
	pgxCfg.MaxConnIdleTime = cfg.IdleTimeout()
	pgxCfg.MaxConnLifetime = cfg.MaxLifetime()

	var p *pgxpool.Pool
	operation := func() (*pgxpool.Pool, error) {
		pp, err := pgxpool.NewWithConfig(ctx, pgxCfg)
		if err != nil {
			return nil, err
		}
		if err := pp.Ping(ctx); err != nil {
			pp.Close()
			return nil, err
		}
		return pp, nil
	}

	// The pool retries connection establishment at acquisition with one
	// short backoff only (spec §7 propagation policy) — bounded here to a
	// single retry at startup.
	p, err = backoff.Retry(ctx, operation,
		backoff.WithMaxTries(2),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		return nil, storerrors.Transient("pool.open", err)
	}

	return &Pool{pgx: p, cfg: cfg}, nil
}

// Acquire leases a connection, waiting up to cfg.PoolTimeout for one to
// become free. Fails Transient on timeout (spec §4.2).
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	deadline := p.cfg.PoolTimeout()
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	acquireCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	atomic.AddInt64(&p.waiting, 1)
	start := time.Now()
	conn, err := p.pgx.Acquire(acquireCtx)
	atomic.AddInt64(&p.waiting, -1)

	p.recordAcquire(time.Since(start))

	if err != nil {
		if acquireCtx.Err() != nil {
			return nil, storerrors.Transient("pool.acquire", fmt.Errorf("acquisition timed out after %s: %w", deadline, err))
		}
		return nil, storerrors.Transient("pool.acquire", err)
	}

	atomic.AddInt64(&p.active, 1)
	return &Lease{conn: conn, pool: p}, nil
}

func (p *Pool) recordAcquire(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireSamples++
	p.acquireTotalMs += d.Milliseconds()
}

// Stats reports current pool occupancy for the observability sink (spec
// §6.5's PoolStats event).
func (p *Pool) Stats() Stats {
	st := p.pgx.Stat()
	p.mu.Lock()
	defer p.mu.Unlock()
	avg := 0.0
	if p.acquireSamples > 0 {
		avg = float64(p.acquireTotalMs) / float64(p.acquireSamples)
	}
	return Stats{
		Active:           int64(st.AcquiredConns()),
		Idle:             int64(st.IdleConns()),
		Waiting:          atomic.LoadInt64(&p.waiting),
		AcquisitionAvgMs: avg,
	}
}

// Close drains and closes the underlying pool. It blocks until all leased
// connections are released.
func (p *Pool) Close() {
	p.pgx.Close()
}

// Raw exposes the underlying pgxpool.Pool for components (schema migrator,
// partition manager) that need unleased, ad-hoc access such as advisory
// locks that must outlive a single lease.
func (p *Pool) Raw() *pgxpool.Pool { return p.pgx }
