// Package sourcepool maintains one logical, named, read-only connection
// pool per source database (C2). Pools are cached behind a TTL so idle
// pools are recycled, following the ttlcache.Cache[string, any] pattern in
// controlplane/telemetry/internal/data/device/provider.go, and PostgreSQL
// pools are built the way lake/api/config/postgres.go builds the control
// store's pgxpool.Pool. MySQL sources are servable too (spec.md §3.1
// SourceDatabase.dialect in {PostgreSQL, MySQL}), dialed via
// database/sql + github.com/go-sql-driver/mysql.
package sourcepool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jellydator/ttlcache/v3"

	"github.com/malbeclabs/loadctl/internal/domain"
)

var (
	// ErrSourceUnavailable indicates the source database could not be
	// reached at all (connection refused, network partition, DNS failure).
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrAuthFailure indicates the source rejected the pool's credentials.
	ErrAuthFailure = errors.New("source auth failure")
	// ErrAcquisitionTimeout indicates borrow() could not obtain a handle
	// before its timeout elapsed.
	ErrAcquisitionTimeout = errors.New("connection acquisition timeout")
)

const defaultPoolTTL = 30 * time.Minute

// Handle is a borrowed connection from a named source pool. Release must
// be called exactly once. Exactly one of PG/MySQL is non-nil, selected by
// Dialect.
type Handle struct {
	SourceCode string
	Dialect    domain.SourceDialect
	PG         *pgxpool.Conn
	MySQL      *sql.Conn
	release    func()
}

// Release returns the handle to its pool.
func (h *Handle) Release() {
	if h.release != nil {
		h.release()
	}
}

// Dialer opens pools for a source database descriptor. Split out so tests
// can substitute an in-memory dialer.
type Dialer interface {
	DialPostgres(ctx context.Context, src domain.SourceDatabase) (*pgxpool.Pool, error)
	DialMySQL(ctx context.Context, src domain.SourceDatabase) (*sql.DB, error)
}

// dialectPool is the minimal surface this package needs from either
// *pgxpool.Pool or *sql.DB, so a single TTL cache can hold both.
type dialectPool struct {
	dialect domain.SourceDialect
	pg      *pgxpool.Pool
	mysql   *sql.DB
}

func (d *dialectPool) close() {
	switch d.dialect {
	case domain.SourceDialectPostgreSQL:
		d.pg.Close()
	case domain.SourceDialectMySQL:
		_ = d.mysql.Close()
	}
}

// Pool is the source connection pool registry (C2). One entry per
// source_code, evicted after its TTL expires.
type Pool struct {
	log    *slog.Logger
	dialer Dialer

	mu      sync.Mutex
	entries *ttlcache.Cache[string, *dialectPool]

	lookup func(ctx context.Context, sourceCode string) (domain.SourceDatabase, error)
}

// Config configures a Pool.
type Config struct {
	Logger *slog.Logger
	Dialer Dialer
	// Lookup resolves a source_code to its current SourceDatabase
	// descriptor (host/port/credentials), e.g. backed by a config table.
	Lookup func(ctx context.Context, sourceCode string) (domain.SourceDatabase, error)
	TTL    time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Dialer == nil {
		return errors.New("dialer is required")
	}
	if c.Lookup == nil {
		return errors.New("lookup is required")
	}
	if c.TTL == 0 {
		c.TTL = defaultPoolTTL
	}
	return nil
}

// New constructs a Pool.
func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	entries := ttlcache.New[string, *dialectPool](
		ttlcache.WithTTL[string, *dialectPool](cfg.TTL),
	)
	entries.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *dialectPool]) {
		item.Value().close()
	})
	go entries.Start()

	return &Pool{
		log:     cfg.Logger,
		dialer:  cfg.Dialer,
		entries: entries,
		lookup:  cfg.Lookup,
	}, nil
}

// Borrow acquires a handle from the named source pool within timeout.
// A borrow failure must never advance a loader's watermark; callers are
// expected to treat any returned error as a C4 TransientSource/PermanentSource
// failure without mutating state.
func (p *Pool) Borrow(ctx context.Context, sourceCode string, timeout time.Duration) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dp, err := p.poolFor(ctx, sourceCode)
	if err != nil {
		return nil, err
	}

	switch dp.dialect {
	case domain.SourceDialectPostgreSQL:
		var conn *pgxpool.Conn
		op := func() error {
			c, acqErr := dp.pg.Acquire(ctx)
			if acqErr != nil {
				return acqErr
			}
			conn = c
			return nil
		}
		if err := retry(ctx, op); err != nil {
			return nil, acquisitionError(sourceCode, ctx, err)
		}
		return &Handle{SourceCode: sourceCode, Dialect: dp.dialect, PG: conn, release: conn.Release}, nil

	case domain.SourceDialectMySQL:
		var conn *sql.Conn
		op := func() error {
			c, acqErr := dp.mysql.Conn(ctx)
			if acqErr != nil {
				return acqErr
			}
			conn = c
			return nil
		}
		if err := retry(ctx, op); err != nil {
			return nil, acquisitionError(sourceCode, ctx, err)
		}
		return &Handle{SourceCode: sourceCode, Dialect: dp.dialect, MySQL: conn, release: func() { _ = conn.Close() }}, nil

	default:
		return nil, fmt.Errorf("%w: unknown dialect for source=%s", ErrSourceUnavailable, sourceCode)
	}
}

func retry(ctx context.Context, op backoff.Operation) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(op, policy)
}

func acquisitionError(sourceCode string, ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: source=%s: %v", ErrAcquisitionTimeout, sourceCode, err)
	}
	return fmt.Errorf("%w: source=%s: %v", ErrSourceUnavailable, sourceCode, err)
}

func (p *Pool) poolFor(ctx context.Context, sourceCode string) (*dialectPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if item := p.entries.Get(sourceCode); item != nil {
		return item.Value(), nil
	}

	src, err := p.lookup(ctx, sourceCode)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup source=%s: %v", ErrSourceUnavailable, sourceCode, err)
	}

	var dp *dialectPool
	switch src.Dialect {
	case domain.SourceDialectPostgreSQL:
		pool, err := p.dialer.DialPostgres(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("%w: dial source=%s: %v", ErrSourceUnavailable, sourceCode, err)
		}
		dp = &dialectPool{dialect: domain.SourceDialectPostgreSQL, pg: pool}
	case domain.SourceDialectMySQL:
		db, err := p.dialer.DialMySQL(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("%w: dial source=%s: %v", ErrSourceUnavailable, sourceCode, err)
		}
		dp = &dialectPool{dialect: domain.SourceDialectMySQL, mysql: db}
	default:
		return nil, fmt.Errorf("%w: unsupported dialect %q for source=%s", ErrSourceUnavailable, src.Dialect, sourceCode)
	}

	p.entries.Set(sourceCode, dp, ttlcache.DefaultTTL)
	return dp, nil
}

// ReloadAll closes and recreates every pool, publishing a "sources
// reloaded" notification to any registered listener (e.g. the scheduler
// invalidating per-source caches), per spec.md §4.2.
func (p *Pool) ReloadAll(listeners ...func()) {
	p.mu.Lock()
	p.entries.DeleteAll()
	p.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

// Close stops the eviction loop and closes every cached pool.
func (p *Pool) Close() {
	p.entries.DeleteAll()
	p.entries.Stop()
}
