// Package postgres implements the persistence contracts over PostgreSQL
// using pgx. Every statement runs with a bounded context; transient
// failures are reported as apperr.ErrTransientStore so callers can retry
// with the backoff combinator.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/persistence"
)

var _ persistence.Store = (*Store)(nil)

// Store is the PostgreSQL-backed persistence layer.
type Store struct {
	pool *pgxpool.Pool

	// queryTimeout bounds ordinary statements; sweepTimeout bounds the
	// full-database sweep, which can scan very large sets.
	queryTimeout time.Duration
	sweepTimeout time.Duration
}

// Options tunes pool sizing and statement timeouts.
type Options struct {
	PoolSize     int
	MaxOverflow  int
	QueryTimeout time.Duration
	SweepTimeout time.Duration
}

// New connects to the database and returns a Store.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.PoolSize > 0 {
		cfg.MaxConns = int32(opts.PoolSize + opts.MaxOverflow)
		cfg.MinConns = int32(min(opts.PoolSize, int(cfg.MaxConns)))
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	sweepTimeout := opts.SweepTimeout
	if sweepTimeout <= 0 {
		sweepTimeout = 1000 * time.Second
	}

	return &Store{
		pool:         pool,
		queryTimeout: queryTimeout,
		sweepTimeout: sweepTimeout,
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements persistence.Store.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", classify(err))
	}
	return nil
}

// withTimeout derives a statement-scoped context.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// classify maps driver errors onto the shared error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFoundf("row not found")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return fmt.Errorf("%w: %s", apperr.ErrConflict, pgErr.Message)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57014":
			// serialization failure, deadlock, statement timeout
			return apperr.Transient(err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection errors
			return apperr.Transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return apperr.Transient(err)
	}
	return err
}

// tx runs fn inside a transaction, rolling back on error.
func (s *Store) tx(ctx context.Context, fn func(pgx.Tx) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}
