// Package storage opens the shared PostgreSQL pool, applies the embedded
// schema, and classifies driver errors into the service error taxonomy.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/procura/internal/config"
	"github.com/pitabwire/procura/model"
)

// DB is the subset of *pgxpool.Pool and pgx.Tx the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxDB is a DB that can also begin transactions, such as *pgxpool.Pool.
type TxDB interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Open connects a pgx pool using the DSN held in cfg.DSNEnv and verifies it
// with a ping.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("database: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("database: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return pool, nil
}

// PoolChecker adapts a pool to the readiness HealthChecker interface.
type PoolChecker struct {
	Pool *pgxpool.Pool
}

// HealthCheck pings the database.
func (c PoolChecker) HealthCheck(ctx context.Context) error {
	return c.Pool.Ping(ctx)
}

// Classify converts a driver error into the error taxonomy. Integrity
// constraint violations (SQLSTATE class 23) are caused by the caller's data
// and become UPSTREAM_REJECTED; other server errors become UPSTREAM_ERROR.
// Errors that did not come from the server are wrapped with op and left to
// surface as internal errors.
func Classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if model.AsEnvelope(err) != nil {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
			return model.NewUpstreamError(err, true, constraintMessage(pgErr))
		}
		return model.NewUpstreamError(err, false, op+" failed")
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNoRows reports whether err is pgx.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func constraintMessage(pgErr *pgconn.PgError) string {
	switch pgErr.Code {
	case "23505":
		return "a record with the same unique values already exists"
	case "23503":
		return "a referenced record does not exist"
	case "23502":
		return fmt.Sprintf("column %q must not be null", pgErr.ColumnName)
	case "23514":
		return "a value violates a check constraint"
	}
	return "the data violates a database constraint"
}
