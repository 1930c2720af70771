package persistence

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
)

// DefaultPostgresTable holds entities when no table is configured.
const DefaultPostgresTable = "taskflow_entities"

// PgExecutor is the slice of pgx used by the backend. *pgxpool.Pool,
// *pgx.Conn and pgx.Tx satisfy it.
type PgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBackend stores entities in a single table keyed by directory and
// id. Version checks run inside the UPDATE and DELETE statements.
type PostgresBackend struct {
	exec  PgExecutor
	table string
}

// OpenPostgres connects a pool for dsn and pings it.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func NewPostgresBackend(exec PgExecutor, table string) (*PostgresBackend, error) {
	if exec == nil {
		return nil, fmt.Errorf("%w: postgres executor", errspkg.ErrBackendRequired)
	}
	if table == "" {
		table = DefaultPostgresTable
	}
	return &PostgresBackend{exec: exec, table: pgx.Identifier{table}.Sanitize()}, nil
}

// EnsureSchema creates the entity table when it does not exist yet.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	_, err := b.exec.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    directory  TEXT        NOT NULL,
    id         TEXT        NOT NULL,
    version    TEXT        NOT NULL,
    body       BYTEA       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (directory, id)
)`, b.table))
	if err != nil {
		return fmt.Errorf("ensure schema %s: %w", b.table, err)
	}
	return nil
}

func (b *PostgresBackend) Create(ctx context.Context, id string, body []byte, version, directory string) (StorageResponse, error) {
	tag, err := b.exec.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (directory, id, version, body)
VALUES ($1, $2, $3, $4)
ON CONFLICT (directory, id) DO NOTHING`, b.table), directory, id, version, body)
	if err != nil {
		return failure(err)
	}
	if tag.RowsAffected() == 0 {
		return statusResponse(http.StatusConflict), nil
	}
	resp := statusResponse(http.StatusCreated)
	resp.Content, resp.Version = body, version
	return resp, nil
}

func (b *PostgresBackend) Read(ctx context.Context, id, directory string) (StorageResponse, error) {
	var (
		body    []byte
		version string
	)
	err := b.exec.QueryRow(ctx, fmt.Sprintf(`SELECT body, version FROM %s WHERE directory = $1 AND id = $2`, b.table),
		directory, id).Scan(&body, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return statusResponse(http.StatusNotFound), nil
	}
	if err != nil {
		return failure(err)
	}
	resp := statusResponse(http.StatusOK)
	resp.Content, resp.Version = body, version
	return resp, nil
}

func (b *PostgresBackend) Update(ctx context.Context, id string, body []byte, expectedVersion, newVersion, directory string) (StorageResponse, error) {
	var stored string
	err := b.exec.QueryRow(ctx, fmt.Sprintf(`
UPDATE %s SET body = $3, version = $4, updated_at = now()
WHERE directory = $1 AND id = $2 AND version = $5
RETURNING version`, b.table), directory, id, body, newVersion, expectedVersion).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return b.missOrConflict(ctx, id, directory)
	}
	if err != nil {
		return failure(err)
	}
	resp := statusResponse(http.StatusOK)
	resp.Content, resp.Version = body, stored
	return resp, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, id, expectedVersion, directory string) (StorageResponse, error) {
	var removed string
	err := b.exec.QueryRow(ctx, fmt.Sprintf(`
DELETE FROM %s
WHERE directory = $1 AND id = $2 AND version = $3
RETURNING version`, b.table), directory, id, expectedVersion).Scan(&removed)
	if errors.Is(err, pgx.ErrNoRows) {
		return b.missOrConflict(ctx, id, directory)
	}
	if err != nil {
		return failure(err)
	}
	resp := statusResponse(http.StatusOK)
	resp.Version = removed
	return resp, nil
}

func (b *PostgresBackend) Version(ctx context.Context, id, directory string) (StorageResponse, error) {
	var version string
	err := b.exec.QueryRow(ctx, fmt.Sprintf(`SELECT version FROM %s WHERE directory = $1 AND id = $2`, b.table),
		directory, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return statusResponse(http.StatusNotFound), nil
	}
	if err != nil {
		return failure(err)
	}
	resp := statusResponse(http.StatusOK)
	resp.Version = version
	return resp, nil
}

// missOrConflict explains why a conditional statement touched no row.
func (b *PostgresBackend) missOrConflict(ctx context.Context, id, directory string) (StorageResponse, error) {
	resp, err := b.Version(ctx, id, directory)
	if err != nil || !resp.IsSuccess {
		return resp, err
	}
	conflict := statusResponse(http.StatusConflict)
	conflict.Version = resp.Version
	return conflict, nil
}

func failure(err error) (StorageResponse, error) {
	if pgconn.Timeout(err) {
		return TimeoutResponse(), nil
	}
	return StorageResponse{}, err
}
