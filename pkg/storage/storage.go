// Package storage provides the StorageProvider collaborator interface the
// orchestrator's persistence phase uses to save a successful action's
// output, plus an in-memory "ephemeral" implementation and a
// PostgreSQL-backed one built on jackc/pgx/v5.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordigilh/actionrunner/pkg/action"
)

// Location is what a successful Put call reports back. It mirrors
// action.OutputLocation so StorageProvider implementations need not build
// the domain type; PutWithFallback converts it with toOutputLocation.
type Location struct {
	Provider string
	Path     string
	Size     int64
	Checksum string
}

// StorageProvider persists a completed action's output and returns where
// it was stored.
type StorageProvider interface {
	Put(ctx context.Context, executionID, actionID string, output []byte) (Location, error)
}

// EphemeralProvider stores output in a process-local map under a
// "memory://transient" path. It is the fallback used when no durable
// StorageProvider is configured, or when a durable provider's Put call
// itself fails — storing ephemerally never invalidates the action's own
// successful HTTP call.
type EphemeralProvider struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewEphemeralProvider constructs an empty EphemeralProvider.
func NewEphemeralProvider() *EphemeralProvider {
	return &EphemeralProvider{objects: make(map[string][]byte)}
}

func (p *EphemeralProvider) Put(ctx context.Context, executionID, actionID string, output []byte) (Location, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := fmt.Sprintf("memory://transient/%s/%s", executionID, actionID)
	p.objects[path] = output

	return Location{
		Provider: "ephemeral",
		Path:     path,
		Size:     int64(len(output)),
		Checksum: checksum(output),
	}, nil
}

// Get retrieves a previously-stored object, for tests and diagnostics.
func (p *EphemeralProvider) Get(path string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.objects[path]
	return v, ok
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// PostgresProvider persists outputs to a Postgres table, using
// QueryExecModeDescribeExec rather than pgx's cache-statement default so
// a schema migration applied while the pool is live (an index added, a
// column widened) never hits a stale cached-plan error.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

// NewPgxPoolConfig builds a *pgxpool.Config from a connString with
// DefaultQueryExecMode forced to DescribeExec.
func NewPgxPoolConfig(connString string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to parse PostgreSQL connection string: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec
	return cfg, nil
}

// NewPostgresProvider connects using cfg (see NewPgxPoolConfig) and
// returns a provider backed by the resulting pool.
func NewPostgresProvider(ctx context.Context, cfg *pgxpool.Config) (*PostgresProvider, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	return &PostgresProvider{pool: pool}, nil
}

// EnsureSchema creates the action_outputs table if it does not already
// exist. Call once at startup; safe to call repeatedly.
func (p *PostgresProvider) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS action_outputs (
			execution_id TEXT NOT NULL,
			action_id    TEXT NOT NULL,
			output       BYTEA NOT NULL,
			checksum     TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (execution_id, action_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("storage: ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresProvider) Put(ctx context.Context, executionID, actionID string, output []byte) (Location, error) {
	sum := checksum(output)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO action_outputs (execution_id, action_id, output, checksum)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (execution_id, action_id) DO UPDATE SET output = EXCLUDED.output, checksum = EXCLUDED.checksum
	`, executionID, actionID, output, sum)
	if err != nil {
		return Location{}, fmt.Errorf("storage: put: %w", err)
	}

	return Location{
		Provider: "postgres",
		Path:     fmt.Sprintf("postgres://action_outputs/%s/%s", executionID, actionID),
		Size:     int64(len(output)),
		Checksum: sum,
	}, nil
}

// Close releases the underlying pool.
func (p *PostgresProvider) Close() {
	p.pool.Close()
}

func toOutputLocation(l Location) *action.OutputLocation {
	return &action.OutputLocation{
		Provider: l.Provider,
		Path:     l.Path,
		Size:     l.Size,
		Checksum: l.Checksum,
	}
}

// PutWithFallback persists output to primary and, if that fails, retries
// against an ephemeral fallback instead of invalidating the already
// successful action call. A primary failure never surfaces as an action
// error — it is recorded on the returned location so callers can log or
// alert on it downstream. isRetryable classifies whether the primary's
// failure is itself worth retrying on a future action run (e.g. a
// connection error is retryable, a constraint violation is not).
func PutWithFallback(ctx context.Context, primary StorageProvider, fallback *EphemeralProvider, executionID, actionID string, output []byte, isRetryable func(error) bool) *action.OutputLocation {
	if primary == nil {
		loc, _ := fallback.Put(ctx, executionID, actionID, output)
		return toOutputLocation(loc)
	}

	loc, err := primary.Put(ctx, executionID, actionID, output)
	if err == nil {
		return toOutputLocation(loc)
	}

	fallbackLoc, _ := fallback.Put(ctx, executionID, actionID, output)
	out := toOutputLocation(fallbackLoc)
	out.StorageFailure = true
	if isRetryable != nil {
		out.StorageErrorRetryable = isRetryable(err)
	}
	return out
}
