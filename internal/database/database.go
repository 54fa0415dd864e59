// Package database manages PostgreSQL connections and provides the read-only
// fact store the analytics engine queries.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool, logger: logger.Named("database")}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the development schema. Production schemas are owned by the
// ingestion service; the statements here are idempotent.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	const migrationLockID int64 = 0x4B43_5801
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	db.logger.Info("schema migrated")
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS uploads (
	id           TEXT PRIMARY KEY,
	client_id    TEXT NOT NULL,
	uploaded_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	status       TEXT NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS providers (
	key   BIGINT PRIMARY KEY,
	name  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS services (
	key   BIGINT PRIMARY KEY,
	name  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS regions (
	key   BIGINT PRIMARY KEY,
	name  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS billing_facts (
	id                   BIGSERIAL PRIMARY KEY,
	upload_id            TEXT NOT NULL REFERENCES uploads(id),
	provider_key         BIGINT NOT NULL,
	service_key          BIGINT NOT NULL,
	region_key           BIGINT NOT NULL,
	resource_id          TEXT NOT NULL DEFAULT '',
	sku_id               TEXT NOT NULL DEFAULT '',
	billed_cost          DOUBLE PRECISION,
	effective_cost       DOUBLE PRECISION,
	list_cost            DOUBLE PRECISION,
	contracted_cost      DOUBLE PRECISION,
	consumed_quantity    DOUBLE PRECISION,
	pricing_quantity     DOUBLE PRECISION,
	charge_period_start  TIMESTAMPTZ NOT NULL,
	charge_period_end    TIMESTAMPTZ,
	tags                 JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_uploads_client_id ON uploads(client_id);
CREATE INDEX IF NOT EXISTS idx_billing_facts_upload_period ON billing_facts(upload_id, charge_period_start);
CREATE INDEX IF NOT EXISTS idx_billing_facts_service ON billing_facts(service_key);
CREATE INDEX IF NOT EXISTS idx_billing_facts_region ON billing_facts(region_key);
CREATE INDEX IF NOT EXISTS idx_billing_facts_provider ON billing_facts(provider_key);
CREATE INDEX IF NOT EXISTS idx_providers_name ON providers(name);
CREATE INDEX IF NOT EXISTS idx_services_name ON services(name);
CREATE INDEX IF NOT EXISTS idx_regions_name ON regions(name);
`
