package database

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
)

// Migration represents a single schema change.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// MigrationRunner applies migrations and records them in schema_migrations.
type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:  db,
		log: log,
	}
}

// Migrations returns all known migrations in version order. Every Up
// statement is safe to run against a schema that already has the objects.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Initial EASM schema: assets, discovery_jobs, job_asset_links",
			Up: `
				CREATE TABLE IF NOT EXISTS assets (
					id UUID PRIMARY KEY,
					organization_id UUID NOT NULL,
					asset_type TEXT NOT NULL,
					value TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'ACTIVE',
					first_seen TIMESTAMPTZ NOT NULL,
					last_seen TIMESTAMPTZ NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					attributes JSONB
				);

				CREATE TABLE IF NOT EXISTS discovery_jobs (
					id UUID PRIMARY KEY,
					organization_id UUID NOT NULL,
					job_type TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'PENDING',
					target TEXT,
					started_at TIMESTAMPTZ,
					completed_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					logs TEXT,
					configuration JSONB NOT NULL DEFAULT '{}'
				);

				CREATE TABLE IF NOT EXISTS job_asset_links (
					job_id UUID NOT NULL REFERENCES discovery_jobs(id) ON DELETE CASCADE,
					asset_id UUID NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
					PRIMARY KEY (job_id, asset_id)
				);

				CREATE INDEX IF NOT EXISTS idx_assets_org_type ON assets(organization_id, asset_type);
				CREATE INDEX IF NOT EXISTS idx_assets_value ON assets(value);
				CREATE INDEX IF NOT EXISTS idx_discovery_jobs_status_created ON discovery_jobs(status, created_at ASC);
				CREATE INDEX IF NOT EXISTS idx_discovery_jobs_org ON discovery_jobs(organization_id);
			`,
			Down: `
				DROP TABLE IF EXISTS job_asset_links;
				DROP TABLE IF EXISTS discovery_jobs;
				DROP TABLE IF EXISTS assets;
			`,
		},
		{
			Version:     2,
			Description: "Enum checks on asset and job columns",
			Up: `
				DO $$
				BEGIN
					IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_assets_type') THEN
						ALTER TABLE assets ADD CONSTRAINT chk_assets_type
						CHECK (asset_type IN ('DOMAIN', 'IPADDRESS', 'WEBAPP', 'CERTIFICATE', 'CODEREPO', 'CLOUDRESOURCE'));
					END IF;
					IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_assets_status') THEN
						ALTER TABLE assets ADD CONSTRAINT chk_assets_status
						CHECK (status IN ('ACTIVE', 'INACTIVE', 'ARCHIVED'));
					END IF;
					IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_discovery_jobs_type') THEN
						ALTER TABLE discovery_jobs ADD CONSTRAINT chk_discovery_jobs_type
						CHECK (job_type IN ('DNSENUM', 'PORTSCAN', 'WEBCRAWL', 'CERTSCAN', 'VULNSCAN'));
					END IF;
					IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_discovery_jobs_status') THEN
						ALTER TABLE discovery_jobs ADD CONSTRAINT chk_discovery_jobs_status
						CHECK (status IN ('PENDING', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELLED'));
					END IF;
				END $$;

				CREATE INDEX IF NOT EXISTS idx_assets_attributes_gin ON assets USING GIN (attributes);
			`,
			Down: `
				DROP INDEX IF EXISTS idx_assets_attributes_gin;
				ALTER TABLE assets DROP CONSTRAINT IF EXISTS chk_assets_type;
				ALTER TABLE assets DROP CONSTRAINT IF EXISTS chk_assets_status;
				ALTER TABLE discovery_jobs DROP CONSTRAINT IF EXISTS chk_discovery_jobs_type;
				ALTER TABLE discovery_jobs DROP CONSTRAINT IF EXISTS chk_discovery_jobs_status;
			`,
		},
	}
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			checksum TEXT NOT NULL
		);
	`
	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

// AppliedVersions returns the versions recorded in schema_migrations.
func (mr *MigrationRunner) AppliedVersions(ctx context.Context) (map[int]bool, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}

	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// Run applies all pending migrations. Running it twice is a no-op.
func (mr *MigrationRunner) Run(ctx context.Context) error {
	applied, err := mr.AppliedVersions(ctx)
	if err != nil {
		return err
	}

	all := Migrations()
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })

	pending := 0
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if err := mr.apply(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
		pending++
	}

	if pending == 0 {
		mr.log.Infow("Database schema is up to date",
			"latest_version", all[len(all)-1].Version,
		)
		return nil
	}

	mr.log.Infow("Migrations applied",
		"migrations_applied", pending,
		"latest_version", all[len(all)-1].Version,
	)
	return nil
}

func (mr *MigrationRunner) apply(ctx context.Context, m Migration) error {
	mr.log.Infow("Applying migration",
		"version", m.Version,
		"description", m.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		mr.log.Errorw("Migration failed",
			"version", m.Version,
			"error", err,
		)
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at, checksum) VALUES ($1, $2, $3, $4)`,
		m.Version, m.Description, time.Now().UTC(), checksum(m),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// Rollback runs the Down statement of version and forgets it.
func (mr *MigrationRunner) Rollback(ctx context.Context, version int) error {
	var target *Migration
	for _, m := range Migrations() {
		if m.Version == version {
			m := m
			target = &m
			break
		}
	}
	if target == nil {
		return fmt.Errorf("migration %d not found", version)
	}
	if target.Down == "" {
		return fmt.Errorf("migration %d has no rollback", version)
	}

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, target.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	mr.log.Infow("Migration rolled back", "version", version)
	return nil
}

func checksum(m Migration) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(m.Up)))[:16]
}
