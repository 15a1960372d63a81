package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

// ErrNotFound is returned when a row with the requested id does not exist.
var ErrNotFound = errors.New("record not found")

const (
	assetColumns = `id, organization_id, asset_type, value, status, first_seen, last_seen, created_at, updated_at, attributes`
	jobColumns   = `id, organization_id, job_type, status, target, started_at, completed_at, created_at, updated_at, logs, configuration`
)

// Store owns the Postgres connection pool. Repositories are views over it.
type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

func NewStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (_ *Store, err error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("database")

	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
		"max_connections", cfg.MaxConnections,
	)
	start := time.Now()
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.LogDuration(ctx, "database.Connect", start, "driver", cfg.Driver)

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	migrateStart := time.Now()
	if err := NewMigrationRunner(db, log).Run(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.LogDuration(ctx, "database.Migrate", migrateStart)

	return &Store{db: db, cfg: cfg, logger: log}, nil
}

// maskDSN hides credentials in a DSN for logging.
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// Assets returns the asset repository.
func (s *Store) Assets() *AssetStore { return &AssetStore{s} }

// Jobs returns the discovery job repository. It also implements
// core.JobClaimer.
func (s *Store) Jobs() *JobStore { return &JobStore{s} }

func (s *Store) observe(ctx context.Context, operation, table string, start time.Time, rows int64, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.LogError(ctx, err, "database."+operation,
			"db_table", table,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	s.logger.LogDatabaseOperation(ctx, operation, table, rows, time.Since(start))
}

// where accumulates "column = $n" clauses with positional arguments.
type where struct {
	clauses []string
	args    []interface{}
}

func (w *where) add(column string, value interface{}) {
	w.args = append(w.args, value)
	w.clauses = append(w.clauses, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// page appends LIMIT/OFFSET placeholders. A non-positive limit means no limit.
func (w *where) page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		w.args = append(w.args, limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(w.args))
	}
	if offset > 0 {
		w.args = append(w.args, offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(w.args))
	}
	return b.String()
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// AssetStore implements core.AssetRepository.
type AssetStore struct{ s *Store }

func (r *AssetStore) Create(ctx context.Context, asset *types.Asset) (err error) {
	start := time.Now()
	var rows int64
	defer func() { r.s.observe(ctx, "insert", "assets", start, rows, err) }()

	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if len(asset.Attributes) == 0 {
		asset.Attributes = types.JSONDocument("{}")
	}

	res, err := r.s.db.NamedExecContext(ctx, `
		INSERT INTO assets (`+assetColumns+`)
		VALUES (:id, :organization_id, :asset_type, :value, :status, :first_seen, :last_seen, :created_at, :updated_at, :attributes)
	`, asset)
	if err != nil {
		return fmt.Errorf("failed to insert asset: %w", err)
	}
	rows = rowsAffected(res)
	return nil
}

func (r *AssetStore) Get(ctx context.Context, id uuid.UUID) (_ *types.Asset, err error) {
	start := time.Now()
	defer func() { r.s.observe(ctx, "select", "assets", start, 1, err) }()

	var asset types.Asset
	err = r.s.db.GetContext(ctx, &asset, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return &asset, nil
}

func (r *AssetStore) Update(ctx context.Context, asset *types.Asset) (err error) {
	start := time.Now()
	var rows int64
	defer func() { r.s.observe(ctx, "update", "assets", start, rows, err) }()

	asset.UpdatedAt = time.Now().UTC()
	res, err := r.s.db.NamedExecContext(ctx, `
		UPDATE assets SET
			organization_id = :organization_id,
			asset_type = :asset_type,
			value = :value,
			status = :status,
			first_seen = :first_seen,
			last_seen = :last_seen,
			updated_at = :updated_at,
			attributes = :attributes
		WHERE id = :id
	`, asset)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	if rows = rowsAffected(res); rows == 0 {
		return fmt.Errorf("asset %s: %w", asset.ID, ErrNotFound)
	}
	return nil
}

func assetWhere(filter types.AssetFilter) *where {
	w := &where{}
	if filter.OrganizationID != nil {
		w.add("organization_id", *filter.OrganizationID)
	}
	if filter.AssetType != nil {
		w.add("asset_type", *filter.AssetType)
	}
	if filter.Status != nil {
		w.add("status", *filter.Status)
	}
	return w
}

// List returns matching assets, most recently created first.
func (r *AssetStore) List(ctx context.Context, filter types.AssetFilter, limit, offset int) (_ []*types.Asset, err error) {
	start := time.Now()
	var assets []*types.Asset
	defer func() { r.s.observe(ctx, "select", "assets", start, int64(len(assets)), err) }()

	w := assetWhere(filter)
	query := `SELECT ` + assetColumns + ` FROM assets` + w.String() + ` ORDER BY created_at DESC, id`
	query += w.page(limit, offset)

	if err := r.s.db.SelectContext(ctx, &assets, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return assets, nil
}

func (r *AssetStore) Count(ctx context.Context, filter types.AssetFilter) (_ int64, err error) {
	start := time.Now()
	defer func() { r.s.observe(ctx, "count", "assets", start, 1, err) }()

	w := assetWhere(filter)
	var n int64
	if err := r.s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM assets`+w.String(), w.args...); err != nil {
		return 0, fmt.Errorf("failed to count assets: %w", err)
	}
	return n, nil
}

// JobStore implements core.DiscoveryJobRepository and core.JobClaimer.
type JobStore struct{ s *Store }

func (r *JobStore) Create(ctx context.Context, job *types.DiscoveryJob) (err error) {
	start := time.Now()
	var rows int64
	defer func() { r.s.observe(ctx, "insert", "discovery_jobs", start, rows, err) }()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if len(job.Configuration) == 0 {
		job.Configuration = types.JSONDocument("{}")
	}

	res, err := r.s.db.NamedExecContext(ctx, `
		INSERT INTO discovery_jobs (`+jobColumns+`)
		VALUES (:id, :organization_id, :job_type, :status, :target, :started_at, :completed_at, :created_at, :updated_at, :logs, :configuration)
	`, job)
	if err != nil {
		return fmt.Errorf("failed to insert discovery job: %w", err)
	}
	rows = rowsAffected(res)
	return nil
}

func (r *JobStore) Get(ctx context.Context, id uuid.UUID) (_ *types.DiscoveryJob, err error) {
	start := time.Now()
	defer func() { r.s.observe(ctx, "select", "discovery_jobs", start, 1, err) }()

	var job types.DiscoveryJob
	err = r.s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM discovery_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("discovery job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get discovery job: %w", err)
	}
	return &job, nil
}

func (r *JobStore) Update(ctx context.Context, job *types.DiscoveryJob) (err error) {
	start := time.Now()
	var rows int64
	defer func() { r.s.observe(ctx, "update", "discovery_jobs", start, rows, err) }()

	job.UpdatedAt = time.Now().UTC()
	res, err := r.s.db.NamedExecContext(ctx, `
		UPDATE discovery_jobs SET
			organization_id = :organization_id,
			job_type = :job_type,
			status = :status,
			target = :target,
			started_at = :started_at,
			completed_at = :completed_at,
			updated_at = :updated_at,
			logs = :logs,
			configuration = :configuration
		WHERE id = :id
	`, job)
	if err != nil {
		return fmt.Errorf("failed to update discovery job: %w", err)
	}
	if rows = rowsAffected(res); rows == 0 {
		return fmt.Errorf("discovery job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// List returns matching jobs, most recently created first.
func (r *JobStore) List(ctx context.Context, filter types.JobFilter, limit, offset int) (_ []*types.DiscoveryJob, err error) {
	start := time.Now()
	var jobs []*types.DiscoveryJob
	defer func() { r.s.observe(ctx, "select", "discovery_jobs", start, int64(len(jobs)), err) }()

	w := &where{}
	if filter.OrganizationID != nil {
		w.add("organization_id", *filter.OrganizationID)
	}
	if filter.JobType != nil {
		w.add("job_type", *filter.JobType)
	}
	if filter.Status != nil {
		w.add("status", *filter.Status)
	}
	query := `SELECT ` + jobColumns + ` FROM discovery_jobs` + w.String() + ` ORDER BY created_at DESC, id`
	query += w.page(limit, offset)

	if err := r.s.db.SelectContext(ctx, &jobs, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to list discovery jobs: %w", err)
	}
	return jobs, nil
}

// ListByStatus returns at most limit jobs in status, oldest first.
func (r *JobStore) ListByStatus(ctx context.Context, status types.JobStatus, limit int) (_ []*types.DiscoveryJob, err error) {
	start := time.Now()
	var jobs []*types.DiscoveryJob
	defer func() { r.s.observe(ctx, "select", "discovery_jobs", start, int64(len(jobs)), err) }()

	w := &where{}
	w.add("status", status)
	query := `SELECT ` + jobColumns + ` FROM discovery_jobs` + w.String() + ` ORDER BY created_at ASC, id`
	query += w.page(limit, 0)

	if err := r.s.db.SelectContext(ctx, &jobs, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}
	return jobs, nil
}

// LinkJobToAsset records that job discovered asset. Linking twice is a no-op.
func (r *JobStore) LinkJobToAsset(ctx context.Context, jobID, assetID uuid.UUID) (err error) {
	start := time.Now()
	var rows int64
	defer func() { r.s.observe(ctx, "insert", "job_asset_links", start, rows, err) }()

	res, err := r.s.db.ExecContext(ctx,
		`INSERT INTO job_asset_links (job_id, asset_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		jobID, assetID)
	if err != nil {
		return fmt.Errorf("failed to link job %s to asset %s: %w", jobID, assetID, err)
	}
	rows = rowsAffected(res)
	return nil
}

// LinkedAssets returns the ids of assets linked to job.
func (r *JobStore) LinkedAssets(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.s.db.SelectContext(ctx, &ids,
		`SELECT asset_id FROM job_asset_links WHERE job_id = $1`, jobID); err != nil {
		return nil, fmt.Errorf("failed to list linked assets: %w", err)
	}
	return ids, nil
}

// Claim moves a Pending job to Running. It reports false when the job was
// no longer Pending.
func (r *JobStore) Claim(ctx context.Context, id uuid.UUID, startedAt time.Time) (_ bool, err error) {
	start := time.Now()
	var rows int64
	defer func() { r.s.observe(ctx, "claim", "discovery_jobs", start, rows, err) }()

	res, err := r.s.db.ExecContext(ctx, `
		UPDATE discovery_jobs
		SET status = $3, started_at = $2, updated_at = $2
		WHERE id = $1 AND status = $4
	`, id, startedAt, types.JobStatusRunning, types.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim discovery job: %w", err)
	}
	rows = rowsAffected(res)
	return rows == 1, nil
}
