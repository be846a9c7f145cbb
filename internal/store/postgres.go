package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/db"
	"github.com/sells-group/sourcing-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_job":     `INSERT INTO sourcing_jobs (id, status, query, query_key, platforms, product_id, params, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"get_job":        `SELECT ` + jobColumns + ` FROM sourcing_jobs WHERE id = $1`,
	"get_job_status": `SELECT status FROM sourcing_jobs WHERE id = $1`,
	"list_results":   `SELECT id, job_id, offer, ai_match_score, ai_notes, rank, cargo, created_at FROM sourcing_results WHERE job_id = $1 ORDER BY position`,
	"latest_rates":   `SELECT usd::text, cny::text, eur::text, source, fetched_at FROM currency_rates ORDER BY fetched_at DESC, id DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sourcing_jobs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status      TEXT NOT NULL DEFAULT 'PENDING',
	query       TEXT NOT NULL,
	query_key   TEXT NOT NULL,
	platforms   JSONB NOT NULL DEFAULT '[]',
	product_id  TEXT NOT NULL,
	params      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	fail_reason TEXT
);

CREATE TABLE IF NOT EXISTS sourcing_results (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id         TEXT NOT NULL REFERENCES sourcing_jobs(id),
	position       INTEGER NOT NULL,
	offer          JSONB NOT NULL,
	ai_match_score DOUBLE PRECISION,
	ai_notes       TEXT,
	rank           INTEGER,
	cargo          JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS currency_rates (
	id         BIGSERIAL PRIMARY KEY,
	usd        NUMERIC(18,4) NOT NULL,
	cny        NUMERIC(18,4) NOT NULL,
	eur        NUMERIC(18,4) NOT NULL,
	source     TEXT NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON sourcing_jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON sourcing_jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_dedup ON sourcing_jobs(product_id, query_key, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_results_job_id ON sourcing_results(job_id, position);
CREATE INDEX IF NOT EXISTS idx_rates_fetched_at ON currency_rates(fetched_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.SourcingJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}

	platforms, params, err := marshalJob(job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sourcing_jobs (id, status, query, query_key, platforms, product_id, params, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, string(job.Status), job.Query, model.NormalizeQuery(job.Query),
		platforms, job.ProductID, params, job.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus, reason string) error {
	if !model.CanTransition(from, to) {
		return eris.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}

	cols, args := transitionSet(to, reason, time.Now().UTC())
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	n := len(args)
	args = append(args, id, string(from))

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE sourcing_jobs SET %s WHERE id = $%d AND status = $%d`, strings.Join(sets, ", "), n+1, n+2),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition job %s", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM sourcing_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrJobNotFound, "postgres: transition job %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read job status %s", id)
	}
	return eris.Wrapf(ErrTransitionConflict, "postgres: job %s is %s, not %s", id, current, from)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.SourcingJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM sourcing_jobs WHERE id = $1`, id)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrJobNotFound, "postgres: get job %s", id)
	}
	return job, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.SourcingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sourcing_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.ProductID != "" {
		query += fmt.Sprintf(` AND product_id = $%d`, argIdx)
		args = append(args, filter.ProductID)
		argIdx++
	}
	if filter.CreatedAfter != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, *filter.CreatedAfter)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, clampLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.SourcingJob
	for rows.Next() {
		j, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) FindActiveJob(ctx context.Context, productID, query string, since time.Time) (*model.SourcingJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM sourcing_jobs
		 WHERE product_id = $1 AND query_key = $2 AND status IN ('PENDING', 'RUNNING') AND created_at >= $3
		 ORDER BY created_at DESC LIMIT 1`,
		productID, model.NormalizeQuery(query), since,
	)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) FailStaleJobs(ctx context.Context, olderThan time.Time, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sourcing_jobs SET status = 'FAILED', finished_at = $1, fail_reason = $2
		 WHERE status IN ('PENDING', 'RUNNING') AND created_at < $3`,
		time.Now().UTC(), reason, olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: fail stale jobs")
	}
	return int(tag.RowsAffected()), nil
}

var resultColumns = []string{"id", "job_id", "position", "offer", "ai_match_score", "ai_notes", "rank", "cargo", "created_at"}

// AppendResults locks the job row, checks it is RUNNING and copies every
// result in one transaction.
func (s *PostgresStore) AppendResults(ctx context.Context, jobID string, results []model.SourcingResult) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append results")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM sourcing_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrJobNotFound, "postgres: append results %s", jobID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lock job %s", jobID)
	}
	if model.JobStatus(status) != model.JobStatusRunning {
		err = eris.Wrapf(ErrJobNotRunning, "postgres: job %s is %s", jobID, status)
		return err
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(results))
	for i := range results {
		r := &results[i]
		prepareResult(r, jobID, now)
		offer, cargo, mErr := marshalResult(r)
		if mErr != nil {
			err = eris.Wrap(mErr, "postgres: marshal result")
			return err
		}
		var cargoArg any
		if cargo != nil {
			cargoArg = cargo
		}
		rows = append(rows, []any{r.ID, jobID, i, offer, r.AIMatchScore, nullString(r.AINotes), r.Rank, cargoArg, r.CreatedAt})
	}

	if _, err = db.CopyFrom(ctx, tx, "sourcing_results", resultColumns, rows); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit append results")
	}
	return nil
}

func (s *PostgresStore) ListResults(ctx context.Context, jobID string) ([]model.SourcingResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, offer, ai_match_score, ai_notes, rank, cargo, created_at FROM sourcing_results WHERE job_id = $1 ORDER BY position`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list results %s", jobID)
	}
	defer rows.Close()

	results := []model.SourcingResult{}
	for rows.Next() {
		var (
			r         model.SourcingResult
			offerJSON []byte
			cargoJSON *[]byte
			notes     *string
		)
		if err := rows.Scan(&r.ID, &r.JobID, &offerJSON, &r.AIMatchScore, &notes, &r.Rank, &cargoJSON, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		if err := json.Unmarshal(offerJSON, &r.Offer); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal offer")
		}
		if notes != nil {
			r.AINotes = *notes
		}
		if cargoJSON != nil {
			r.Cargo = &model.CargoSnapshot{}
			if err := json.Unmarshal(*cargoJSON, r.Cargo); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal cargo")
			}
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) SaveRates(ctx context.Context, snap model.CurrencyRateSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO currency_rates (usd, cny, eur, source, fetched_at) VALUES ($1::numeric, $2::numeric, $3::numeric, $4, $5)`,
		snap.USD.String(), snap.CNY.String(), snap.EUR.String(), snap.Source, snap.FetchedAt,
	)
	return eris.Wrap(err, "postgres: save rates")
}

func (s *PostgresStore) LatestRates(ctx context.Context) (*model.CurrencyRateSnapshot, error) {
	var usd, cny, eur string
	var snap model.CurrencyRateSnapshot
	err := s.pool.QueryRow(ctx,
		`SELECT usd::text, cny::text, eur::text, source, fetched_at FROM currency_rates ORDER BY fetched_at DESC, id DESC LIMIT 1`,
	).Scan(&usd, &cny, &eur, &snap.Source, &snap.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest rates")
	}
	if err := parseRates(&snap, usd, cny, eur); err != nil {
		return nil, eris.Wrap(err, "postgres: parse rates")
	}
	return &snap, nil
}

func scanPostgresJob(row pgx.Row) (*model.SourcingJob, error) {
	var (
		j                 model.SourcingJob
		status            string
		platforms, params []byte
		failReason        *string
	)
	err := row.Scan(&j.ID, &status, &j.Query, &platforms, &j.ProductID, &params,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &failReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	j.Status = model.JobStatus(status)
	if failReason != nil {
		j.FailReason = *failReason
	}
	if err := unmarshalJob(&j, platforms, params); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job")
	}
	return &j, nil
}
