package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sourcing-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers; the CAS updates rely on it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sourcing_jobs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'PENDING',
	query       TEXT NOT NULL,
	query_key   TEXT NOT NULL,
	platforms   TEXT NOT NULL,
	product_id  TEXT NOT NULL,
	params      TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	started_at  DATETIME,
	finished_at DATETIME,
	fail_reason TEXT
);

CREATE TABLE IF NOT EXISTS sourcing_results (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL REFERENCES sourcing_jobs(id),
	position       INTEGER NOT NULL,
	offer          TEXT NOT NULL,
	ai_match_score REAL,
	ai_notes       TEXT,
	rank           INTEGER,
	cargo          TEXT,
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS currency_rates (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	usd        TEXT NOT NULL,
	cny        TEXT NOT NULL,
	eur        TEXT NOT NULL,
	source     TEXT NOT NULL,
	fetched_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON sourcing_jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON sourcing_jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_dedup ON sourcing_jobs(product_id, query_key, created_at);
CREATE INDEX IF NOT EXISTS idx_results_job_id ON sourcing_results(job_id, position);
CREATE INDEX IF NOT EXISTS idx_rates_fetched_at ON currency_rates(fetched_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, status, query, platforms, product_id, params, created_at, started_at, finished_at, fail_reason`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.SourcingJob) error {
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
		return eris.Wrap(err, "sqlite: marshal job")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sourcing_jobs (id, status, query, query_key, platforms, product_id, params, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.Query, model.NormalizeQuery(job.Query),
		string(platforms), job.ProductID, string(params), job.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus, reason string) error {
	if !model.CanTransition(from, to) {
		return eris.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}

	cols, args := transitionSet(to, reason, time.Now().UTC())
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE sourcing_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM sourcing_jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrJobNotFound, "sqlite: transition job %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read job status %s", id)
	}
	return eris.Wrapf(ErrTransitionConflict, "sqlite: job %s is %s, not %s", id, current, from)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.SourcingJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sourcing_jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrJobNotFound, "sqlite: get job %s", id)
	}
	return job, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.SourcingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sourcing_jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ProductID != "" {
		query += ` AND product_id = ?`
		args = append(args, filter.ProductID)
	}
	if filter.CreatedAfter != nil {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.SourcingJob
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) FindActiveJob(ctx context.Context, productID, query string, since time.Time) (*model.SourcingJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sourcing_jobs
		 WHERE product_id = ? AND query_key = ? AND status IN ('PENDING', 'RUNNING') AND created_at >= ?
		 ORDER BY created_at DESC LIMIT 1`,
		productID, model.NormalizeQuery(query), since.UTC(),
	)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) FailStaleJobs(ctx context.Context, olderThan time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sourcing_jobs SET status = 'FAILED', finished_at = ?, fail_reason = ?
		 WHERE status IN ('PENDING', 'RUNNING') AND created_at < ?`,
		time.Now().UTC(), reason, olderThan.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: fail stale jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) AppendResults(ctx context.Context, jobID string, results []model.SourcingResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append results")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sourcing_jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrJobNotFound, "sqlite: append results %s", jobID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read job status %s", jobID)
	}
	if model.JobStatus(status) != model.JobStatusRunning {
		err = eris.Wrapf(ErrJobNotRunning, "sqlite: job %s is %s", jobID, status)
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sourcing_results (id, job_id, position, offer, ai_match_score, ai_notes, rank, cargo, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert result")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for i := range results {
		r := &results[i]
		prepareResult(r, jobID, now)
		offer, cargo, mErr := marshalResult(r)
		if mErr != nil {
			err = eris.Wrap(mErr, "sqlite: marshal result")
			return err
		}
		var cargoArg any
		if cargo != nil {
			cargoArg = string(cargo)
		}
		if _, err = stmt.ExecContext(ctx,
			r.ID, jobID, i, string(offer), r.AIMatchScore, nullString(r.AINotes), r.Rank, cargoArg, r.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert result for job %s", jobID)
		}
	}

	if err = tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit append results")
	}
	return nil
}

func (s *SQLiteStore) ListResults(ctx context.Context, jobID string) ([]model.SourcingResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, offer, ai_match_score, ai_notes, rank, cargo, created_at
		 FROM sourcing_results WHERE job_id = ? ORDER BY position`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list results %s", jobID)
	}
	defer rows.Close() //nolint:errcheck

	results := []model.SourcingResult{}
	for rows.Next() {
		var (
			r     model.SourcingResult
			offer string
			score sql.NullFloat64
			notes sql.NullString
			rank  sql.NullInt64
			cargo sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.JobID, &offer, &score, &notes, &rank, &cargo, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		if err := json.Unmarshal([]byte(offer), &r.Offer); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal offer")
		}
		if score.Valid {
			r.AIMatchScore = &score.Float64
		}
		r.AINotes = notes.String
		if rank.Valid {
			n := int(rank.Int64)
			r.Rank = &n
		}
		if cargo.Valid {
			r.Cargo = &model.CargoSnapshot{}
			if err := json.Unmarshal([]byte(cargo.String), r.Cargo); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal cargo")
			}
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) SaveRates(ctx context.Context, snap model.CurrencyRateSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO currency_rates (usd, cny, eur, source, fetched_at) VALUES (?, ?, ?, ?, ?)`,
		snap.USD.String(), snap.CNY.String(), snap.EUR.String(), snap.Source, snap.FetchedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save rates")
}

func (s *SQLiteStore) LatestRates(ctx context.Context) (*model.CurrencyRateSnapshot, error) {
	var usd, cny, eur string
	var snap model.CurrencyRateSnapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT usd, cny, eur, source, fetched_at FROM currency_rates ORDER BY fetched_at DESC, id DESC LIMIT 1`,
	).Scan(&usd, &cny, &eur, &snap.Source, &snap.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest rates")
	}
	if err := parseRates(&snap, usd, cny, eur); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse rates")
	}
	return &snap, nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scannable) (*model.SourcingJob, error) {
	var (
		j                 model.SourcingJob
		platforms, params string
		started, finished sql.NullTime
		failReason        sql.NullString
	)
	err := row.Scan(&j.ID, &j.Status, &j.Query, &platforms, &j.ProductID, &params,
		&j.CreatedAt, &started, &finished, &failReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	j.FailReason = failReason.String
	if err := unmarshalJob(&j, []byte(platforms), []byte(params)); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job")
	}
	return &j, nil
}

func marshalJob(job *model.SourcingJob) (platforms, params []byte, err error) {
	p := job.Platforms
	if p == nil {
		p = []string{}
	}
	if platforms, err = json.Marshal(p); err != nil {
		return nil, nil, err
	}
	if params, err = json.Marshal(job.Params); err != nil {
		return nil, nil, err
	}
	return platforms, params, nil
}

func unmarshalJob(j *model.SourcingJob, platforms, params []byte) error {
	if err := json.Unmarshal(platforms, &j.Platforms); err != nil {
		return err
	}
	return json.Unmarshal(params, &j.Params)
}

func prepareResult(r *model.SourcingResult, jobID string, now time.Time) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.JobID = jobID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
}

func marshalResult(r *model.SourcingResult) (offer, cargo []byte, err error) {
	if offer, err = json.Marshal(r.Offer); err != nil {
		return nil, nil, err
	}
	if r.Cargo != nil {
		if cargo, err = json.Marshal(r.Cargo); err != nil {
			return nil, nil, err
		}
	}
	return offer, cargo, nil
}

func parseRates(snap *model.CurrencyRateSnapshot, usd, cny, eur string) error {
	var err error
	if snap.USD, err = decimal.NewFromString(usd); err != nil {
		return err
	}
	if snap.CNY, err = decimal.NewFromString(cny); err != nil {
		return err
	}
	snap.EUR, err = decimal.NewFromString(eur)
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
