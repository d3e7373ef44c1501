package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"export-job-service/internal/errs"
	"export-job-service/internal/models"
)

// Store wraps pgxpool for Postgres persistence: export jobs, the users and
// orders source tables, synced third-party rows, and orchestrator executions.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `job_id, kind, format, filters, requester, state, artifact_key, download_url, record_count, error_detail, created_at, updated_at, expires_at`

// CreateJob inserts a fresh pending job row. The producer owns record
// creation; job_id is expected to be unique.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	filtersJSON, err := json.Marshal(job.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO export_jobs (job_id, kind, format, filters, requester, state, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.JobID, job.Kind, job.Format, filtersJSON, job.Requester, job.State, job.CreatedAt, job.UpdatedAt, job.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id. Returns errs.ErrNotFound when absent.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM export_jobs WHERE job_id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobsByRequester returns a requester's jobs newest-first, capped at limit.
func (s *Store) ListJobsByRequester(ctx context.Context, requester string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM export_jobs
		WHERE requester = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, requester, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs by requester: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkProcessing transitions pending -> processing. The WHERE guard keeps
// terminal records untouched when a redelivered item races a finished job;
// the returned bool reports whether the row was actually claimed.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET state = $2, updated_at = NOW()
		WHERE job_id = $1 AND state IN ($3, $2)
	`, id, models.StateProcessing, models.StatePending)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCompleted transitions to the terminal completed state and records the
// artifact fields. No-op on rows already terminal.
func (s *Store) MarkCompleted(ctx context.Context, id, artifactKey, downloadURL string, recordCount int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET state = $2, artifact_key = $3, download_url = $4, record_count = $5, error_detail = NULL, updated_at = NOW()
		WHERE job_id = $1 AND state NOT IN ($6, $7)
	`, id, models.StateCompleted, artifactKey, downloadURL, recordCount, models.StateCompleted, models.StateFailed)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed transitions to the terminal failed state with the error detail.
// Artifact fields are cleared so a failed row never carries them.
func (s *Store) MarkFailed(ctx context.Context, id, detail string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET state = $2, error_detail = $3, artifact_key = NULL, download_url = NULL, record_count = NULL, updated_at = NOW()
		WHERE job_id = $1 AND state NOT IN ($4, $5)
	`, id, models.StateFailed, detail, models.StateCompleted, models.StateFailed)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeExpired deletes job rows past their expiry. Stands in for the
// original table's background TTL deletion.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM export_jobs WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job         models.Job
		filtersJSON []byte
		requester   pgtype.Text
		artifactKey pgtype.Text
		downloadURL pgtype.Text
		recordCount pgtype.Int4
		errorDetail pgtype.Text
	)
	if err := row.Scan(&job.JobID, &job.Kind, &job.Format, &filtersJSON, &requester, &job.State,
		&artifactKey, &downloadURL, &recordCount, &errorDetail,
		&job.CreatedAt, &job.UpdatedAt, &job.ExpiresAt); err != nil {
		return models.Job{}, err
	}
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &job.Filters); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal filters: %w", err)
		}
	}
	job.Requester = textPtr(requester)
	job.ArtifactKey = textPtr(artifactKey)
	job.DownloadURL = textPtr(downloadURL)
	job.ErrorDetail = textPtr(errorDetail)
	if recordCount.Valid {
		n := int(recordCount.Int32)
		job.RecordCount = &n
	}
	return job, nil
}

// ScanUsers reads the users table applying the job's pass-through filters.
// Recognized keys: status, start_date, end_date; unknown keys are ignored.
func (s *Store) ScanUsers(ctx context.Context, filters map[string]string) ([]models.UserRecord, error) {
	query := `SELECT user_id, user_name, email, full_name, phone_number, account_status, created_at, updated_at FROM users`
	where, args := buildFilterClause(filters, map[string]string{
		"status":     "account_status = ",
		"start_date": "created_at >= ",
		"end_date":   "created_at <= ",
	})
	rows, err := s.pool.Query(ctx, query+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	defer rows.Close()

	var out []models.UserRecord
	for rows.Next() {
		var u models.UserRecord
		if err := rows.Scan(&u.UserID, &u.UserName, &u.Email, &u.FullName, &u.PhoneNumber, &u.AccountStatus, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ScanOrders reads the orders table applying the job's pass-through filters.
// Recognized keys: status, start_date, end_date, user_id.
func (s *Store) ScanOrders(ctx context.Context, filters map[string]string) ([]models.OrderRecord, error) {
	query := `SELECT order_id, user_id, status, total_amount, payment_method, created_at, updated_at FROM orders`
	where, args := buildFilterClause(filters, map[string]string{
		"status":     "status = ",
		"start_date": "created_at >= ",
		"end_date":   "created_at <= ",
		"user_id":    "user_id = ",
	})
	rows, err := s.pool.Query(ctx, query+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("scan orders: %w", err)
	}
	defer rows.Close()

	var out []models.OrderRecord
	for rows.Next() {
		var o models.OrderRecord
		if err := rows.Scan(&o.OrderID, &o.UserID, &o.Status, &o.TotalAmount, &o.PaymentMethod, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// buildFilterClause maps known filter keys onto SQL predicates. Date-valued
// filters arrive as ISO strings and compare against timestamptz columns.
func buildFilterClause(filters map[string]string, predicates map[string]string) (string, []any) {
	clause := ""
	var args []any
	// Stable key order keeps generated SQL deterministic for tests.
	for _, key := range []string{"status", "start_date", "end_date", "user_id"} {
		value, ok := filters[key]
		if !ok || value == "" {
			continue
		}
		predicate, known := predicates[key]
		if !known {
			continue
		}
		if clause == "" {
			clause = " WHERE "
		} else {
			clause += " AND "
		}
		args = append(args, value)
		placeholder := "$" + strconv.Itoa(len(args))
		if key == "start_date" || key == "end_date" {
			placeholder += "::timestamptz"
		}
		clause += predicate + placeholder
	}
	return clause, args
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
