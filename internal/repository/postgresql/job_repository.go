package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"generation-job-service/internal/entity"
)

var (
	ErrNotFound  = entity.ErrNotFound
	ErrDuplicate = entity.ErrDuplicate
)

const uniqueViolation = "23505"

const jobColumns = `id, request_id, user_id, category, status, source_ref, instruction, output, error, created_at, updated_at, completed_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	const q = `
INSERT INTO jobs (id, request_id, user_id, category, status, source_ref, instruction)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at, updated_at;
`
	err := r.pool.QueryRow(ctx, q,
		job.ID,
		job.RequestID,
		job.UserID,
		string(job.Category),
		string(job.Status),
		job.Input.SourceRef,
		job.Input.Instruction,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	return scanJob(r.pool.QueryRow(ctx, q, id))
}

func (r *JobRepository) GetByRequestID(ctx context.Context, requestID string) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE request_id = $1;`
	return scanJob(r.pool.QueryRow(ctx, q, requestID))
}

// ApplyUpdate moves a job to upd.Status when the state machine allows it and stamps updated_at.
// An update carrying the current non-terminal status only refreshes updated_at.
// It returns the stored job and whether its status changed; updates that would regress a
// terminal job are ignored.
func (r *JobRepository) ApplyUpdate(ctx context.Context, id string, upd entity.JobUpdate) (*entity.Job, bool, error) {
	var (
		job     *entity.Job
		changed bool
	)

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		cur, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE;`, id))
		if err != nil {
			return err
		}

		switch {
		case cur.Status == upd.Status && !cur.Status.IsTerminal():
			const touch = `UPDATE jobs SET updated_at = now() WHERE id = $1 RETURNING ` + jobColumns + `;`
			job, err = scanJob(tx.QueryRow(ctx, touch, id))
			return err
		case !entity.CanTransition(cur.Status, upd.Status):
			job = cur
			return nil
		}

		const q = `
UPDATE jobs
SET status = $2,
    output = COALESCE($3, output),
    error = COALESCE($4, error),
    updated_at = now(),
    completed_at = CASE WHEN $5 THEN now() ELSE completed_at END
WHERE id = $1
RETURNING ` + jobColumns + `;
`
		job, err = scanJob(tx.QueryRow(ctx, q, id, string(upd.Status), upd.Output, upd.Error, upd.Status.IsTerminal()))
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, changed, nil
}

// ListStale returns ids of non-terminal jobs that have not been updated since olderThan ago.
func (r *JobRepository) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	const q = `
SELECT id
FROM jobs
WHERE status IN ('starting', 'processing')
  AND updated_at < $1
ORDER BY updated_at
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job        entity.Job
		category   string
		statusText string
	)

	if err := row.Scan(
		&job.ID,
		&job.RequestID,
		&job.UserID,
		&category,
		&statusText,
		&job.Input.SourceRef,
		&job.Input.Instruction,
		&job.Output, // NULL => nil
		&job.Error,  // NULL => nil
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	job.Category = entity.Category(category)
	job.Status = entity.JobStatus(statusText)
	return &job, nil
}
