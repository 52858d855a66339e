package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"generation-job-service/internal/entity"
)

// UsageLedger keeps per-user, per-category usage counters. Every mutation runs in one
// transaction holding the counter row lock, so concurrent requests for the same user serialize
// in the database rather than in this process.
type UsageLedger struct {
	pool   *pgxpool.Pool
	limits map[entity.Category]int
}

func NewUsageLedger(pool *pgxpool.Pool, limits map[entity.Category]int) *UsageLedger {
	return &UsageLedger{pool: pool, limits: limits}
}

func (l *UsageLedger) limitFor(category entity.Category) int {
	if n, ok := l.limits[category]; ok {
		return n
	}
	return 0
}

// CheckAndDebit increments the counter when it is below the limit. debitID is the dedupe
// token: a second call with the same id reports allowed without charging again.
func (l *UsageLedger) CheckAndDebit(ctx context.Context, userID string, category entity.Category, debitID string) (entity.DebitResult, error) {
	var res entity.DebitResult

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		const ensure = `
INSERT INTO usage_counters (user_id, category, used, usage_limit, period_start)
VALUES ($1, $2, 0, $3, date_trunc('month', now()))
ON CONFLICT (user_id, category) DO NOTHING;
`
		if _, err := tx.Exec(ctx, ensure, userID, string(category), l.limitFor(category)); err != nil {
			return err
		}

		const lock = `
SELECT used, usage_limit, period_start, date_trunc('month', now())
FROM usage_counters
WHERE user_id = $1 AND category = $2
FOR UPDATE;
`
		var (
			used, limit          int
			periodStart, current time.Time
		)
		if err := tx.QueryRow(ctx, lock, userID, string(category)).Scan(&used, &limit, &periodStart, &current); err != nil {
			return err
		}
		if periodStart.Before(current) {
			used = 0
			periodStart = current
		}

		var seen bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM usage_debits WHERE id = $1);`, debitID).Scan(&seen); err != nil {
			return err
		}

		switch {
		case seen:
			res = entity.DebitResult{Allowed: true, CurrentCount: used, Limit: limit}
		case used >= limit:
			res = entity.DebitResult{Allowed: false, CurrentCount: used, Limit: limit}
		default:
			const debit = `INSERT INTO usage_debits (id, user_id, category) VALUES ($1, $2, $3);`
			if _, err := tx.Exec(ctx, debit, debitID, userID, string(category)); err != nil {
				return err
			}
			used++
			res = entity.DebitResult{Allowed: true, CurrentCount: used, Limit: limit}
		}

		const save = `
UPDATE usage_counters
SET used = $3, period_start = $4, updated_at = now()
WHERE user_id = $1 AND category = $2;
`
		_, err := tx.Exec(ctx, save, userID, string(category), used, periodStart)
		return err
	})
	if err != nil {
		return entity.DebitResult{}, err
	}
	return res, nil
}

// CreditBack reverses the debit identified by debitID. It never drives a counter below zero
// and never credits the same debit twice. A debit whose job succeeded is refused unless it
// is abandoned: the client stopped waiting for the job, so a late success never reached
// the user.
func (l *UsageLedger) CreditBack(ctx context.Context, debitID string, abandoned bool) (entity.CreditOutcome, error) {
	var outcome entity.CreditOutcome

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		const lock = `
SELECT user_id, category, debited_at, credited_at
FROM usage_debits
WHERE id = $1
FOR UPDATE;
`
		var (
			userID, category string
			debitedAt        time.Time
			creditedAt       *time.Time
		)
		err := tx.QueryRow(ctx, lock, debitID).Scan(&userID, &category, &debitedAt, &creditedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			outcome = entity.CreditUnknownDebit
			return nil
		}
		if err != nil {
			return err
		}
		if creditedAt != nil {
			outcome = entity.CreditAlreadyApplied
			return nil
		}

		if !abandoned {
			var status string
			err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE request_id = $1;`, debitID).Scan(&status)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if entity.JobStatus(status) == entity.StatusSucceeded {
				outcome = entity.CreditJobSucceeded
				return nil
			}
		}

		if _, err := tx.Exec(ctx, `UPDATE usage_debits SET credited_at = now() WHERE id = $1;`, debitID); err != nil {
			return err
		}

		// A debit from an earlier period was already cleared by the period rollover.
		const credit = `
UPDATE usage_counters
SET used = GREATEST(used - 1, 0), updated_at = now()
WHERE user_id = $1 AND category = $2 AND period_start <= $3;
`
		if _, err := tx.Exec(ctx, credit, userID, category, debitedAt); err != nil {
			return err
		}
		outcome = entity.CreditApplied
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (l *UsageLedger) Get(ctx context.Context, userID string, category entity.Category) (*entity.UsageCounter, error) {
	const q = `
SELECT used, usage_limit, period_start, date_trunc('month', now())
FROM usage_counters
WHERE user_id = $1 AND category = $2;
`
	c := entity.UsageCounter{UserID: userID, Category: category}
	var current time.Time
	err := l.pool.QueryRow(ctx, q, userID, string(category)).Scan(&c.Used, &c.Limit, &c.PeriodStart, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		c.Limit = l.limitFor(category)
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if c.PeriodStart.Before(current) {
		c.Used = 0
		c.PeriodStart = current
	}
	return &c, nil
}
