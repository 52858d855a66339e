package entity

import (
	"time"
)

type Category string

const (
	CategoryPhotoEdit       Category = "photo_edit"
	CategoryVideoGeneration Category = "video_generation"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryPhotoEdit, CategoryVideoGeneration:
		return true
	}
	return false
}

// EstimatedDuration is the typical wall time of one job in the category.
func (c Category) EstimatedDuration() time.Duration {
	switch c {
	case CategoryVideoGeneration:
		return 3 * time.Minute
	default:
		return 30 * time.Second
	}
}

// UsageCounter is the metered usage of one user in one category for the current period.
type UsageCounter struct {
	UserID      string    `json:"user_id"`
	Category    Category  `json:"category"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	PeriodStart time.Time `json:"period_start"`
}

type DebitResult struct {
	Allowed      bool `json:"allowed"`
	CurrentCount int  `json:"currentCount"`
	Limit        int  `json:"limit"`
}

type CreditOutcome string

const (
	CreditApplied        CreditOutcome = "credited"
	CreditAlreadyApplied CreditOutcome = "already_credited"
	CreditJobSucceeded   CreditOutcome = "job_succeeded"
	CreditUnknownDebit   CreditOutcome = "unknown_debit"
)

// Settled reports whether the outcome closes a pending rollback.
func (o CreditOutcome) Settled() bool {
	switch o {
	case CreditApplied, CreditAlreadyApplied, CreditJobSucceeded, CreditUnknownDebit:
		return true
	}
	return false
}
