package entity

import (
	"time"
)

type JobStatus string

const (
	StatusIdle       JobStatus = "idle"
	StatusStarting   JobStatus = "starting"
	StatusProcessing JobStatus = "processing"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusCanceled   JobStatus = "canceled"
	StatusExpired    JobStatus = "expired"
)

// rank orders the non-terminal statuses; every terminal status shares the top rank.
var rank = map[JobStatus]int{
	StatusIdle:       0,
	StatusStarting:   1,
	StatusProcessing: 2,
	StatusSucceeded:  3,
	StatusFailed:     3,
	StatusCanceled:   3,
	StatusExpired:    3,
}

func (s JobStatus) Valid() bool {
	_, ok := rank[s]
	return ok
}

func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// NeedsRollback reports whether a debit taken for a job ending in s must be credited back.
func (s JobStatus) NeedsRollback() bool {
	switch s {
	case StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from one status to another.
// Statuses only move forward; nothing leaves a terminal status.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	return rank[to] > rank[from]
}

type InputDescriptor struct {
	SourceRef   string `json:"sourceRef"`
	Instruction string `json:"instruction"`
}

type Job struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"request_id"`
	UserID      string          `json:"user_id"`
	Category    Category        `json:"category"`
	Status      JobStatus       `json:"status"`
	Input       InputDescriptor `json:"input"`
	Output      *string         `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// JobUpdate is a status observation coming from the provider, either pushed or pulled.
type JobUpdate struct {
	Status JobStatus
	Output *string
	Error  *string
}

type Progress struct {
	ElapsedSeconds int    `json:"elapsedSeconds"`
	Phase          string `json:"phase"`
}

// Progress derives the elapsed time and a coarse phase hint for UI binding.
func (j *Job) Progress(now time.Time) Progress {
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	elapsed := end.Sub(j.CreatedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return Progress{
		ElapsedSeconds: int(elapsed / time.Second),
		Phase:          PhaseFor(j.Status, elapsed, j.Category.EstimatedDuration()),
	}
}

// PhaseFor maps a status and elapsed time onto the phase shown while a job runs.
func PhaseFor(status JobStatus, elapsed, estimate time.Duration) string {
	switch status {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "uploading"
	case StatusProcessing:
		if estimate <= 0 {
			estimate = time.Minute
		}
		switch {
		case elapsed < estimate/4:
			return "analyzing"
		case elapsed < estimate:
			return "generating"
		default:
			return "finalizing"
		}
	default:
		return string(status)
	}
}
