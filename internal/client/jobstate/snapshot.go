package jobstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"generation-job-service/internal/client/kvstore"
	"generation-job-service/internal/entity"
)

const snapshotKey = "job:snapshot"

// Snapshot is the persisted mirror of the single in-flight job plus poller bookkeeping.
type Snapshot struct {
	RequestID      string                 `json:"requestId"`
	JobID          string                 `json:"jobId,omitempty"`
	UserID         string                 `json:"userId"`
	Category       entity.Category        `json:"category"`
	Input          entity.InputDescriptor `json:"input"`
	Status         entity.JobStatus       `json:"status"`
	Phase          string                 `json:"phase,omitempty"`
	Output         *string                `json:"output,omitempty"`
	Error          *string                `json:"error,omitempty"`
	StartedAt      time.Time              `json:"startedAt"`
	EstimatedTotal time.Duration          `json:"estimatedTotal"`
	NextPollAt     time.Time              `json:"nextPollAt"`
	Attempts       int                    `json:"attempts"`
}

func (s *Snapshot) clone() *Snapshot {
	cp := *s
	return &cp
}

func (s *Snapshot) elapsed(now time.Time) time.Duration {
	if now.Before(s.StartedAt) {
		return 0
	}
	return now.Sub(s.StartedAt)
}

func loadSnapshot(ctx context.Context, store Store) (*Snapshot, error) {
	raw, err := store.Get(ctx, snapshotKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode job snapshot: %w", err)
	}
	return &s, nil
}

func saveSnapshot(ctx context.Context, store Store, s *Snapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return store.Set(ctx, snapshotKey, raw)
}
