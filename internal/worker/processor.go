package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"generation-job-service/internal/entity"
)

type JobRepo interface {
	GetByID(ctx context.Context, id string) (*entity.Job, error)
}

// Reconciler re-queries the provider for a job (implementation: service.JobService).
type Reconciler interface {
	Reconcile(ctx context.Context, jobID, source string) (*entity.Job, error)
}

type Processor struct {
	repo       JobRepo
	reconciler Reconciler
}

func NewProcessor(repo JobRepo, reconciler Reconciler) *Processor {
	return &Processor{repo: repo, reconciler: reconciler}
}

// Process reconciles one queued job. Jobs that are gone or already terminal are skipped.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	start := time.Now()

	job, err := p.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			log.Printf("[reconciler] job_id=%s skipped: not found", jobID)
			return nil
		}
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	updated, err := p.reconciler.Reconcile(ctx, jobID, "worker")
	if err != nil {
		return err
	}

	log.Printf("[reconciler] job_id=%s status=%s->%s duration_ms=%d",
		jobID, job.Status, updated.Status, time.Since(start).Milliseconds(),
	)
	return nil
}
