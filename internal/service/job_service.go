package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"generation-job-service/internal/entity"
	"generation-job-service/internal/metrics"
	"generation-job-service/internal/provider"
)

// Порт репозитория (реализация: postgresql.JobRepository)
type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	GetByID(ctx context.Context, id string) (*entity.Job, error)
	GetByRequestID(ctx context.Context, requestID string) (*entity.Job, error)
	ApplyUpdate(ctx context.Context, id string, upd entity.JobUpdate) (*entity.Job, bool, error)
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
}

// Порт учёта использования (реализация: postgresql.UsageLedger)
type UsageLedger interface {
	CheckAndDebit(ctx context.Context, userID string, category entity.Category, debitID string) (entity.DebitResult, error)
	CreditBack(ctx context.Context, debitID string, abandoned bool) (entity.CreditOutcome, error)
	Get(ctx context.Context, userID string, category entity.Category) (*entity.UsageCounter, error)
}

// ComputeProvider is the remote compute adapter (implementation: provider.Client).
type ComputeProvider interface {
	Submit(ctx context.Context, category entity.Category, input entity.InputDescriptor, webhookURL string) (provider.Prediction, error)
	Fetch(ctx context.Context, id string) (provider.Prediction, error)
	Cancel(ctx context.Context, id string) error
}

// Маленький порт очереди только для добавления задач в очередь.
// (Не называем Queue, чтобы не конфликтовать с queue_service.go)
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, priority int) error
}

type Options struct {
	WebhookURL       string
	StaleAfter       time.Duration
	ReconcileTimeout time.Duration
	SubmitTimeout    time.Duration
}

type JobService struct {
	repo     JobRepository
	ledger   UsageLedger
	provider ComputeProvider
	queue    JobQueue
	opts     Options
	now      func() time.Time
}

func NewJobService(repo JobRepository, ledger UsageLedger, provider ComputeProvider, queue JobQueue, opts Options) *JobService {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.ReconcileTimeout <= 0 {
		opts.ReconcileTimeout = 5 * time.Second
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 15 * time.Second
	}
	return &JobService{
		repo:     repo,
		ledger:   ledger,
		provider: provider,
		queue:    queue,
		opts:     opts,
		now:      time.Now,
	}
}

type SubmitRequest struct {
	RequestID string
	UserID    string
	Category  entity.Category
	Input     entity.InputDescriptor
}

type SubmitResult struct {
	Job           *entity.Job
	EstimatedTime time.Duration
}

func (r SubmitRequest) validate() error {
	if _, err := uuid.Parse(r.RequestID); err != nil {
		return fmt.Errorf("%w: requestId must be a uuid", entity.ErrInvalidInput)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: userId is required", entity.ErrInvalidInput)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", entity.ErrInvalidInput, r.Category)
	}
	if r.Input.SourceRef == "" {
		return fmt.Errorf("%w: input.sourceRef is required", entity.ErrInvalidInput)
	}
	return nil
}

// Submit debits the user's usage counter and forwards the job to the compute provider.
// The request id is the idempotency key: a retried submission returns the job already
// accepted for it and is never charged twice.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if existing, err := s.repo.GetByRequestID(ctx, req.RequestID); err == nil {
		return s.result(existing), nil
	} else if !errors.Is(err, entity.ErrNotFound) {
		return nil, fmt.Errorf("%w: lookup request: %v", entity.ErrServerError, err)
	}

	debit, err := s.ledger.CheckAndDebit(ctx, req.UserID, req.Category, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("%w: debit: %v", entity.ErrServerError, err)
	}
	metrics.RecordDebit(string(req.Category), debit.Allowed)
	if !debit.Allowed {
		log.Printf("[jobs] request_id=%s user_id=%s category=%s limit_exceeded used=%d limit=%d",
			req.RequestID, req.UserID, req.Category, debit.CurrentCount, debit.Limit)
		return nil, entity.ErrLimitExceeded
	}

	subCtx, cancel := context.WithTimeout(ctx, s.opts.SubmitTimeout)
	pred, err := s.provider.Submit(subCtx, req.Category, req.Input, s.opts.WebhookURL)
	cancel()
	if err != nil {
		log.Printf("[jobs] request_id=%s provider_submit error=%v", req.RequestID, err)
		s.creditAfterFailedSubmit(ctx, req.RequestID)
		return nil, fmt.Errorf("%w: provider submit: %v", entity.ErrServerError, err)
	}

	status := pred.Status
	if status.IsTerminal() || !status.Valid() {
		status = entity.StatusStarting
	}
	job := &entity.Job{
		ID:        pred.ID,
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Category:  req.Category,
		Status:    status,
		Input:     req.Input,
	}

	if err := s.repo.Create(ctx, job); err != nil {
		// The provider job exists but has no record; it must not run unaccounted.
		s.cancelProvider(ctx, pred.ID)

		if errors.Is(err, entity.ErrDuplicate) {
			// A concurrent retry of the same request won; it owns the debit.
			winner, gerr := s.repo.GetByRequestID(ctx, req.RequestID)
			if gerr != nil {
				return nil, fmt.Errorf("%w: lookup request: %v", entity.ErrServerError, gerr)
			}
			return s.result(winner), nil
		}

		s.creditAfterFailedSubmit(ctx, req.RequestID)
		return nil, fmt.Errorf("%w: create job: %v", entity.ErrServerError, err)
	}

	// A terminal status reported at submit time is applied through the regular path.
	if pred.Status.IsTerminal() {
		if updated, _, err := s.repo.ApplyUpdate(ctx, job.ID, pred.Update()); err == nil {
			job = updated
		}
	}

	log.Printf("[jobs] job_id=%s request_id=%s user_id=%s category=%s status=%s submitted",
		job.ID, job.RequestID, job.UserID, job.Category, job.Status)
	return s.result(job), nil
}

func (s *JobService) result(job *entity.Job) *SubmitResult {
	return &SubmitResult{Job: job, EstimatedTime: job.Category.EstimatedDuration()}
}

func (s *JobService) creditAfterFailedSubmit(ctx context.Context, debitID string) {
	outcome, err := s.ledger.CreditBack(context.WithoutCancel(ctx), debitID, false)
	if err != nil {
		// The client holds a pending rollback for this request and will retry the credit.
		log.Printf("[jobs] request_id=%s self_credit error=%v", debitID, err)
		return
	}
	metrics.RecordCredit(string(outcome))
	log.Printf("[jobs] request_id=%s self_credit outcome=%s", debitID, outcome)
}

func (s *JobService) cancelProvider(ctx context.Context, id string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ReconcileTimeout)
	defer cancel()
	if err := s.provider.Cancel(cctx, id); err != nil {
		log.Printf("[jobs] job_id=%s provider_cancel error=%v", id, err)
	}
}

// Status returns the job record, reconciling it against the provider first when the record
// is non-terminal and has not been updated for longer than the staleness window.
func (s *JobService) Status(ctx context.Context, jobID string) (*entity.Job, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.reconcileIfStale(ctx, job), nil
}

func (s *JobService) StatusByRequest(ctx context.Context, requestID string) (*entity.Job, error) {
	job, err := s.repo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.reconcileIfStale(ctx, job), nil
}

func (s *JobService) reconcileIfStale(ctx context.Context, job *entity.Job) *entity.Job {
	if job.Status.IsTerminal() || s.now().Sub(job.UpdatedAt) <= s.opts.StaleAfter {
		return job
	}

	updated, err := s.Reconcile(ctx, job.ID, "status")
	if err != nil {
		log.Printf("[jobs] job_id=%s reconcile error=%v, deferring to queue", job.ID, err)
		if qerr := s.queue.Enqueue(ctx, job.ID, PriorityHigh); qerr != nil {
			log.Printf("[jobs] job_id=%s enqueue error=%v", job.ID, qerr)
		} else {
			metrics.RecordEnqueued()
		}
		return job
	}
	return updated
}

// Reconcile re-queries the provider for one job, bounded by the reconcile timeout, and
// applies the result to the job record.
func (s *JobService) Reconcile(ctx context.Context, jobID, source string) (*entity.Job, error) {
	rctx, cancel := context.WithTimeout(ctx, s.opts.ReconcileTimeout)
	defer cancel()

	pred, err := s.provider.Fetch(rctx, jobID)
	if err != nil {
		metrics.RecordReconcile(source, "error")
		return nil, err
	}
	return s.apply(ctx, jobID, pred.Update(), source)
}

func (s *JobService) apply(ctx context.Context, jobID string, upd entity.JobUpdate, source string) (*entity.Job, error) {
	job, changed, err := s.repo.ApplyUpdate(ctx, jobID, upd)
	if err != nil {
		metrics.RecordReconcile(source, "error")
		return nil, err
	}
	if changed {
		metrics.RecordReconcile(source, "changed")
		log.Printf("[jobs] job_id=%s source=%s status=%s", job.ID, source, job.Status)
	} else {
		metrics.RecordReconcile(source, "unchanged")
	}
	return job, nil
}

// SweepStale enqueues non-terminal jobs whose records went stale, so that jobs nobody is
// polling still converge when their callback was lost.
func (s *JobService) SweepStale(ctx context.Context, limit int) (int, error) {
	ids, err := s.repo.ListStale(ctx, s.opts.StaleAfter, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id, PriorityNormal); err != nil {
			return n, err
		}
		metrics.RecordEnqueued()
		n++
	}
	return n, nil
}

// HandleWebhook applies a provider callback. Repeated callbacks for an already recorded
// terminal status change nothing, and callbacks never touch the usage ledger.
func (s *JobService) HandleWebhook(ctx context.Context, pred provider.Prediction) (*entity.Job, error) {
	return s.apply(ctx, pred.ID, pred.Update(), "webhook")
}

// Cancel asks the provider to stop the job (best effort) and records the cancellation.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*entity.Job, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	s.cancelProvider(ctx, jobID)
	return s.apply(ctx, jobID, entity.JobUpdate{Status: entity.StatusCanceled}, "cancel")
}

// CreditBack reverses a debit. reason is the terminal status the client saw; a debit of a
// job the client let expire is credited even when the job finished afterwards.
func (s *JobService) CreditBack(ctx context.Context, debitID, reason string) (entity.CreditOutcome, error) {
	if debitID == "" {
		return "", fmt.Errorf("%w: debitId is required", entity.ErrInvalidInput)
	}
	abandoned := entity.JobStatus(reason) == entity.StatusExpired
	outcome, err := s.ledger.CreditBack(ctx, debitID, abandoned)
	if err != nil {
		return "", err
	}
	metrics.RecordCredit(string(outcome))
	log.Printf("[usage] debit_id=%s reason=%s credit outcome=%s", debitID, reason, outcome)
	return outcome, nil
}

func (s *JobService) Usage(ctx context.Context, userID string, category entity.Category) (*entity.UsageCounter, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", entity.ErrInvalidInput, category)
	}
	return s.ledger.Get(ctx, userID, category)
}
