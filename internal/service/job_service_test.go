package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"generation-job-service/internal/entity"
	"generation-job-service/internal/provider"
	"generation-job-service/internal/service"
)

type fakeRepo struct {
	mu        sync.Mutex
	jobs      map[string]*entity.Job
	createErr error
	stale     []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[string]*entity.Job{}}
}

func (r *fakeRepo) Create(ctx context.Context, job *entity.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createErr != nil {
		return r.createErr
	}
	for _, j := range r.jobs {
		if j.RequestID == job.RequestID {
			return entity.ErrDuplicate
		}
	}
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *fakeRepo) GetByRequestID(ctx context.Context, requestID string) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, j := range r.jobs {
		if j.RequestID == requestID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, entity.ErrNotFound
}

func (r *fakeRepo) ApplyUpdate(ctx context.Context, id string, upd entity.JobUpdate) (*entity.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, false, entity.ErrNotFound
	}
	if j.Status == upd.Status && !j.Status.IsTerminal() {
		j.UpdatedAt = time.Now()
		cp := *j
		return &cp, false, nil
	}
	if !entity.CanTransition(j.Status, upd.Status) {
		cp := *j
		return &cp, false, nil
	}
	j.Status = upd.Status
	if upd.Output != nil {
		j.Output = upd.Output
	}
	if upd.Error != nil {
		j.Error = upd.Error
	}
	j.UpdatedAt = time.Now()
	cp := *j
	return &cp, true, nil
}

func (r *fakeRepo) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	return r.stale, nil
}

func (r *fakeRepo) backdate(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id].UpdatedAt = time.Now().Add(-d)
}

type fakeLedger struct {
	mu       sync.Mutex
	limit    int
	used     int
	debits   map[string]bool // id -> credited
	credits  []string
	debitErr error
	jobs     *fakeRepo
}

func newFakeLedger(limit int) *fakeLedger {
	return &fakeLedger{limit: limit, debits: map[string]bool{}}
}

func (l *fakeLedger) CheckAndDebit(ctx context.Context, userID string, category entity.Category, debitID string) (entity.DebitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.debitErr != nil {
		return entity.DebitResult{}, l.debitErr
	}
	if _, ok := l.debits[debitID]; ok {
		return entity.DebitResult{Allowed: true, CurrentCount: l.used, Limit: l.limit}, nil
	}
	if l.used >= l.limit {
		return entity.DebitResult{Allowed: false, CurrentCount: l.used, Limit: l.limit}, nil
	}
	l.used++
	l.debits[debitID] = false
	return entity.DebitResult{Allowed: true, CurrentCount: l.used, Limit: l.limit}, nil
}

func (l *fakeLedger) CreditBack(ctx context.Context, debitID string, abandoned bool) (entity.CreditOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.credits = append(l.credits, debitID)
	credited, ok := l.debits[debitID]
	switch {
	case !ok:
		return entity.CreditUnknownDebit, nil
	case credited:
		return entity.CreditAlreadyApplied, nil
	}
	if !abandoned && l.jobs != nil {
		if job, err := l.jobs.GetByRequestID(ctx, debitID); err == nil && job.Status == entity.StatusSucceeded {
			return entity.CreditJobSucceeded, nil
		}
	}
	l.debits[debitID] = true
	if l.used > 0 {
		l.used--
	}
	return entity.CreditApplied, nil
}

func (l *fakeLedger) Get(ctx context.Context, userID string, category entity.Category) (*entity.UsageCounter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &entity.UsageCounter{UserID: userID, Category: category, Used: l.used, Limit: l.limit}, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	nextID    string
	submitErr error
	fetch     provider.Prediction
	fetchErr  error
	fetchWait time.Duration
	submits   int
	fetches   int
	canceled  []string
}

func (p *fakeProvider) Submit(ctx context.Context, category entity.Category, input entity.InputDescriptor, webhookURL string) (provider.Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.submits++
	if p.submitErr != nil {
		return provider.Prediction{}, p.submitErr
	}
	id := p.nextID
	if id == "" {
		id = "pred-" + uuid.NewString()
	}
	return provider.Prediction{ID: id, Status: entity.StatusStarting}, nil
}

func (p *fakeProvider) Fetch(ctx context.Context, id string) (provider.Prediction, error) {
	p.mu.Lock()
	p.fetches++
	wait, pred, err := p.fetchWait, p.fetch, p.fetchErr
	p.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return provider.Prediction{}, ctx.Err()
		}
	}
	pred.ID = id
	return pred, err
}

func (p *fakeProvider) Cancel(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, id)
	return nil
}

type fakeQueue struct {
	mu                 sync.Mutex
	enqueuedIDs        []string
	enqueuedPriorities []int
	enqueueErr         error
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueuedIDs = append(q.enqueuedIDs, jobID)
	q.enqueuedPriorities = append(q.enqueuedPriorities, priority)
	return q.enqueueErr
}

type fixture struct {
	repo   *fakeRepo
	ledger *fakeLedger
	prov   *fakeProvider
	queue  *fakeQueue
	svc    *service.JobService
}

func newFixture(limit int) *fixture {
	f := &fixture{
		repo:   newFakeRepo(),
		ledger: newFakeLedger(limit),
		prov:   &fakeProvider{},
		queue:  &fakeQueue{},
	}
	f.ledger.jobs = f.repo
	f.svc = service.NewJobService(f.repo, f.ledger, f.prov, f.queue, service.Options{
		WebhookURL:       "https://api.example/webhooks/provider",
		StaleAfter:       30 * time.Second,
		ReconcileTimeout: 50 * time.Millisecond,
	})
	return f
}

func submitReq() service.SubmitRequest {
	return service.SubmitRequest{
		RequestID: uuid.NewString(),
		UserID:    "user-1",
		Category:  entity.CategoryPhotoEdit,
		Input:     entity.InputDescriptor{SourceRef: "s3://in/cat.png", Instruction: "make it watercolor"},
	}
}

func TestJobService_Submit_DebitsAndCreatesRecord(t *testing.T) {
	f := newFixture(3)
	f.prov.nextID = "pred-1"

	res, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Job.ID != "pred-1" || res.Job.Status != entity.StatusStarting {
		t.Fatalf("unexpected job %+v", res.Job)
	}
	if res.EstimatedTime != entity.CategoryPhotoEdit.EstimatedDuration() {
		t.Fatalf("unexpected estimated time %s", res.EstimatedTime)
	}
	if f.ledger.used != 1 {
		t.Fatalf("expected used=1, got %d", f.ledger.used)
	}
}

func TestJobService_Submit_RetryIsIdempotent(t *testing.T) {
	f := newFixture(3)
	req := submitReq()

	first, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}

	if first.Job.ID != second.Job.ID {
		t.Fatalf("expected same job id, got %s and %s", first.Job.ID, second.Job.ID)
	}
	if f.ledger.used != 1 || f.prov.submits != 1 {
		t.Fatalf("expected one debit and one provider submit, got used=%d submits=%d", f.ledger.used, f.prov.submits)
	}
}

func TestJobService_Submit_LimitExceeded(t *testing.T) {
	f := newFixture(0)

	_, err := f.svc.Submit(context.Background(), submitReq())
	if !errors.Is(err, entity.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if f.prov.submits != 0 {
		t.Fatalf("provider must not be called when the debit is denied, got %d submits", f.prov.submits)
	}
}

func TestJobService_Submit_ProviderFailureCreditsBack(t *testing.T) {
	f := newFixture(3)
	f.prov.submitErr = errors.New("502 bad gateway")
	req := submitReq()

	_, err := f.svc.Submit(context.Background(), req)
	if !errors.Is(err, entity.ErrServerError) {
		t.Fatalf("expected ErrServerError, got %v", err)
	}
	if f.ledger.used != 0 {
		t.Fatalf("expected debit credited back, used=%d", f.ledger.used)
	}

	// the client's own rollback afterwards is a harmless no-op
	out, err := f.svc.CreditBack(context.Background(), req.RequestID, "failed")
	if err != nil || out != entity.CreditAlreadyApplied {
		t.Fatalf("expected already_credited, got %s err=%v", out, err)
	}
}

func TestJobService_Submit_CreateFailureCancelsProviderJob(t *testing.T) {
	f := newFixture(3)
	f.prov.nextID = "pred-orphan"
	f.repo.createErr = errors.New("connection reset")

	_, err := f.svc.Submit(context.Background(), submitReq())
	if !errors.Is(err, entity.ErrServerError) {
		t.Fatalf("expected ErrServerError, got %v", err)
	}
	if len(f.prov.canceled) != 1 || f.prov.canceled[0] != "pred-orphan" {
		t.Fatalf("expected orphan provider job canceled, got %#v", f.prov.canceled)
	}
	if f.ledger.used != 0 {
		t.Fatalf("expected debit credited back, used=%d", f.ledger.used)
	}
}

func TestJobService_Submit_InvalidInput(t *testing.T) {
	f := newFixture(3)
	req := submitReq()
	req.RequestID = "not-a-uuid"

	if _, err := f.svc.Submit(context.Background(), req); !errors.Is(err, entity.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	req = submitReq()
	req.Category = "audio"
	if _, err := f.svc.Submit(context.Background(), req); !errors.Is(err, entity.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestJobService_Status_FreshRecordSkipsProvider(t *testing.T) {
	f := newFixture(3)
	res, _ := f.svc.Submit(context.Background(), submitReq())

	job, err := f.svc.Status(context.Background(), res.Job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if job.Status != entity.StatusStarting || f.prov.fetches != 0 {
		t.Fatalf("expected stored record without provider call, got %s fetches=%d", job.Status, f.prov.fetches)
	}
}

func TestJobService_Status_StaleRecordReconciles(t *testing.T) {
	f := newFixture(3)
	res, _ := f.svc.Submit(context.Background(), submitReq())
	f.repo.backdate(res.Job.ID, time.Minute)

	out := "https://cdn.example/out.png"
	f.prov.fetch = provider.Prediction{Status: entity.StatusSucceeded, Output: &out}

	job, err := f.svc.Status(context.Background(), res.Job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if job.Status != entity.StatusSucceeded || job.Output == nil || *job.Output != out {
		t.Fatalf("expected reconciled success, got %+v", job)
	}
}

func TestJobService_Status_SlowProviderIsBoundedAndQueued(t *testing.T) {
	f := newFixture(3)
	res, _ := f.svc.Submit(context.Background(), submitReq())
	f.repo.backdate(res.Job.ID, time.Minute)
	f.prov.fetchWait = time.Second

	start := time.Now()
	job, err := f.svc.Status(context.Background(), res.Job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("reconcile was not bounded, took %s", time.Since(start))
	}
	if job.Status != entity.StatusStarting {
		t.Fatalf("expected stored status, got %s", job.Status)
	}
	if len(f.queue.enqueuedIDs) != 1 || f.queue.enqueuedPriorities[0] != service.PriorityHigh {
		t.Fatalf("expected high-priority reconcile enqueue, got %#v %#v", f.queue.enqueuedIDs, f.queue.enqueuedPriorities)
	}
}

func TestJobService_Webhook_RepeatedTerminalIsNoop(t *testing.T) {
	f := newFixture(3)
	res, _ := f.svc.Submit(context.Background(), submitReq())
	ctx := context.Background()

	msg := "safety filter"
	failed := provider.Prediction{ID: res.Job.ID, Status: entity.StatusFailed, Error: &msg}
	job, err := f.svc.HandleWebhook(ctx, failed)
	if err != nil || job.Status != entity.StatusFailed {
		t.Fatalf("expected failed, got %+v err=%v", job, err)
	}

	out := "https://cdn.example/late.png"
	late := provider.Prediction{ID: res.Job.ID, Status: entity.StatusSucceeded, Output: &out}
	job, err = f.svc.HandleWebhook(ctx, late)
	if err != nil || job.Status != entity.StatusFailed {
		t.Fatalf("terminal record must not change, got %+v err=%v", job, err)
	}
	if f.ledger.used != 1 || len(f.ledger.credits) != 0 {
		t.Fatalf("webhooks must not touch the ledger, used=%d credits=%v", f.ledger.used, f.ledger.credits)
	}
}

func TestJobService_CreditBack_ExpiredJobThatLaterSucceeded(t *testing.T) {
	f := newFixture(3)
	ctx := context.Background()
	req := submitReq()
	res, err := f.svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// the client gave up at its deadline, then the provider finished
	out := "https://cdn.example/late.png"
	late := provider.Prediction{ID: res.Job.ID, Status: entity.StatusSucceeded, Output: &out}
	if job, err := f.svc.HandleWebhook(ctx, late); err != nil || job.Status != entity.StatusSucceeded {
		t.Fatalf("expected succeeded, got %+v err=%v", job, err)
	}

	got, err := f.svc.CreditBack(ctx, req.RequestID, "failed")
	if err != nil || got != entity.CreditJobSucceeded {
		t.Fatalf("expected job_succeeded for a non-expired reason, got %s err=%v", got, err)
	}
	if f.ledger.used != 1 {
		t.Fatalf("refused credit must keep the debit, used=%d", f.ledger.used)
	}

	got, err = f.svc.CreditBack(ctx, req.RequestID, string(entity.StatusExpired))
	if err != nil || got != entity.CreditApplied {
		t.Fatalf("expected credited for an expired job, got %s err=%v", got, err)
	}
	if f.ledger.used != 0 {
		t.Fatalf("expected debit credited back, used=%d", f.ledger.used)
	}

	got, _ = f.svc.CreditBack(ctx, req.RequestID, string(entity.StatusExpired))
	if got != entity.CreditAlreadyApplied {
		t.Fatalf("expected already_credited on retry, got %s", got)
	}
}

func TestJobService_Cancel(t *testing.T) {
	f := newFixture(3)
	res, _ := f.svc.Submit(context.Background(), submitReq())

	job, err := f.svc.Cancel(context.Background(), res.Job.ID)
	if err != nil || job.Status != entity.StatusCanceled {
		t.Fatalf("expected canceled, got %+v err=%v", job, err)
	}
	if len(f.prov.canceled) != 1 {
		t.Fatalf("expected provider cancel, got %#v", f.prov.canceled)
	}

	if _, err := f.svc.Cancel(context.Background(), "missing"); !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobService_SweepStale(t *testing.T) {
	f := newFixture(3)
	f.repo.stale = []string{"a", "b"}

	n, err := f.svc.SweepStale(context.Background(), 10)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 enqueued, got %d err=%v", n, err)
	}
	if f.queue.enqueuedPriorities[0] != service.PriorityNormal {
		t.Fatalf("expected normal priority, got %d", f.queue.enqueuedPriorities[0])
	}
}
