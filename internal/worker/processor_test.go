package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"generation-job-service/internal/entity"
)

type fakeRepo struct {
	jobs map[string]*entity.Job
}

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*entity.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return j, nil
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *fakeReconciler) Reconcile(ctx context.Context, jobID, source string) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, jobID)
	if r.err != nil {
		return nil, r.err
	}
	return &entity.Job{ID: jobID, Status: entity.StatusSucceeded}, nil
}

func (r *fakeReconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestProcessor_SkipsMissingAndTerminal(t *testing.T) {
	repo := &fakeRepo{jobs: map[string]*entity.Job{
		"done": {ID: "done", Status: entity.StatusFailed},
		"live": {ID: "live", Status: entity.StatusProcessing},
	}}
	rec := &fakeReconciler{}
	p := NewProcessor(repo, rec)

	for _, id := range []string{"missing", "done", "live"} {
		if err := p.Process(context.Background(), id); err != nil {
			t.Fatalf("process %s: %v", id, err)
		}
	}
	if len(rec.calls) != 1 || rec.calls[0] != "live" {
		t.Fatalf("expected only live reconciled, got %v", rec.calls)
	}
}

func TestProcessor_PropagatesReconcileError(t *testing.T) {
	repo := &fakeRepo{jobs: map[string]*entity.Job{"live": {ID: "live", Status: entity.StatusStarting}}}
	rec := &fakeReconciler{err: errors.New("provider timeout")}

	if err := NewProcessor(repo, rec).Process(context.Background(), "live"); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

type fakeQueue struct {
	mu    sync.Mutex
	ids   chan string
	acked []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string, priority int) error {
	q.ids <- jobID
	return nil
}

func (q *fakeQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case id := <-q.ids:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		return "", errors.New("timeout")
	}
}

func (q *fakeQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *fakeQueue) RequeueStale(ctx context.Context, maxPerLane int64) (int64, error) {
	return 0, nil
}

func (q *fakeQueue) ackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	repo := &fakeRepo{jobs: map[string]*entity.Job{
		"a": {ID: "a", Status: entity.StatusProcessing},
		"b": {ID: "b", Status: entity.StatusStarting},
	}}
	rec := &fakeReconciler{err: errors.New("provider down")}
	q := &fakeQueue{ids: make(chan string, 4)}

	pool := NewPool(q, NewProcessor(repo, rec), 2)
	pool.claimDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	_ = q.Enqueue(ctx, "a", 1)
	_ = q.Enqueue(ctx, "b", 1)

	deadline := time.Now().Add(2 * time.Second)
	for q.ackedCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 acks, got %d", q.ackedCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop")
	}
	if rec.count() != 2 {
		t.Fatalf("expected 2 reconciles, got %d", rec.count())
	}
}
