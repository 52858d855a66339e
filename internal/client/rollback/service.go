// Package rollback credits back usage debits of jobs that did not succeed. A pending record
// is written before a job is submitted and stays until the server confirms the credit.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"generation-job-service/internal/client/connectivity"
	"generation-job-service/internal/client/kvstore"
	"generation-job-service/internal/entity"
)

const keyPrefix = "rollback:"

// Store is the durable key-value store (implementation: kvstore.Store).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Crediter reverses a debit on the server (implementation: apiclient.Client).
type Crediter interface {
	CreditBack(ctx context.Context, debitID, reason string) (entity.CreditOutcome, error)
}

// Record is one pending credit-back. ID is the debit id, which is the job's request id.
type Record struct {
	ID            string          `json:"id"`
	JobID         string          `json:"jobId,omitempty"`
	UserID        string          `json:"userId"`
	Category      entity.Category `json:"category"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
}

// Result summarizes one processing pass.
type Result struct {
	Skipped   bool // another pass was already running
	Attempted int
	Credited  int
	Discarded int
	Failed    int
	Remaining int
}

type Metrics struct {
	Attempts  int64
	Successes int64
	Failures  int64
	Discarded int64
}

type Service struct {
	store  Store
	api    Crediter
	gate   *connectivity.Gate
	logger *log.Logger

	// mu serializes read-modify-write of individual records.
	mu       sync.Mutex
	running  atomic.Bool
	inFlight atomic.Pointer[func(debitID string) bool]

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	discarded atomic.Int64

	now func() time.Time
}

func NewService(store Store, api Crediter, gate *connectivity.Gate, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:  store,
		api:    api,
		gate:   gate,
		logger: logger,
		now:    time.Now,
	}
}

// SetInFlight installs the check that keeps records of still running jobs out of processing.
func (s *Service) SetInFlight(fn func(debitID string) bool) {
	s.inFlight.Store(&fn)
}

func (s *Service) isInFlight(id string) bool {
	fn := s.inFlight.Load()
	return fn != nil && (*fn)(id)
}

func key(id string) string { return keyPrefix + id }

// RecordPending stores rec unless a record for the same debit already exists, in which case
// only a newly learned job id or reason is merged in.
func (s *Service) RecordPending(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: rollback record without id", entity.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(ctx, rec.ID)
	switch {
	case err == nil:
		changed := false
		if rec.JobID != "" && existing.JobID != rec.JobID {
			existing.JobID = rec.JobID
			changed = true
		}
		if rec.Reason != "" && existing.Reason != rec.Reason {
			existing.Reason = rec.Reason
			changed = true
		}
		if !changed {
			return nil
		}
		return s.save(ctx, existing)
	case !errors.Is(err, kvstore.ErrNotFound):
		return err
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	return s.save(ctx, &rec)
}

// Discard drops the record without crediting. Used when the job succeeded or no debit happened.
func (s *Service) Discard(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(ctx, id); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.Remove(ctx, key(id)); err != nil {
		return err
	}
	s.discarded.Add(1)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.load(ctx, id)
}

func (s *Service) PendingCount(ctx context.Context) (int, error) {
	recs, err := s.store.List(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (s *Service) Metrics() Metrics {
	return Metrics{
		Attempts:  s.attempts.Load(),
		Successes: s.successes.Load(),
		Failures:  s.failures.Load(),
		Discarded: s.discarded.Load(),
	}
}

// Trigger starts a processing pass in the background. While offline the pass is deferred
// until connectivity returns.
func (s *Service) Trigger(ctx context.Context) {
	run := func(ctx context.Context) {
		go func() {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if _, err := s.Process(pctx); err != nil {
				s.logger.Printf("[rollback] process error=%v", err)
			}
		}()
	}
	if s.gate == nil {
		run(ctx)
		return
	}
	s.gate.Defer(ctx, "rollback:process", run)
}

// Process attempts a credit-back for every pending record whose job is no longer running.
// Only one pass runs at a time; a call made while a pass is running returns Skipped.
func (s *Service) Process(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer s.running.Store(false)

	raw, err := s.store.List(ctx, keyPrefix)
	if err != nil {
		return Result{}, err
	}
	if len(raw) == 0 {
		return Result{}, nil
	}

	ids := make([]string, 0, len(raw))
	for k := range raw {
		ids = append(ids, strings.TrimPrefix(k, keyPrefix))
	}
	sort.Strings(ids)

	var res Result
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if s.isInFlight(id) {
			continue
		}
		if s.gate != nil && !s.gate.IsOnline() {
			break
		}
		reason, ok := s.reasonFor(ctx, id)
		if !ok {
			continue
		}

		res.Attempted++
		s.attempts.Add(1)

		outcome, err := s.api.CreditBack(ctx, id, reason)
		if err != nil {
			res.Failed++
			s.failures.Add(1)
			s.markAttempt(ctx, id)
			s.logger.Printf("[rollback] debit_id=%s credit error=%v", id, err)
			continue
		}

		if outcome == entity.CreditJobSucceeded {
			res.Discarded++
			s.discarded.Add(1)
		} else {
			res.Credited++
			s.successes.Add(1)
		}
		s.remove(ctx, id)
		s.logger.Printf("[rollback] debit_id=%s outcome=%s", id, outcome)
	}

	remaining, err := s.PendingCount(ctx)
	if err == nil {
		res.Remaining = remaining
	}
	s.logger.Printf("[rollback] pass attempted=%d credited=%d discarded=%d failed=%d remaining=%d",
		res.Attempted, res.Credited, res.Discarded, res.Failed, res.Remaining)
	return res, nil
}

// reasonFor reads the latest reason recorded for id. ok is false once the record is gone.
func (s *Service) reasonFor(ctx context.Context, id string) (reason string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx, id)
	switch {
	case err == nil:
		return rec.Reason, true
	case errors.Is(err, kvstore.ErrNotFound):
		return "", false
	}
	s.logger.Printf("[rollback] debit_id=%s load error=%v", id, err)
	return "", true
}

func (s *Service) markAttempt(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx, id)
	if err != nil {
		return
	}
	now := s.now()
	rec.Attempts++
	rec.LastAttemptAt = &now
	if err := s.save(ctx, rec); err != nil {
		s.logger.Printf("[rollback] debit_id=%s save attempt error=%v", id, err)
	}
}

func (s *Service) remove(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Remove(ctx, key(id)); err != nil {
		// left in place; the next credit reports already_credited and removes it
		s.logger.Printf("[rollback] debit_id=%s remove error=%v", id, err)
	}
}

func (s *Service) load(ctx context.Context, id string) (*Record, error) {
	raw, err := s.store.Get(ctx, key(id))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode rollback record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Service) save(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, key(rec.ID), raw)
}
