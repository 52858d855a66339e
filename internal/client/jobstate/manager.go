// Package jobstate owns the client's single in-flight generation job: its persisted snapshot,
// the adaptive status poller, and the resume protocol after crashes and backgrounding.
package jobstate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"generation-job-service/internal/client/apiclient"
	"generation-job-service/internal/client/connectivity"
	"generation-job-service/internal/client/lifecycle"
	"generation-job-service/internal/client/rollback"
	"generation-job-service/internal/entity"
)

// Store is the durable key-value store (implementation: kvstore.Store).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// API is the job server contract (implementation: apiclient.Client).
type API interface {
	Submit(ctx context.Context, req apiclient.SubmitRequest) (*apiclient.SubmitResponse, error)
	Status(ctx context.Context, jobID string) (*apiclient.JobStatus, error)
	StatusByRequest(ctx context.Context, requestID string) (*apiclient.JobStatus, error)
	Cancel(ctx context.Context, jobID string) error
}

// Rollbacks is the pending credit-back bookkeeping (implementation: rollback.Service).
type Rollbacks interface {
	RecordPending(ctx context.Context, rec rollback.Record) error
	Discard(ctx context.Context, id string) error
	Trigger(ctx context.Context)
}

type Config struct {
	UserID   string
	Category entity.Category

	// Poll interval grows linearly from MinInterval to MaxInterval over Ramp of job time.
	MinInterval time.Duration
	MaxInterval time.Duration
	Ramp        time.Duration
	// Deadline is measured from submission; a job without a terminal status by then expires.
	Deadline time.Duration
	// BackgroundGrace is how long polling continues after the app is backgrounded.
	BackgroundGrace time.Duration

	Logger *log.Logger
}

func (c *Config) setDefaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 3 * time.Second
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = 8 * time.Second
		if c.MaxInterval < c.MinInterval {
			c.MaxInterval = c.MinInterval
		}
	}
	if c.Ramp <= 0 {
		c.Ramp = 2 * time.Minute
	}
	if c.Deadline <= 0 {
		c.Deadline = 8 * time.Minute
	}
	if c.BackgroundGrace <= 0 {
		c.BackgroundGrace = 30 * time.Second
	}
	if c.Category == "" {
		c.Category = entity.CategoryPhotoEdit
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// Progress is the cached view bound by the UI.
type Progress struct {
	IsGenerating   bool
	ElapsedSeconds int
	Phase          string
	Status         entity.JobStatus
}

type ResumeInfo struct {
	IsResuming         bool
	Snapshot           *Snapshot
	EstimatedRemaining time.Duration
}

type pollRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Manager struct {
	store     Store
	api       API
	rollbacks Rollbacks
	gate      *connectivity.Gate
	bus       *lifecycle.Bus
	cfg       Config
	logger    *log.Logger
	now       func() time.Time

	mu         sync.Mutex
	loaded     bool
	snap       *Snapshot
	poll       *pollRun
	submitting string
	paused     bool
	bgTimer    *time.Timer
	subs       map[int]func(Snapshot)
	nextSubID  int

	view atomic.Pointer[Snapshot]

	unsubscribeBus func()
}

func NewManager(store Store, api API, rollbacks Rollbacks, gate *connectivity.Gate, bus *lifecycle.Bus, cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{
		store:     store,
		api:       api,
		rollbacks: rollbacks,
		gate:      gate,
		bus:       bus,
		cfg:       cfg,
		logger:    cfg.Logger,
		now:       time.Now,
		subs:      make(map[int]func(Snapshot)),
	}
	if bus != nil {
		m.unsubscribeBus = bus.Subscribe(m.onLifecycle)
	}
	return m
}

// Close stops the poller and detaches from the lifecycle bus. The snapshot stays persisted.
func (m *Manager) Close() {
	if m.unsubscribeBus != nil {
		m.unsubscribeBus()
	}
	m.mu.Lock()
	run := m.stopPollLocked()
	if m.bgTimer != nil {
		m.bgTimer.Stop()
	}
	m.mu.Unlock()
	run.wait()
}

// Submit starts a new job. The snapshot and an optimistic pending-rollback record are
// written before the request leaves the device, so a crash mid-request is recoverable.
func (m *Manager) Submit(ctx context.Context, input entity.InputDescriptor) (string, error) {
	if !m.gate.IsOnline() {
		return "", entity.ErrNetworkUnavailable
	}

	m.mu.Lock()
	if err := m.ensureLoadedLocked(ctx); err != nil {
		m.mu.Unlock()
		return "", err
	}
	if m.submitting != "" || (m.snap != nil && !m.snap.Status.IsTerminal()) {
		m.mu.Unlock()
		return "", entity.ErrJobInProgress
	}

	now := m.now()
	snap := &Snapshot{
		RequestID:      uuid.NewString(),
		UserID:         m.cfg.UserID,
		Category:       m.cfg.Category,
		Input:          input,
		Status:         entity.StatusStarting,
		StartedAt:      now,
		EstimatedTotal: m.cfg.Category.EstimatedDuration(),
	}
	snap.Phase = entity.PhaseFor(snap.Status, 0, snap.EstimatedTotal)
	if err := saveSnapshot(ctx, m.store, snap); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("persist snapshot: %w", err)
	}
	m.snap = snap
	m.submitting = snap.RequestID
	m.view.Store(snap.clone())
	cp := snap.clone()
	m.mu.Unlock()
	m.publish(cp)

	reqID := snap.RequestID
	if err := m.rollbacks.RecordPending(ctx, rollback.Record{
		ID:       reqID,
		UserID:   snap.UserID,
		Category: snap.Category,
		Reason:   "submitted",
	}); err != nil {
		m.abandonSubmit(ctx, reqID)
		return "", fmt.Errorf("record pending rollback: %w", err)
	}

	var (
		resp *apiclient.SubmitResponse
		sent bool
	)
	err := m.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		sent = true
		resp, err = m.api.Submit(ctx, apiclient.SubmitRequest{
			RequestID: reqID,
			UserID:    snap.UserID,
			Category:  snap.Category,
			Input:     input,
		})
		return err
	})
	if err != nil {
		m.abandonSubmit(ctx, reqID)
		if !sent || errors.Is(err, apiclient.ErrNotDelivered) ||
			errors.Is(err, entity.ErrLimitExceeded) || errors.Is(err, entity.ErrInvalidInput) {
			// never reached the server, or rejected before any debit
			if derr := m.rollbacks.Discard(ctx, reqID); derr != nil {
				m.logger.Printf("[jobstate] request_id=%s discard rollback error=%v", reqID, derr)
			}
		} else {
			m.rollbacks.Trigger(ctx)
		}
		m.logger.Printf("[jobstate] request_id=%s submit error=%v", reqID, err)
		return "", err
	}

	return m.accept(ctx, reqID, resp), nil
}

// abandonSubmit drops the snapshot of a submission that never reached the server's books.
func (m *Manager) abandonSubmit(ctx context.Context, reqID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submitting = ""
	if m.snap == nil || m.snap.RequestID != reqID {
		return
	}
	if err := m.store.Remove(ctx, snapshotKey); err != nil {
		m.logger.Printf("[jobstate] request_id=%s remove snapshot error=%v", reqID, err)
	}
	m.snap = nil
	m.view.Store(nil)
}

func (m *Manager) accept(ctx context.Context, reqID string, resp *apiclient.SubmitResponse) string {
	// before polling starts, so a fast terminal status cannot race the merge
	if err := m.rollbacks.RecordPending(ctx, rollback.Record{ID: reqID, JobID: resp.JobID}); err != nil {
		m.logger.Printf("[jobstate] request_id=%s update rollback error=%v", reqID, err)
	}

	m.mu.Lock()
	m.submitting = ""
	snap := m.snap
	if snap == nil || snap.RequestID != reqID {
		m.mu.Unlock()
		return resp.JobID
	}

	snap.JobID = resp.JobID
	if resp.EstimatedTime > 0 {
		snap.EstimatedTotal = resp.EstimatedTime
	}
	if entity.CanTransition(snap.Status, resp.Status) && !resp.Status.IsTerminal() {
		snap.Status = resp.Status
	}
	m.persistLocked(ctx, snap)

	canceled := snap.Status.IsTerminal()
	if !canceled {
		m.startPollLocked(snap)
	}
	cp := snap.clone()
	m.mu.Unlock()

	m.publish(cp)
	m.logger.Printf("[jobstate] job_id=%s request_id=%s status=%s accepted", resp.JobID, reqID, cp.Status)

	if canceled {
		// canceled while the submit was in flight
		m.cancelRemote(ctx, resp.JobID)
		m.rollbacks.Trigger(ctx)
	}
	return resp.JobID
}

// Resume reconnects to a persisted non-terminal job. It never re-submits and is safe to
// call repeatedly.
func (m *Manager) Resume(ctx context.Context) (ResumeInfo, error) {
	m.mu.Lock()
	if err := m.ensureLoadedLocked(ctx); err != nil {
		m.mu.Unlock()
		return ResumeInfo{}, err
	}
	snap := m.snap
	if snap == nil {
		m.mu.Unlock()
		return ResumeInfo{}, nil
	}
	if snap.Status.IsTerminal() || m.submitting == snap.RequestID {
		cp := snap.clone()
		m.mu.Unlock()
		return ResumeInfo{IsResuming: !cp.Status.IsTerminal(), Snapshot: cp}, nil
	}

	now := m.now()
	if snap.elapsed(now) >= m.cfg.Deadline {
		m.mu.Unlock()
		m.expire(ctx, nil)
		return ResumeInfo{Snapshot: m.Snapshot()}, nil
	}

	m.paused = false
	if m.poll == nil {
		m.startPollLocked(snap)
		m.logger.Printf("[jobstate] job_id=%s request_id=%s status=%s resumed", snap.JobID, snap.RequestID, snap.Status)
	}
	cp := snap.clone()
	m.mu.Unlock()

	remaining := cp.EstimatedTotal - cp.elapsed(now)
	if remaining < 0 {
		remaining = 0
	}
	return ResumeInfo{IsResuming: true, Snapshot: cp, EstimatedRemaining: remaining}, nil
}

// Cancel stops polling, records the job as canceled and asks the server to stop it.
// The debit becomes eligible for credit-back.
func (m *Manager) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if err := m.ensureLoadedLocked(ctx); err != nil {
		m.mu.Unlock()
		return err
	}
	snap := m.snap
	if snap == nil || snap.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}

	run := m.stopPollLocked()
	m.paused = false
	snap.Status = entity.StatusCanceled
	snap.Phase = entity.PhaseFor(snap.Status, 0, 0)
	m.persistLocked(ctx, snap)
	cp := snap.clone()
	submitting := m.submitting == snap.RequestID
	m.mu.Unlock()

	// an in-flight poll finishes but its result is discarded
	run.wait()
	m.publish(cp)
	m.logger.Printf("[jobstate] job_id=%s request_id=%s canceled", cp.JobID, cp.RequestID)

	if err := m.rollbacks.RecordPending(ctx, rollback.Record{
		ID:       cp.RequestID,
		JobID:    cp.JobID,
		UserID:   cp.UserID,
		Category: cp.Category,
		Reason:   string(entity.StatusCanceled),
	}); err != nil {
		m.logger.Printf("[jobstate] request_id=%s record rollback error=%v", cp.RequestID, err)
	}
	if submitting {
		// accept() finishes the cancellation once the job id is known
		return nil
	}
	if cp.JobID != "" {
		m.cancelRemote(ctx, cp.JobID)
	}
	m.rollbacks.Trigger(ctx)
	return nil
}

func (m *Manager) cancelRemote(ctx context.Context, jobID string) {
	err := m.gate.Do(ctx, func(ctx context.Context) error {
		return m.api.Cancel(ctx, jobID)
	})
	if err != nil {
		m.logger.Printf("[jobstate] job_id=%s remote cancel error=%v", jobID, err)
	}
}

// Acknowledge deletes a terminal snapshot once its result has been shown.
func (m *Manager) Acknowledge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	if m.snap == nil {
		return nil
	}
	if !m.snap.Status.IsTerminal() {
		return entity.ErrJobInProgress
	}
	if err := m.store.Remove(ctx, snapshotKey); err != nil {
		return err
	}
	m.snap = nil
	m.view.Store(nil)
	return nil
}

// Progress is a non-blocking read of the cached state.
func (m *Manager) Progress() Progress {
	snap := m.view.Load()
	if snap == nil {
		return Progress{Status: entity.StatusIdle, Phase: entity.PhaseFor(entity.StatusIdle, 0, 0)}
	}
	elapsed := snap.elapsed(m.now())
	phase := snap.Phase
	if phase == "" {
		phase = entity.PhaseFor(snap.Status, elapsed, snap.EstimatedTotal)
	}
	return Progress{
		IsGenerating:   !snap.Status.IsTerminal(),
		ElapsedSeconds: int(elapsed / time.Second),
		Phase:          phase,
		Status:         snap.Status,
	}
}

// Snapshot returns a copy of the cached snapshot, or nil.
func (m *Manager) Snapshot() *Snapshot {
	snap := m.view.Load()
	if snap == nil {
		return nil
	}
	return snap.clone()
}

// Subscribe registers fn for snapshot changes. fn runs on the goroutine that made the change
// and must not call back into the Manager synchronously.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// InFlight reports whether debitID belongs to a job that may still succeed. Its pending
// rollback must not be processed yet.
func (m *Manager) InFlight(debitID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submitting == debitID {
		return true
	}
	return m.snap != nil && m.snap.RequestID == debitID && !m.snap.Status.IsTerminal()
}

func (m *Manager) onLifecycle(s lifecycle.State) {
	m.mu.Lock()
	if m.bgTimer != nil {
		m.bgTimer.Stop()
		m.bgTimer = nil
	}
	if s == lifecycle.Background {
		m.bgTimer = time.AfterFunc(m.cfg.BackgroundGrace, m.pauseIfBackground)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if _, err := m.Resume(context.Background()); err != nil {
		m.logger.Printf("[jobstate] resume on foreground error=%v", err)
	}
}

func (m *Manager) pauseIfBackground() {
	if m.bus == nil || m.bus.Current() != lifecycle.Background {
		return
	}
	m.mu.Lock()
	if m.poll == nil {
		m.mu.Unlock()
		return
	}
	run := m.stopPollLocked()
	m.paused = true
	m.mu.Unlock()

	run.wait()
	m.logger.Printf("[jobstate] polling paused in background")
}

// Paused reports whether polling is suspended because the app stayed in the background.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Manager) ensureLoadedLocked(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	snap, err := loadSnapshot(ctx, m.store)
	if err != nil {
		return err
	}
	m.snap = snap
	m.loaded = true
	if snap != nil {
		m.view.Store(snap.clone())
	}
	return nil
}

func (m *Manager) persistLocked(ctx context.Context, snap *Snapshot) {
	if err := saveSnapshot(context.WithoutCancel(ctx), m.store, snap); err != nil {
		m.logger.Printf("[jobstate] request_id=%s persist snapshot error=%v", snap.RequestID, err)
	}
	m.view.Store(snap.clone())
}

// publish notifies subscribers. The view itself is only stored under the lock, so a late
// publish never replaces a newer view, and a notification overtaken by a terminal status
// is dropped.
func (m *Manager) publish(snap *Snapshot) {
	m.mu.Lock()
	if cur := m.snap; cur != nil && cur.RequestID == snap.RequestID &&
		cur.Status.IsTerminal() && !snap.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(*snap)
	}
}

// handleTerminal settles the pending rollback for a job that reached a terminal status.
func (m *Manager) handleTerminal(ctx context.Context, snap *Snapshot) {
	ctx = context.WithoutCancel(ctx)

	if !snap.Status.NeedsRollback() {
		if err := m.rollbacks.Discard(ctx, snap.RequestID); err != nil {
			m.logger.Printf("[jobstate] request_id=%s discard rollback error=%v", snap.RequestID, err)
		}
		return
	}

	if err := m.rollbacks.RecordPending(ctx, rollback.Record{
		ID:       snap.RequestID,
		JobID:    snap.JobID,
		UserID:   snap.UserID,
		Category: snap.Category,
		Reason:   string(snap.Status),
	}); err != nil {
		m.logger.Printf("[jobstate] request_id=%s record rollback error=%v", snap.RequestID, err)
	}
	m.rollbacks.Trigger(ctx)

	if snap.Status == entity.StatusExpired && snap.JobID != "" {
		go m.residualCheck(ctx, snap.JobID)
	}
}

// residualCheck queries an expired job once more. The outcome is only logged; the local
// state stays expired and the rollback has already been queued.
func (m *Manager) residualCheck(ctx context.Context, jobID string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var st *apiclient.JobStatus
	err := m.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		st, err = m.api.Status(ctx, jobID)
		return err
	})
	if err != nil {
		m.logger.Printf("[jobstate] job_id=%s residual check error=%v", jobID, err)
		return
	}
	m.logger.Printf("[jobstate] job_id=%s residual check status=%s (expired locally)", jobID, st.Status)
}
