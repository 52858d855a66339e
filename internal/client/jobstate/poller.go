package jobstate

import (
	"context"
	"errors"
	"time"

	"generation-job-service/internal/client/apiclient"
	"generation-job-service/internal/entity"
)

func (r *pollRun) wait() {
	if r != nil {
		<-r.done
	}
}

// nextInterval grows linearly with job age from MinInterval to MaxInterval over Ramp.
func (c Config) nextInterval(elapsed time.Duration) time.Duration {
	if elapsed <= 0 {
		return c.MinInterval
	}
	span := c.MaxInterval - c.MinInterval
	d := c.MinInterval + time.Duration(float64(span)*float64(elapsed)/float64(c.Ramp))
	if d > c.MaxInterval {
		return c.MaxInterval
	}
	return d
}

func (m *Manager) startPollLocked(snap *Snapshot) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &pollRun{cancel: cancel, done: make(chan struct{})}
	m.poll = run
	go m.pollLoop(ctx, run)
}

// stopPollLocked cancels the active poller and detaches it. The caller may wait on the
// returned run after releasing the lock.
func (m *Manager) stopPollLocked() *pollRun {
	run := m.poll
	if run != nil {
		run.cancel()
		m.poll = nil
	}
	return run
}

// pollLoop polls immediately, then on the adaptive schedule, until the job is terminal,
// the deadline passes or the run is stopped.
func (m *Manager) pollLoop(ctx context.Context, run *pollRun) {
	defer close(run.done)

	var delay time.Duration
	for {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		snap := m.current(run)
		if snap == nil {
			return
		}
		now := m.now()
		elapsed := snap.elapsed(now)
		if elapsed >= m.cfg.Deadline {
			m.expire(ctx, run)
			return
		}

		if m.gate.IsOnline() {
			st, err := m.fetch(ctx, snap)
			if m.applyPoll(ctx, run, st, err) {
				return
			}
		}

		now = m.now()
		elapsed = snap.elapsed(now)
		delay = m.cfg.nextInterval(elapsed)
		if remaining := m.cfg.Deadline - elapsed; remaining < delay {
			delay = max(remaining, time.Millisecond)
		}
		m.schedule(run, now.Add(delay))
	}
}

// current returns a copy of the snapshot while run is still the active poller.
func (m *Manager) current(run *pollRun) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.poll != run || m.snap == nil || m.snap.Status.IsTerminal() {
		return nil
	}
	return m.snap.clone()
}

func (m *Manager) schedule(run *pollRun, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.poll == run && m.snap != nil {
		m.snap.NextPollAt = at
	}
}

func (m *Manager) fetch(ctx context.Context, snap *Snapshot) (*apiclient.JobStatus, error) {
	if snap.JobID == "" {
		// crashed between send and response: find the job by its request id
		return m.api.StatusByRequest(ctx, snap.RequestID)
	}
	return m.api.Status(ctx, snap.JobID)
}

// applyPoll folds one poll result into the snapshot and reports whether polling is over.
// Results arriving after the run was stopped are discarded.
func (m *Manager) applyPoll(ctx context.Context, run *pollRun, st *apiclient.JobStatus, pollErr error) bool {
	m.mu.Lock()
	if ctx.Err() != nil || m.poll != run || m.snap == nil || m.snap.Status.IsTerminal() {
		m.mu.Unlock()
		return true
	}
	snap := m.snap
	snap.Attempts++

	if pollErr != nil {
		if snap.JobID == "" && errors.Is(pollErr, entity.ErrNotFound) {
			// the server never accepted this request
			msg := "job was not accepted by the server"
			snap.Status = entity.StatusFailed
			snap.Error = &msg
			return m.finishLocked(ctx, snap)
		}
		jobID, reqID := snap.JobID, snap.RequestID
		m.view.Store(snap.clone())
		m.mu.Unlock()
		m.logger.Printf("[jobstate] job_id=%s request_id=%s poll error=%v retryable=%v",
			jobID, reqID, pollErr, apiclient.IsRetryable(pollErr))
		return false
	}

	changed := false
	if snap.JobID == "" && st.JobID != "" {
		snap.JobID = st.JobID
		changed = true
	}
	if st.Progress.Phase != "" {
		snap.Phase = st.Progress.Phase
	}

	if st.Status != snap.Status && entity.CanTransition(snap.Status, st.Status) {
		snap.Status = st.Status
		if st.Output != nil {
			snap.Output = st.Output
		}
		if st.Error != nil {
			snap.Error = st.Error
		}
		if snap.Status.IsTerminal() {
			return m.finishLocked(ctx, snap)
		}
		changed = true
	}

	if !changed {
		m.view.Store(snap.clone())
		m.mu.Unlock()
		return false
	}

	m.persistLocked(ctx, snap)
	cp := snap.clone()
	m.mu.Unlock()

	m.publish(cp)
	m.logger.Printf("[jobstate] job_id=%s status=%s", cp.JobID, cp.Status)
	return false
}

// finishLocked records a terminal status reached by the poller. It releases the lock.
func (m *Manager) finishLocked(ctx context.Context, snap *Snapshot) bool {
	snap.Phase = entity.PhaseFor(snap.Status, 0, 0)
	m.stopPollLocked()
	m.persistLocked(ctx, snap)
	cp := snap.clone()
	m.mu.Unlock()

	m.publish(cp)
	m.logger.Printf("[jobstate] job_id=%s request_id=%s status=%s terminal", cp.JobID, cp.RequestID, cp.Status)
	m.handleTerminal(ctx, cp)
	return true
}

// expire marks the job expired once its deadline has passed. run is the poller that noticed,
// or nil when the deadline is discovered on resume.
func (m *Manager) expire(ctx context.Context, run *pollRun) {
	m.mu.Lock()
	if m.snap == nil || m.snap.Status.IsTerminal() || (run != nil && (m.poll != run || ctx.Err() != nil)) {
		m.mu.Unlock()
		return
	}
	msg := "job did not finish before the deadline"
	m.snap.Status = entity.StatusExpired
	m.snap.Error = &msg
	m.finishLocked(ctx, m.snap)
}
