// Package engine assembles the client components and runs the rollback recovery triggers.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"generation-job-service/internal/client/apiclient"
	"generation-job-service/internal/client/connectivity"
	"generation-job-service/internal/client/jobstate"
	"generation-job-service/internal/client/kvstore"
	"generation-job-service/internal/client/lifecycle"
	"generation-job-service/internal/client/rollback"
	"generation-job-service/internal/entity"
)

type Config struct {
	ServerURL string
	UserID    string
	Category  entity.Category
	DBPath    string

	RequestTimeout time.Duration
	// SettleDelay postpones the rollback pass after returning to the foreground.
	SettleDelay      time.Duration
	PeriodicInterval time.Duration
	ProbeInterval    time.Duration

	Poll   jobstate.Config
	Logger *log.Logger
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	if c.PeriodicInterval <= 0 {
		c.PeriodicInterval = 5 * time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	c.Poll.UserID = c.UserID
	c.Poll.Category = c.Category
	c.Poll.Logger = c.Logger
}

type Engine struct {
	cfg    Config
	logger *log.Logger

	store     *kvstore.Store
	probe     *connectivity.ProbeSignal
	gate      *connectivity.Gate
	bus       *lifecycle.Bus
	api       *apiclient.Client
	rollbacks *rollback.Service
	jobs      *jobstate.Manager

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()
	started bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if cfg.Category != "" && !cfg.Category.Valid() {
		return nil, fmt.Errorf("unknown category %q", cfg.Category)
	}
	cfg.setDefaults()

	store, err := kvstore.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(cfg.ServerURL, "/")
	probe := connectivity.NewProbeSignal(base+"/health", cfg.ProbeInterval, cfg.Logger)
	gate := connectivity.NewGate(probe,
		connectivity.WithProber(probe.Probe),
		connectivity.WithLogger(cfg.Logger),
	)
	bus := lifecycle.NewBus()
	api := apiclient.New(base, cfg.RequestTimeout)

	rollbacks := rollback.NewService(store, api, gate, cfg.Logger)
	jobs := jobstate.NewManager(store, api, rollbacks, gate, bus, cfg.Poll)
	rollbacks.SetInFlight(jobs.InFlight)

	return &Engine{
		cfg:       cfg,
		logger:    cfg.Logger,
		store:     store,
		probe:     probe,
		gate:      gate,
		bus:       bus,
		api:       api,
		rollbacks: rollbacks,
		jobs:      jobs,
	}, nil
}

func (e *Engine) Jobs() *jobstate.Manager { return e.jobs }

func (e *Engine) Rollbacks() *rollback.Service { return e.rollbacks }

func (e *Engine) Gate() *connectivity.Gate { return e.gate }

func (e *Engine) Lifecycle() *lifecycle.Bus { return e.bus }

// Start resumes a persisted job and arms the rollback triggers: app start, return to the
// foreground after SettleDelay, connectivity restore and a periodic foreground timer.
func (e *Engine) Start(ctx context.Context) (jobstate.ResumeInfo, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return jobstate.ResumeInfo{}, fmt.Errorf("engine already started")
	}
	e.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.mu.Unlock()

	// seed the gate from a real check so nothing is sent on an assumed connection
	if !e.probe.Refresh(ctx) {
		e.logger.Printf("[engine] server unreachable at start")
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.probe.Run(runCtx)
	}()

	info, err := e.jobs.Resume(ctx)
	if err != nil {
		return jobstate.ResumeInfo{}, fmt.Errorf("resume job: %w", err)
	}
	if info.IsResuming {
		e.logger.Printf("[engine] resuming job_id=%s request_id=%s remaining=%s",
			info.Snapshot.JobID, info.Snapshot.RequestID, info.EstimatedRemaining)
	}

	e.rollbacks.Trigger(runCtx)

	foreground := make(chan struct{}, 1)
	e.mu.Lock()
	e.unsubs = append(e.unsubs,
		e.bus.Subscribe(func(s lifecycle.State) {
			if s != lifecycle.Foreground {
				return
			}
			select {
			case foreground <- struct{}{}:
			default:
			}
		}),
		e.gate.OnRestore(func() {
			e.logger.Printf("[engine] connectivity restored")
			e.rollbacks.Trigger(runCtx)
		}),
	)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.triggerLoop(runCtx, foreground)
	}()

	return info, nil
}

func (e *Engine) triggerLoop(ctx context.Context, foreground <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.PeriodicInterval)
	defer ticker.Stop()

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-foreground:
			settle = time.After(e.cfg.SettleDelay)
		case <-settle:
			settle = nil
			if e.bus.Current() == lifecycle.Foreground {
				e.rollbacks.Trigger(ctx)
			}
		case <-ticker.C:
			if e.bus.Current() == lifecycle.Foreground {
				e.rollbacks.Trigger(ctx)
			}
		}
	}
}

// Close stops the triggers and the poller and closes the store. Persisted state survives
// for the next Start.
func (e *Engine) Close() error {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	cancel := e.cancel
	e.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.jobs.Close()
	e.gate.Close()
	return e.store.Close()
}
