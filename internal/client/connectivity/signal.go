// Package connectivity gates network operations on the device's connectivity and
// replays deferred work when connectivity comes back.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// Signal reports connectivity changes.
type Signal interface {
	Online() bool
	// Subscribe registers fn for connectivity changes and returns a function that removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Reporter is a Signal that also accepts connectivity observed elsewhere.
type Reporter interface {
	Signal
	Set(online bool)
}

// ManualSignal is a Signal whose state is set by the host.
type ManualSignal struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

func NewManualSignal(online bool) *ManualSignal {
	return &ManualSignal{online: online, subs: make(map[int]func(bool))}
}

func (s *ManualSignal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state and notifies subscribers when it changed.
func (s *ManualSignal) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	subs := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

func (s *ManualSignal) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// ProbeSignal derives connectivity from periodic HTTP health checks.
type ProbeSignal struct {
	*ManualSignal

	url      string
	interval time.Duration
	client   *http.Client
	logger   *log.Logger
}

// NewProbeSignal probes url every interval once Run is called. It reports online until
// the first Refresh.
func NewProbeSignal(url string, interval time.Duration, logger *log.Logger) *ProbeSignal {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ProbeSignal{
		ManualSignal: NewManualSignal(true),
		url:          url,
		interval:     interval,
		client:       &http.Client{Timeout: 3 * time.Second},
		logger:       logger,
	}
}

// Probe performs one health check and reports whether it succeeded.
func (p *ProbeSignal) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Refresh probes once and publishes the result.
func (p *ProbeSignal) Refresh(ctx context.Context) bool {
	online := p.Probe(ctx)
	if ctx.Err() != nil {
		return p.Online()
	}
	if online != p.Online() {
		p.logger.Printf("[connectivity] probe url=%s online=%v", p.url, online)
	}
	p.Set(online)
	return online
}

// Run refreshes on every tick until ctx is canceled.
func (p *ProbeSignal) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}
