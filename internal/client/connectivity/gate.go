package connectivity

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"generation-job-service/internal/entity"
)

// ErrNetworkUnavailable is returned by Do while the device is offline.
var ErrNetworkUnavailable = entity.ErrNetworkUnavailable

type deferredOp struct {
	key string
	op  func(ctx context.Context)
}

// Gate holds the cached connectivity flag and the work deferred until connectivity returns.
type Gate struct {
	mu       sync.Mutex
	online   bool
	deferred []deferredOp
	restore  map[int]func()
	nextID   int

	sig     Signal
	prober  func(ctx context.Context) bool
	limiter *rate.Limiter
	logger  *log.Logger

	unsubscribe func()
}

type Option func(*Gate)

// WithProber sets the real connectivity test used by CheckReal.
func WithProber(fn func(ctx context.Context) bool) Option {
	return func(g *Gate) { g.prober = fn }
}

// WithCheckInterval limits how often CheckReal may hit the network.
func WithCheckInterval(d time.Duration) Option {
	return func(g *Gate) { g.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

func WithLogger(l *log.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func NewGate(sig Signal, opts ...Option) *Gate {
	g := &Gate{
		online:  sig.Online(),
		sig:     sig,
		restore: make(map[int]func()),
		limiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.unsubscribe = sig.Subscribe(g.setOnline)
	return g
}

// Close detaches the gate from its signal.
func (g *Gate) Close() {
	g.unsubscribe()
}

// IsOnline is a synchronous read of the cached flag.
func (g *Gate) IsOnline() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

// Do runs op when online and returns ErrNetworkUnavailable without running it otherwise.
func (g *Gate) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if !g.IsOnline() {
		return ErrNetworkUnavailable
	}
	return op(ctx)
}

// Defer runs op now when online. Offline, op is queued and replayed once connectivity is
// restored; a later op with the same key replaces the queued one.
func (g *Gate) Defer(ctx context.Context, key string, op func(ctx context.Context)) {
	g.mu.Lock()
	if g.online {
		g.mu.Unlock()
		op(ctx)
		return
	}
	for i := range g.deferred {
		if g.deferred[i].key == key {
			g.deferred[i].op = op
			g.mu.Unlock()
			return
		}
	}
	g.deferred = append(g.deferred, deferredOp{key: key, op: op})
	g.mu.Unlock()
}

// OnRestore registers fn to be called each time connectivity goes from offline to online.
func (g *Gate) OnRestore(fn func()) (unsubscribe func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextID
	g.nextID++
	g.restore[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.restore, id)
	}
}

// CheckReal performs a real connectivity test, at most once per check interval.
// Calls in between report the cached flag. Intended for user-initiated retries only.
// The result is also reported to the signal when it accepts reports, so a later change
// from the signal is not swallowed as a repeat.
func (g *Gate) CheckReal(ctx context.Context) bool {
	if g.prober == nil || !g.limiter.Allow() {
		return g.IsOnline()
	}
	online := g.prober(ctx)
	if r, ok := g.sig.(Reporter); ok {
		r.Set(online)
	}
	g.setOnline(online)
	return online
}

func (g *Gate) setOnline(online bool) {
	g.mu.Lock()
	if g.online == online {
		g.mu.Unlock()
		return
	}
	g.online = online
	if !online {
		g.mu.Unlock()
		g.logger.Printf("[connectivity] offline")
		return
	}

	ops := g.deferred
	g.deferred = nil
	listeners := make([]func(), 0, len(g.restore))
	for _, fn := range g.restore {
		listeners = append(listeners, fn)
	}
	g.mu.Unlock()

	g.logger.Printf("[connectivity] restored deferred=%d", len(ops))
	go func() {
		for _, d := range ops {
			d.op(context.Background())
		}
		for _, fn := range listeners {
			fn()
		}
	}()
}
