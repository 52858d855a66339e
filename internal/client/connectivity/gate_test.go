package connectivity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"generation-job-service/internal/client/connectivity"
)

func TestGate_DoRefusesWhileOffline(t *testing.T) {
	sig := connectivity.NewManualSignal(false)
	g := connectivity.NewGate(sig)
	defer g.Close()

	called := false
	err := g.Do(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, connectivity.ErrNetworkUnavailable)
	require.False(t, called)

	sig.Set(true)
	require.True(t, g.IsOnline())
	require.NoError(t, g.Do(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	}))
	require.True(t, called)
}

func TestGate_DeferReplaysOncePerKeyOnRestore(t *testing.T) {
	sig := connectivity.NewManualSignal(false)
	g := connectivity.NewGate(sig)
	defer g.Close()

	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
		}
	}

	ctx := context.Background()
	g.Defer(ctx, "rollbacks", record("first"))
	g.Defer(ctx, "rollbacks", record("second"))
	g.Defer(ctx, "resume", record("resume"))

	var restored atomic.Int32
	g.OnRestore(func() { restored.Add(1) })

	sig.Set(true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2 && restored.Load() == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"second", "resume"}, calls)
	mu.Unlock()

	// online: runs immediately
	g.Defer(ctx, "rollbacks", record("now"))
	mu.Lock()
	require.Equal(t, "now", calls[len(calls)-1])
	mu.Unlock()
}

func TestGate_RepeatedOnlineDoesNotRetrigger(t *testing.T) {
	sig := connectivity.NewManualSignal(true)
	g := connectivity.NewGate(sig)
	defer g.Close()

	var restored atomic.Int32
	g.OnRestore(func() { restored.Add(1) })

	sig.Set(true)
	sig.Set(false)
	sig.Set(true)
	sig.Set(true)

	require.Eventually(t, func() bool { return restored.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), restored.Load())
}

func TestGate_CheckRealIsRateLimited(t *testing.T) {
	sig := connectivity.NewManualSignal(false)

	var probes atomic.Int32
	g := connectivity.NewGate(sig,
		connectivity.WithCheckInterval(time.Hour),
		connectivity.WithProber(func(ctx context.Context) bool {
			probes.Add(1)
			return true
		}),
	)
	defer g.Close()

	require.True(t, g.CheckReal(context.Background()))
	require.True(t, g.CheckReal(context.Background()))
	require.Equal(t, int32(1), probes.Load())
	require.True(t, g.IsOnline())
}

func TestGate_CheckRealReportsToSignal(t *testing.T) {
	sig := connectivity.NewManualSignal(true)
	g := connectivity.NewGate(sig,
		connectivity.WithProber(func(ctx context.Context) bool { return false }),
	)
	defer g.Close()

	require.False(t, g.CheckReal(context.Background()))
	require.False(t, g.IsOnline())
	require.False(t, sig.Online())

	restored := make(chan struct{}, 1)
	unsub := g.OnRestore(func() { restored <- struct{}{} })
	defer unsub()

	sig.Set(true)
	require.True(t, g.IsOnline())
	select {
	case <-restored:
	case <-time.After(time.Second):
		t.Fatal("restore listener not called")
	}

	ran := false
	require.NoError(t, g.Do(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	}))
	require.True(t, ran)
}

func TestProbeSignal(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := connectivity.NewProbeSignal(srv.URL+"/health", 10*time.Millisecond, nil)
	require.True(t, p.Probe(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	healthy.Store(false)
	require.Eventually(t, func() bool { return !p.Online() }, time.Second, 5*time.Millisecond)

	healthy.Store(true)
	require.Eventually(t, p.Online, time.Second, 5*time.Millisecond)
}

func TestProbeSignal_RefreshSeedsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := connectivity.NewProbeSignal(srv.URL+"/health", time.Hour, nil)
	require.True(t, p.Online())

	g := connectivity.NewGate(p)
	defer g.Close()

	require.False(t, p.Refresh(context.Background()))
	require.False(t, p.Online())
	require.False(t, g.IsOnline())
}
