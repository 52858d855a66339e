package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"generation-job-service/internal/client/engine"
	"generation-job-service/internal/client/jobstate"
	"generation-job-service/internal/client/kvstore"
	"generation-job-service/internal/client/lifecycle"
	"generation-job-service/internal/client/rollback"
	"generation-job-service/internal/entity"
)

// stubServer answers the job server routes the client uses.
type stubServer struct {
	mu       sync.Mutex
	credited []string
	polls    int
	final    entity.JobStatus
}

func (s *stubServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"jobId": "pred-1", "status": "starting", "estimatedTime": 30})
	})
	mux.HandleFunc("GET /status/{jobId}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.polls++
		status := entity.StatusProcessing
		if s.polls > 1 && s.final != "" {
			status = s.final
		}
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"jobId": r.PathValue("jobId"), "status": status})
	})
	mux.HandleFunc("POST /usage/credit", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DebitID string `json:"debitId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.credited = append(s.credited, body.DebitID)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"outcome": "credited"})
	})
	return mux
}

func (s *stubServer) creditedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.credited...)
}

func newEngine(t *testing.T, srv *httptest.Server, dbPath string) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Config{
		ServerURL:        srv.URL,
		UserID:           "u1",
		Category:         entity.CategoryPhotoEdit,
		DBPath:           dbPath,
		SettleDelay:      10 * time.Millisecond,
		PeriodicInterval: time.Hour,
		ProbeInterval:    time.Hour,
		Poll: jobstate.Config{
			MinInterval: 5 * time.Millisecond,
			MaxInterval: 10 * time.Millisecond,
			Ramp:        time.Second,
			Deadline:    5 * time.Second,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNew_Validates(t *testing.T) {
	_, err := engine.New(engine.Config{UserID: "u1"})
	require.Error(t, err)

	_, err = engine.New(engine.Config{ServerURL: "http://localhost", UserID: "u1", Category: "music"})
	require.Error(t, err)
}

func TestEngine_StartCreditsLeftoverRollbacks(t *testing.T) {
	stub := &stubServer{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	dbPath := filepath.Join(t.TempDir(), "client.db")
	store, err := kvstore.Open(dbPath)
	require.NoError(t, err)
	raw, _ := json.Marshal(rollback.Record{ID: "req-old", UserID: "u1", Category: entity.CategoryPhotoEdit, Reason: "failed"})
	require.NoError(t, store.Set(context.Background(), "rollback:req-old", raw))
	require.NoError(t, store.Close())

	e := newEngine(t, srv, dbPath)
	info, err := e.Start(context.Background())
	require.NoError(t, err)
	require.False(t, info.IsResuming)

	require.Eventually(t, func() bool {
		n, err := e.Rollbacks().PendingCount(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"req-old"}, stub.creditedIDs())

	_, err = e.Start(context.Background())
	require.Error(t, err)
}

func TestEngine_SubmitRunsToCompletion(t *testing.T) {
	stub := &stubServer{final: entity.StatusSucceeded}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	e := newEngine(t, srv, filepath.Join(t.TempDir(), "client.db"))
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	jobID, err := e.Jobs().Submit(context.Background(), entity.InputDescriptor{SourceRef: "file:///a.jpg"})
	require.NoError(t, err)
	require.Equal(t, "pred-1", jobID)

	require.Eventually(t, func() bool {
		return e.Jobs().Progress().Status == entity.StatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := e.Rollbacks().PendingCount(context.Background())
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, stub.creditedIDs())
}

func TestEngine_ForegroundTriggersRollbackPass(t *testing.T) {
	stub := &stubServer{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	e := newEngine(t, srv, filepath.Join(t.TempDir(), "client.db"))
	_, err := e.Start(context.Background())
	require.NoError(t, err)
	// let the startup pass over the empty store finish
	time.Sleep(20 * time.Millisecond)

	e.Lifecycle().Publish(lifecycle.Background)
	require.NoError(t, e.Rollbacks().RecordPending(context.Background(), rollback.Record{
		ID:       "req-bg",
		UserID:   "u1",
		Category: entity.CategoryPhotoEdit,
		Reason:   "canceled",
	}))
	time.Sleep(30 * time.Millisecond)
	require.Empty(t, stub.creditedIDs())

	e.Lifecycle().Publish(lifecycle.Foreground)
	require.Eventually(t, func() bool {
		ids := stub.creditedIDs()
		return len(ids) == 1 && strings.HasPrefix(ids[0], "req-bg")
	}, 2*time.Second, 5*time.Millisecond)
}
