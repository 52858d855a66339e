package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"generation-job-service/internal/entity"
	"generation-job-service/internal/provider"
)

func TestParse_StringAndArrayOutput(t *testing.T) {
	p, err := provider.Parse([]byte(`{"id":"p1","status":"succeeded","output":["https://cdn/x.png","https://cdn/y.png"]}`))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if p.Status != entity.StatusSucceeded || p.Output == nil || *p.Output != "https://cdn/x.png" {
		t.Fatalf("unexpected prediction %+v", p)
	}

	p, err = provider.Parse([]byte(`{"id":"p2","status":"failed","output":null,"error":"out of memory"}`))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if p.Status != entity.StatusFailed || p.Output != nil || p.Error == nil || *p.Error != "out of memory" {
		t.Fatalf("unexpected prediction %+v", p)
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, body := range []string{`not json`, `{"status":"succeeded"}`, `{"id":"p","status":"exploded"}`} {
		if _, err := provider.Parse([]byte(body)); !errors.Is(err, provider.ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %s, got %v", body, err)
		}
	}
}

func TestClient_SubmitFetchCancel(t *testing.T) {
	var submitted map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/predictions":
			_ = json.NewDecoder(r.Body).Decode(&submitted)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"pred-1","status":"starting"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/pred-1":
			_, _ = w.Write([]byte(`{"id":"pred-1","status":"processing","logs":"step 3/20"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/predictions/pred-1/cancel":
			_, _ = w.Write([]byte(`{"id":"pred-1","status":"canceled"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"not found"}`))
		}
	}))
	defer srv.Close()

	c := provider.NewClient(provider.Config{BaseURL: srv.URL + "/", Token: "tok", Model: "v1"})
	ctx := context.Background()

	p, err := c.Submit(ctx, entity.CategoryPhotoEdit, entity.InputDescriptor{SourceRef: "s3://a.png", Instruction: "sepia"}, "https://api/webhooks/provider")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.ID != "pred-1" || p.Status != entity.StatusStarting {
		t.Fatalf("unexpected prediction %+v", p)
	}
	if submitted["webhook"] != "https://api/webhooks/provider" || submitted["version"] != "v1" {
		t.Fatalf("unexpected submit body %#v", submitted)
	}

	p, err = c.Fetch(ctx, "pred-1")
	if err != nil || p.Status != entity.StatusProcessing {
		t.Fatalf("expected processing, got %+v err=%v", p, err)
	}

	if err := c.Cancel(ctx, "pred-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := c.Fetch(ctx, "missing"); err == nil {
		t.Fatal("expected error for 404")
	}
}
