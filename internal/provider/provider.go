// Package provider talks to the external compute provider that runs image and video
// transformations. The provider exposes a prediction API: a submission returns an id,
// status can be fetched by id, and terminal results are pushed to a webhook.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"generation-job-service/internal/entity"
)

var ErrMalformed = errors.New("malformed provider payload")

// Prediction is one provider-side run as reported by the API or a webhook.
type Prediction struct {
	ID     string
	Status entity.JobStatus
	Output *string
	Error  *string
}

func (p Prediction) Update() entity.JobUpdate {
	return entity.JobUpdate{Status: p.Status, Output: p.Output, Error: p.Error}
}

type Config struct {
	BaseURL string
	Token   string
	Model   string
	Timeout time.Duration
}

type Client struct {
	baseURL    string
	token      string
	model      string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Submit starts a prediction and registers webhookURL for completion callbacks.
func (c *Client) Submit(ctx context.Context, category entity.Category, input entity.InputDescriptor, webhookURL string) (Prediction, error) {
	body := map[string]any{
		"input": map[string]any{
			"source":   input.SourceRef,
			"prompt":   input.Instruction,
			"category": string(category),
		},
		"webhook":               webhookURL,
		"webhook_events_filter": []string{"start", "completed"},
	}
	if c.model != "" {
		body["version"] = c.model
	}
	return c.do(ctx, http.MethodPost, "/predictions", body, http.StatusCreated, http.StatusOK)
}

func (c *Client) Fetch(ctx context.Context, id string) (Prediction, error) {
	return c.do(ctx, http.MethodGet, "/predictions/"+id, nil, http.StatusOK)
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/predictions/"+id+"/cancel", nil, http.StatusOK)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any, okCodes ...int) (Prediction, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Prediction{}, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Prediction{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("provider %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Prediction{}, fmt.Errorf("read provider response: %w", err)
	}

	ok := false
	for _, code := range okCodes {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		detail := gjson.GetBytes(raw, "detail").String()
		return Prediction{}, fmt.Errorf("provider %s %s: status %d: %s", method, path, resp.StatusCode, detail)
	}

	return Parse(raw)
}

// Parse decodes a prediction payload. It is shared by API responses and webhook bodies.
func Parse(raw []byte) (Prediction, error) {
	if !gjson.ValidBytes(raw) {
		return Prediction{}, ErrMalformed
	}
	doc := gjson.ParseBytes(raw)

	id := doc.Get("id").String()
	if id == "" {
		return Prediction{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	status, ok := mapStatus(doc.Get("status").String())
	if !ok {
		return Prediction{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, doc.Get("status").String())
	}

	p := Prediction{ID: id, Status: status}

	out := doc.Get("output")
	if out.IsArray() {
		out = out.Get("0")
	}
	if s := out.String(); out.Exists() && s != "" {
		p.Output = &s
	}
	if e := doc.Get("error"); e.Exists() && e.String() != "" {
		s := e.String()
		p.Error = &s
	}
	return p, nil
}

func mapStatus(s string) (entity.JobStatus, bool) {
	switch strings.ToLower(s) {
	case "starting", "queued":
		return entity.StatusStarting, true
	case "processing", "running":
		return entity.StatusProcessing, true
	case "succeeded", "successful", "completed":
		return entity.StatusSucceeded, true
	case "failed", "error":
		return entity.StatusFailed, true
	case "canceled", "cancelled", "aborted":
		return entity.StatusCanceled, true
	}
	return "", false
}
