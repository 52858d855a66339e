// Package apiclient is the client side of the job server HTTP contract.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"generation-job-service/internal/entity"
)

// ErrNotDelivered marks a request that never reached the server because no connection
// could be made. It always comes wrapped together with entity.ErrNetworkUnavailable.
var ErrNotDelivered = errors.New("request not delivered")

type SubmitRequest struct {
	RequestID string                 `json:"requestId"`
	UserID    string                 `json:"userId"`
	Category  entity.Category        `json:"category"`
	Input     entity.InputDescriptor `json:"input"`
}

type SubmitResponse struct {
	JobID         string
	Status        entity.JobStatus
	EstimatedTime time.Duration
}

type JobStatus struct {
	JobID     string           `json:"jobId"`
	RequestID string           `json:"requestId"`
	Status    entity.JobStatus `json:"status"`
	Progress  entity.Progress  `json:"progress"`
	Output    *string          `json:"output,omitempty"`
	Error     *string          `json:"error,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var resp struct {
		JobID         string           `json:"jobId"`
		Status        entity.JobStatus `json:"status"`
		EstimatedTime int              `json:"estimatedTime"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &resp); err != nil {
		return nil, err
	}
	if resp.JobID == "" {
		return nil, fmt.Errorf("%w: submit response without jobId", entity.ErrServerError)
	}
	return &SubmitResponse{
		JobID:         resp.JobID,
		Status:        resp.Status,
		EstimatedTime: time.Duration(resp.EstimatedTime) * time.Second,
	}, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var st JobStatus
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(jobID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// StatusByRequest finds the job accepted for a client request id.
func (c *Client) StatusByRequest(ctx context.Context, requestID string) (*JobStatus, error) {
	var st JobStatus
	if err := c.do(ctx, http.MethodGet, "/status/request/"+url.PathEscape(requestID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

type creditRequest struct {
	DebitID string `json:"debitId"`
	Reason  string `json:"reason,omitempty"`
}

// CreditBack asks the server to reverse the debit identified by debitID. reason is the
// terminal status that made the debit eligible.
func (c *Client) CreditBack(ctx context.Context, debitID, reason string) (entity.CreditOutcome, error) {
	var resp struct {
		Outcome entity.CreditOutcome `json:"outcome"`
	}
	if err := c.do(ctx, http.MethodPost, "/usage/credit", creditRequest{DebitID: debitID, Reason: reason}, &resp); err != nil {
		return "", err
	}
	if resp.Outcome == "" {
		return "", fmt.Errorf("%w: credit response without outcome", entity.ErrServerError)
	}
	return resp.Outcome, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if notDelivered(err) {
			return fmt.Errorf("%w: %w: %s %s: %v", entity.ErrNetworkUnavailable, ErrNotDelivered, method, path, err)
		}
		return fmt.Errorf("%w: %s %s: %v", entity.ErrNetworkUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", entity.ErrNetworkUnavailable, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return mapError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", entity.ErrServerError, err)
	}
	return nil
}

// notDelivered reports whether err happened before a connection to the server existed.
func notDelivered(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func mapError(status int, raw []byte) error {
	var e apiError
	_ = json.Unmarshal(raw, &e)

	switch {
	case status == http.StatusTooManyRequests || e.Code == entity.CodeLimitExceeded:
		return entity.ErrLimitExceeded
	case status == http.StatusNotFound:
		return entity.ErrNotFound
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", entity.ErrInvalidInput, e.Message)
	}
	return fmt.Errorf("%w: status %d: %s", entity.ErrServerError, status, e.Message)
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, entity.ErrNetworkUnavailable) || errors.Is(err, entity.ErrServerError)
}
