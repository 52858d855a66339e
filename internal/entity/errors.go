package entity

import "errors"

var (
	ErrLimitExceeded      = errors.New("usage limit exceeded")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrServerError        = errors.New("server error")
	ErrProviderFailure    = errors.New("provider reported failure")
	ErrExpired            = errors.New("job deadline elapsed")
	ErrRollbackFailed     = errors.New("credit-back failed")

	ErrJobInProgress = errors.New("a job is already in progress")
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate")
	ErrInvalidInput  = errors.New("invalid input")
)

// Machine-readable error codes carried in API error payloads.
const (
	CodeLimitExceeded = "LIMIT_EXCEEDED"
	CodeServerError   = "SERVER_ERROR"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeNotFound      = "NOT_FOUND"
)
