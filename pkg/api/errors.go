package api

import (
	"errors"
	"fmt"
)

// Error codes carried on the wire. The client maps them back to the
// sentinel errors below, so both sides agree on retryability.
const (
	CodeValidation         = "validation_failed"
	CodeNotFound           = "not_found"
	CodeExpiredOrConsumed  = "key_expired_or_consumed"
	CodeAccountInactive    = "account_inactive"
	CodeInsufficientBudget = "insufficient_budget"
	CodeBlocked            = "device_blocked"
	CodeUpstreamAuth       = "upstream_auth_failed"
	CodeRateLimited        = "rate_limited"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrExpiredOrConsumed = errors.New("redemption key expired or already consumed")
	ErrAccountInactive   = errors.New("account is deactivated")
	ErrBlocked           = errors.New("device is blocked")
	ErrUpstreamAuth      = errors.New("upstream credential rejected; ask the account owner to refresh it")

	// ErrTransientNetwork marks failures of the transport itself, never a
	// server verdict. It is not retried inline; the offline cache absorbs
	// the charge and the next sync reconciles.
	ErrTransientNetwork = errors.New("transient network failure")
)

// BudgetError is returned when a decrement would push used past allocated.
// Remaining is the authoritative balance at the time of rejection.
type BudgetError struct {
	Remaining int64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("insufficient budget: %d tokens remaining", e.Remaining)
}

var ErrInsufficientBudget = errors.New("insufficient budget")

// Is lets errors.Is(err, ErrInsufficientBudget) match a *BudgetError.
func (e *BudgetError) Is(target error) bool {
	return target == ErrInsufficientBudget
}

// ErrorBody is the JSON error envelope used on every non-2xx response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Remaining *int64 `json:"remaining,omitempty"`
}

// CodeFor maps a domain error to its wire code, or "" for internal errors.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrExpiredOrConsumed):
		return CodeExpiredOrConsumed
	case errors.Is(err, ErrAccountInactive):
		return CodeAccountInactive
	case errors.Is(err, ErrInsufficientBudget):
		return CodeInsufficientBudget
	case errors.Is(err, ErrBlocked):
		return CodeBlocked
	case errors.Is(err, ErrUpstreamAuth):
		return CodeUpstreamAuth
	default:
		return ""
	}
}

// ErrorFromCode is the client-side inverse of CodeFor.
func ErrorFromCode(code string, remaining *int64) error {
	switch code {
	case CodeValidation:
		return ErrValidation
	case CodeNotFound:
		return ErrNotFound
	case CodeExpiredOrConsumed:
		return ErrExpiredOrConsumed
	case CodeAccountInactive:
		return ErrAccountInactive
	case CodeInsufficientBudget:
		if remaining != nil {
			return &BudgetError{Remaining: *remaining}
		}
		return ErrInsufficientBudget
	case CodeBlocked:
		return ErrBlocked
	case CodeUpstreamAuth:
		return ErrUpstreamAuth
	default:
		return fmt.Errorf("server error: %s", code)
	}
}
