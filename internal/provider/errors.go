package provider

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Reason classifies a provider failure for retry and fallback decisions.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonServerError    Reason = "server_error"
	ReasonTimeout        Reason = "timeout"
	ReasonNetwork        Reason = "network"
	ReasonAuth           Reason = "auth"
	ReasonBilling        Reason = "billing"
	ReasonModelNotFound  Reason = "model_not_found"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonUnknown        Reason = "unknown"
)

// Retryable reports whether a failure with this reason is worth retrying
// against the same provider and model.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonServerError, ReasonTimeout, ReasonNetwork:
		return true
	default:
		return false
	}
}

// Error is a classified provider failure.
type Error struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Reason)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " request_id=%s", e.RequestID)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool { return e.Reason.Retryable() }

// NewError builds a classified error. The reason is derived from the
// HTTP status, then the provider error code, then the underlying cause,
// then the message text.
func NewError(provider, model string, status int, code, message string, cause error) *Error {
	reason := reasonFromStatus(status)
	if reason == ReasonUnknown {
		reason = reasonFromCode(code)
	}
	if reason == ReasonUnknown {
		reason = reasonFromCause(cause)
	}
	if reason == ReasonUnknown {
		reason = reasonFromMessage(message)
	}
	return &Error{
		Reason:   reason,
		Provider: provider,
		Model:    model,
		Status:   status,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// ReasonOf extracts the classification from an error chain. Plain errors
// classify by message text; nil returns empty.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	if reason := reasonFromCause(err); reason != ReasonUnknown {
		return reason
	}
	return reasonFromMessage(err.Error())
}

// Retryable reports whether any error in the chain is a transient
// provider failure.
func Retryable(err error) bool {
	return ReasonOf(err).Retryable()
}

func reasonFromStatus(status int) Reason {
	switch {
	case status == 401 || status == 403:
		return ReasonAuth
	case status == 402:
		return ReasonBilling
	case status == 404:
		return ReasonModelNotFound
	case status == 408:
		return ReasonTimeout
	case status == 429:
		return ReasonRateLimit
	case status == 400:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func reasonFromCode(code string) Reason {
	switch code {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "overloaded_error", "api_error", "internal_server_error":
		return ReasonServerError
	case "timeout_error":
		return ReasonTimeout
	case "authentication_error", "permission_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "not_found_error", "model_not_found":
		return ReasonModelNotFound
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// reasonFromCause inspects the error chain for transport-level failures
// that carry no HTTP status or provider code.
func reasonFromCause(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return ReasonNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonNetwork
	}
	return ReasonUnknown
}

func reasonFromMessage(msg string) Reason {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "rate limit"), strings.Contains(m, "429"):
		return ReasonRateLimit
	case strings.Contains(m, "timeout"), strings.Contains(m, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(m, "connection reset"),
		strings.Contains(m, "connection refused"),
		strings.Contains(m, "broken pipe"),
		strings.Contains(m, "unexpected eof"),
		strings.Contains(m, "no such host"):
		return ReasonNetwork
	case strings.Contains(m, "overloaded"),
		strings.Contains(m, "500"), strings.Contains(m, "502"),
		strings.Contains(m, "503"), strings.Contains(m, "504"):
		return ReasonServerError
	case strings.Contains(m, "model not found"), strings.Contains(m, "no such model"):
		return ReasonModelNotFound
	default:
		return ReasonUnknown
	}
}
