package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorClass partitions provider failures by how callers should react.
type ErrorClass int

const (
	// ClassTransient errors may succeed on retry (timeouts, 5xx, 429).
	ClassTransient ErrorClass = iota
	// ClassPermanent errors will not improve on retry (bad request,
	// auth failure, unparseable response after repair).
	ClassPermanent
	// ClassQuotaExceeded means the provider's quota is exhausted.
	// Callers stop issuing calls to that provider for the run.
	ClassQuotaExceeded
	// ClassCancelled means the call was cut short by context
	// cancellation or an expired deadline. Not a provider fault:
	// never retried and never counted against a provider.
	ClassCancelled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassQuotaExceeded:
		return "quota_exceeded"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps a provider failure with its class and origin.
type ClassifiedError struct {
	Class    ErrorClass
	Provider string
	Op       string
	Err      error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(provider, op string, err error) error {
	return &ClassifiedError{Class: ClassTransient, Provider: provider, Op: op, Err: err}
}

// Permanent wraps err as fail-fast.
func Permanent(provider, op string, err error) error {
	return &ClassifiedError{Class: ClassPermanent, Provider: provider, Op: op, Err: err}
}

// QuotaExceeded wraps err as a quota exhaustion signal.
func QuotaExceeded(provider, op string, err error) error {
	return &ClassifiedError{Class: ClassQuotaExceeded, Provider: provider, Op: op, Err: err}
}

// Classify returns the class of err. Context cancellation and
// deadline expiry dominate any wrapping, since the caller (not the
// provider) cut the call short. Unwrapped network and timeout errors
// count as transient; everything else unclassified is permanent so
// unknown failures fail fast rather than loop.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsQuotaExceeded reports whether err signals quota exhaustion.
func IsQuotaExceeded(err error) bool {
	return err != nil && Classify(err) == ClassQuotaExceeded
}

// classifyHTTPStatus maps an HTTP status to an error class for the
// given provider call. Quota wording in the body upgrades a 429 or
// 403 to quota exhaustion.
func classifyHTTPStatus(provider, op string, status int, body string) error {
	base := fmt.Errorf("status %d: %s", status, truncate(body, 300))
	switch {
	case status == 429 || status == 403:
		lower := strings.ToLower(body)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "billing") || strings.Contains(lower, "exhausted") {
			return QuotaExceeded(provider, op, base)
		}
		if status == 429 {
			return Transient(provider, op, base)
		}
		return Permanent(provider, op, base)
	case status >= 500:
		return Transient(provider, op, base)
	default:
		return Permanent(provider, op, base)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
