// Package errs provides the error taxonomy and recovery-strategy helpers
// every core component shares, generalizing a sentinel-error style
// (PoolError/PanicError/BatchError) into a single tagged error type with a
// normalization step.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
)

// Kind classifies an error for retry/recovery decisions.
type Kind int

const (
	Unknown Kind = iota
	Retryable
	NonRetryable
	Validation
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case NonRetryable:
		return "non_retryable"
	case Validation:
		return "validation"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the normalized error every core component logs and branches on.
type Error struct {
	Kind    Kind
	Domain  string
	Code    string
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Domain, e.Code, e.Context, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Domain, e.Code, e.Context)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified Error directly.
func New(kind Kind, domain, code, context string, err error) *Error {
	return &Error{Kind: kind, Domain: domain, Code: code, Context: context, Err: err}
}

// retryableSubstrings are exchange/adapter error fragments treated as
// transient: rate limits, connectivity blips, and similar recoverable
// conditions.
var retryableSubstrings = []string{
	"timeout",
	"connection",
	"rate limit",
	"temporarily unavailable",
	"try again",
	"503",
	"429",
}

// Normalize classifies a raw error into the taxonomy: a context deadline
// becomes Timeout; a recognized transient substring becomes Retryable;
// everything else is Unknown, with the original always wrapped.
func Normalize(err error, domain string) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(Timeout, domain, "deadline_exceeded", "operation exceeded its deadline", err)
	}

	msg := err.Error()
	for _, frag := range retryableSubstrings {
		if containsFold(msg, frag) {
			return New(Retryable, domain, "transient", msg, err)
		}
	}

	return New(Unknown, domain, "unclassified", msg, err)
}

func containsFold(haystack, needle string) bool {
	hl, nl := len(haystack), len(needle)
	if nl == 0 || nl > hl {
		return nl == 0
	}
	h := toLowerASCII(haystack)
	n := toLowerASCII(needle)
	for i := 0; i+nl <= len(h); i++ {
		if h[i:i+nl] == n {
			return true
		}
	}
	return false
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Strategy is the recovery strategy assigned to a call site.
type Strategy int

const (
	Throw Strategy = iota
	Skip
	Retry
	GracefulDegrade
	Fallback
)

// RetryFunc is retried by the DoRetry helper.
type RetryFunc func(ctx context.Context, attempt int) error

// DoRetry runs fn up to attempts times with exponential backoff
// (baseDelay * backoffMultiplier^attempt), stopping early on a
// NonRetryable/Validation classification. It is the shared primitive behind
// order-placement retry and order-cancellation retry.
func DoRetry(ctx context.Context, c clock.Clock, attempts int, baseDelay time.Duration, backoffMultiplier float64, domain string, fn RetryFunc) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		normalized := Normalize(err, domain)
		if normalized.Kind == NonRetryable || normalized.Kind == Validation {
			return normalized
		}

		if attempt == attempts-1 {
			break
		}

		delay := time.Duration(float64(baseDelay) * pow(backoffMultiplier, float64(attempt)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.After(delay):
		}
	}
	return Normalize(lastErr, domain)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// GracefulDegradeFn runs fn; on error it logs a warning containing msg and
// returns without propagating the error: log and continue, never throw.
func GracefulDegradeFn(logger logging.Logger, msg string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn(msg, logging.Err(err))
	}
}
