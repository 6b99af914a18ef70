package snapshot

import (
	"errors"
	"fmt"
	"time"
)

// Client-rejection errors. No resource is consumed when these surface and the
// caller must not retry without fixing the request.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("request expired")
	ErrUnknownTenant    = errors.New("unknown tenant")
	ErrScopeViolation   = errors.New("request outside tenant scope")
)

// Transient capacity errors. The caller may retry; the service does not.
var (
	ErrPoolExhausted  = errors.New("render pool exhausted")
	ErrAcquireTimeout = errors.New("render pool acquire timeout")
)

// Render errors. The handle involved is invalidated; the pipeline retries the
// render once on a fresh handle before surfacing these.
var (
	ErrRenderTimeout    = errors.New("render deadline exceeded")
	ErrNavigationFailed = errors.New("navigation failed")
	ErrCaptureFailed    = errors.New("capture failed")
)

// ErrStorageWrite marks a failure after a successful capture. The artifact is
// not re-rendered.
var ErrStorageWrite = errors.New("storage write failed")

// ThrottledError is returned when an admission bucket has no tokens left.
type ThrottledError struct {
	// Scope names the bucket that rejected the request ("identity" or "tenant").
	Scope string
	// RetryAfter is how long the caller should wait before retrying.
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled by %s bucket, retry after %s", e.Scope, e.RetryAfter)
}

// AsThrottled unwraps a ThrottledError if err carries one.
func AsThrottled(err error) (*ThrottledError, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
