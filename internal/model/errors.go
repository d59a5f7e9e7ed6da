package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the engine-visible error taxonomy every fetch outcome and
// caller-facing error is tagged with.
type ErrorKind string

// Error kinds, per the error handling design.
const (
	ErrorKindUnknownSource    ErrorKind = "unknown_source"
	ErrorKindInFlightTimeout  ErrorKind = "in_flight_timeout"
	ErrorKindProxyUnavailable ErrorKind = "proxy_unavailable"
	ErrorKindNetwork          ErrorKind = "network"
	ErrorKindParse            ErrorKind = "parse"
	ErrorKindAdapterInternal  ErrorKind = "adapter_internal"
	ErrorKindRateLimited      ErrorKind = "rate_limited"
	ErrorKindCanceled         ErrorKind = "canceled"
	ErrorKindTimeout          ErrorKind = "timeout"
)

// EngineError is the typed error every engine-visible failure is wrapped
// in, so callers can errors.Is/errors.As on the kind instead of matching
// strings.
type EngineError struct {
	Kind     ErrorKind
	SourceID string
	Cause    error
}

// NewEngineError wraps cause with kind, attributing it to sourceID.
func NewEngineError(kind ErrorKind, sourceID string, cause error) *EngineError {
	return &EngineError{Kind: kind, SourceID: sourceID, Cause: cause}
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.SourceID, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.SourceID, e.Kind)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrKindNetwork) style sentinel comparisons work:
// comparing against a bare *EngineError with only Kind set matches any
// EngineError of that kind, ignoring SourceID/Cause.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Kind-only sentinels for errors.Is comparisons, e.g.
// errors.Is(err, ErrKindNetwork).
var (
	ErrKindUnknownSource    = &EngineError{Kind: ErrorKindUnknownSource}
	ErrKindInFlightTimeout  = &EngineError{Kind: ErrorKindInFlightTimeout}
	ErrKindProxyUnavailable = &EngineError{Kind: ErrorKindProxyUnavailable}
	ErrKindNetwork          = &EngineError{Kind: ErrorKindNetwork}
	ErrKindParse            = &EngineError{Kind: ErrorKindParse}
	ErrKindAdapterInternal  = &EngineError{Kind: ErrorKindAdapterInternal}
	ErrKindRateLimited      = &EngineError{Kind: ErrorKindRateLimited}
	ErrKindCanceled         = &EngineError{Kind: ErrorKindCanceled}
	ErrKindTimeout          = &EngineError{Kind: ErrorKindTimeout}
)

// KindOf extracts the ErrorKind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}
