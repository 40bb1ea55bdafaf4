package inference

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError means the upstream could not be reached or did not answer in time.
type TransportError struct {
	Cause   error
	Timeout bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("inference transport timeout: %v", e.Cause)
	}
	return fmt.Sprintf("inference transport error: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// UpstreamError means the upstream answered with a non-2xx status.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("inference upstream returned %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status indicates a server-side failure.
func (e *UpstreamError) Retryable() bool {
	return e.Status >= http.StatusInternalServerError
}

// ProtocolError means the upstream answered 2xx with a body we could not use.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed inference response: %s: %v", e.Reason, e.Cause)
	}
	return "malformed inference response: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// IsRetryable reports whether a failed attempt may be retried:
// transport failures and 5xx upstream responses only.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	return false
}
