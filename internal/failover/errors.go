package failover

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRateLimited is returned when the local sliding-window budget is
// exhausted before any endpoint is probed. Callers treat it as transient and
// retry on a later tick.
var ErrRateLimited = errors.New("local request budget exhausted")

// AllEndpointsFailedError is returned when every configured endpoint has been
// probed for a single logical call and none produced a response.
type AllEndpointsFailedError struct {
	Op        string
	Endpoints int
	Err       error // last error observed
}

func (e *AllEndpointsFailedError) Error() string {
	return fmt.Sprintf("%s: all %d endpoints failed: %v", e.Op, e.Endpoints, e.Err)
}

func (e *AllEndpointsFailedError) Unwrap() error {
	return e.Err
}

// Class categorizes an endpoint failure. Every class advances to the next
// endpoint; classification only drives logging and metrics.
type Class string

const (
	// ClassUnsupportedMethod covers methods a node refuses to serve, such as
	// log subscriptions on free-tier HTTP endpoints.
	ClassUnsupportedMethod Class = "unsupported_method"

	// ClassRateLimited covers quota rejections, including oversized batches
	// and the malformed non-JSON bodies overloaded edges return.
	ClassRateLimited Class = "rate_limited"

	// ClassTransport covers connection-level failures.
	ClassTransport Class = "transport"

	// ClassOther covers everything else. The policy is maximally permissive:
	// an unclassifiable error still advances to the next endpoint.
	ClassOther Class = "other"
)

// Classify buckets an endpoint error for logging and failover metrics.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "method not found"),
		strings.Contains(msg, "method not supported"),
		strings.Contains(msg, "not supported"),
		strings.Contains(msg, "notifications not supported"),
		strings.Contains(msg, "-32601"):
		return ClassUnsupportedMethod

	case strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "limit exceeded"),
		strings.Contains(msg, "batch size"),
		strings.Contains(msg, "oversized"),
		// Overloaded edges answer with HTML error pages the JSON decoder
		// chokes on; treat that as a quota signal.
		strings.Contains(msg, "invalid character"),
		strings.Contains(msg, "unexpected end of json"):
		return ClassRateLimited

	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "tls"),
		strings.Contains(msg, "cors"):
		return ClassTransport
	}
	return ClassOther
}
