package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"
)

// ErrorClass buckets a failure by how it should be handled.
type ErrorClass string

const (
	// ClassTransient covers network resets, timeouts, 5xx and overload
	// signals. Worth an immediate retry.
	ClassTransient ErrorClass = "transient"
	// ClassRateLimited is a 429 or explicit rate-limit message. Retry
	// after a pause.
	ClassRateLimited ErrorClass = "rate_limited"
	// ClassAuthExpired is a 401 or expired-token signal. One retry gives
	// the skill a chance to refresh its credentials.
	ClassAuthExpired ErrorClass = "auth_expired"
	// ClassMalformedOutput is a JSON parse failure in an expected
	// structured response.
	ClassMalformedOutput ErrorClass = "malformed_output"
	// ClassSchemaViolation is tool input that failed validation.
	ClassSchemaViolation ErrorClass = "schema_violation"
	// ClassResourceExhausted covers blown token budgets, tool-call caps
	// and context-length limits. Terminal.
	ClassResourceExhausted ErrorClass = "resource_exhausted"
	// ClassPermanent is a 400/404/422 or missing configuration. Terminal.
	ClassPermanent ErrorClass = "permanent"
	// ClassUnknown is everything else. Terminal.
	ClassUnknown ErrorClass = "unknown"
)

// Retryable reports whether one more attempt is worthwhile.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTransient, ClassRateLimited, ClassAuthExpired:
		return true
	}
	return false
}

// RetryDelay is the pause before the retry attempt.
func (c ErrorClass) RetryDelay() time.Duration {
	switch c {
	case ClassRateLimited:
		return 2 * time.Second
	case ClassTransient:
		return 500 * time.Millisecond
	case ClassAuthExpired:
		return 250 * time.Millisecond
	}
	return 0
}

// Substring cues, matched against the lowercased error text. Order matters:
// the first matching class wins, and the more specific classes come first.
var classCues = []struct {
	class ErrorClass
	cues  []string
}{
	{ClassRateLimited, []string{"429", "rate limit", "rate_limit", "too many requests"}},
	{ClassAuthExpired, []string{"401", "unauthorized", "token expired", "invalid_grant", "authentication"}},
	{ClassSchemaViolation, []string{"schema violation", "invalid input for tool", "failed validation"}},
	{ClassResourceExhausted, []string{"token budget", "context length", "context_length_exceeded",
		"maximum context", "tool call limit", "resource exhausted"}},
	{ClassPermanent, []string{"400", "404", "422", "not found", "bad request",
		"unprocessable", "missing config", "not configured"}},
	{ClassTransient, []string{"500", "502", "503", "504", "overloaded", "capacity",
		"timeout", "timed out", "deadline exceeded", "connection reset", "connection refused",
		"temporarily", "unavailable", "eof", "broken pipe"}},
}

// Classify buckets err for the retry policy. Typed errors are checked first;
// everything else falls back to message cues.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ClassMalformedOutput
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unexpected end of json") || strings.Contains(msg, "invalid character") {
		return ClassMalformedOutput
	}
	for _, entry := range classCues {
		for _, cue := range entry.cues {
			if strings.Contains(msg, cue) {
				return entry.class
			}
		}
	}
	return ClassUnknown
}
