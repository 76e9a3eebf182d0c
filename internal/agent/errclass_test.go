package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTypedErrors(t *testing.T) {
	assert.Equal(t, ClassUnknown, Classify(nil))
	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassTransient, Classify(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, ClassPermanent, Classify(context.Canceled))
	assert.Equal(t, ClassTransient, Classify(&net.DNSError{Err: "no such host", Name: "example.com"}))

	var v map[string]any
	jsonErr := json.Unmarshal([]byte("{"), &v)
	require.Error(t, jsonErr)
	assert.Equal(t, ClassMalformedOutput, Classify(jsonErr))

	typeErr := json.Unmarshal([]byte(`{"a":"x"}`), &struct{ A int }{})
	require.Error(t, typeErr)
	assert.Equal(t, ClassMalformedOutput, Classify(typeErr))
}

func TestClassifyMessageCues(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorClass
	}{
		{"429 too many requests", ClassRateLimited},
		{"rate limit exceeded, slow down", ClassRateLimited},
		{"401 unauthorized", ClassAuthExpired},
		{"oauth token expired", ClassAuthExpired},
		{"invalid input for tool \"echo\"", ClassSchemaViolation},
		{"context_length_exceeded", ClassResourceExhausted},
		{"token budget exhausted for this run", ClassResourceExhausted},
		{"404 not found", ClassPermanent},
		{"integration not configured", ClassPermanent},
		{"502 bad gateway", ClassTransient},
		{"connection reset by peer", ClassTransient},
		{"upstream timed out", ClassTransient},
		{"service temporarily overloaded", ClassTransient},
		{"something inexplicable", ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(errors.New(tt.msg)))
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	assert.True(t, ClassTransient.Retryable())
	assert.True(t, ClassRateLimited.Retryable())
	assert.True(t, ClassAuthExpired.Retryable())

	assert.False(t, ClassMalformedOutput.Retryable())
	assert.False(t, ClassSchemaViolation.Retryable())
	assert.False(t, ClassResourceExhausted.Retryable())
	assert.False(t, ClassPermanent.Retryable())
	assert.False(t, ClassUnknown.Retryable())

	assert.Equal(t, 2*time.Second, ClassRateLimited.RetryDelay())
	assert.Equal(t, 500*time.Millisecond, ClassTransient.RetryDelay())
	assert.Equal(t, time.Duration(0), ClassPermanent.RetryDelay())
}
