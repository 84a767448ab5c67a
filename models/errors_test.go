package models

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError_ProfileApplied(t *testing.T) {
	e := NewError(ErrModelRateLimited, "openai", "slow down")

	assert.Equal(t, ErrModelRateLimited, e.Code)
	assert.Equal(t, http.StatusTooManyRequests, e.StatusCode)
	assert.Equal(t, SeverityWarn, e.Severity)
	assert.True(t, e.Retryable)
	assert.Equal(t, "openai", e.Source)
	assert.NotEmpty(t, e.CorrelationID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestNewError_UnknownCodeBecomesInternal(t *testing.T) {
	e := NewError("no_such_code", "x", "boom")
	assert.Equal(t, ErrInternal, e.Code)
	assert.Equal(t, http.StatusInternalServerError, e.StatusCode)
}

func TestRouterError_ErrorStringAndUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	e := NewError(ErrNetwork, "openai", "provider unreachable").WithCause(cause)

	assert.Contains(t, e.Error(), ErrNetwork)
	assert.Contains(t, e.Error(), "openai")
	assert.True(t, errors.Is(e, cause))
}

func TestAsRouterError(t *testing.T) {
	re := NewError(ErrNotFound, "config", "missing")
	wrapped := fmt.Errorf("outer: %w", re)
	assert.Equal(t, re, AsRouterError(wrapped))

	foreign := errors.New("plain error")
	converted := AsRouterError(foreign)
	assert.Equal(t, ErrInternal, converted.Code)
	assert.True(t, errors.Is(converted, foreign))
}

func TestIsRetryable(t *testing.T) {
	retryable := []string{ErrModelRateLimited, ErrModelTimeout, ErrModelUnavailable, ErrNetwork, ErrTimeout, ErrDBConnection}
	for _, code := range retryable {
		assert.True(t, IsRetryable(NewError(code, "", "x")), code)
	}

	permanent := []string{ErrModelAuthentication, ErrModelQuotaExceeded, ErrModelContentFiltered, ErrModelInvalidRequest, ErrModelContextLength, ErrNotFound}
	for _, code := range permanent {
		assert.False(t, IsRetryable(NewError(code, "", "x")), code)
	}

	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestIsTripping(t *testing.T) {
	tripping := []string{ErrModelAuthentication, ErrModelQuotaExceeded, ErrModelContentFiltered}
	for _, code := range tripping {
		assert.True(t, IsTripping(NewError(code, "", "x")), code)
	}

	assert.False(t, IsTripping(NewError(ErrModelRateLimited, "", "x")))
	assert.False(t, IsTripping(errors.New("plain")))
}

func TestWithDetail(t *testing.T) {
	e := NewError(ErrModelRateLimited, "openai", "x").WithDetail("retry_after_ms", int64(2000))
	require.NotNil(t, e.Details)
	assert.Equal(t, int64(2000), e.Details["retry_after_ms"])
}

func TestErrorCounts(t *testing.T) {
	before := ErrorCounts()[ErrConflict]
	NewError(ErrConflict, "", "one")
	NewError(ErrConflict, "", "two")
	assert.Equal(t, before+2, ErrorCounts()[ErrConflict])
}
