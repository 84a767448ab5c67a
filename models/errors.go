package models

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Error codes. The HTTP status, severity and retryability of each code are
// fixed by codeProfiles below.
const (
	ErrInternal     = "internal"
	ErrBadRequest   = "bad_request"
	ErrUnauthorized = "unauthorized"
	ErrForbidden    = "forbidden"
	ErrNotFound     = "not_found"
	ErrConflict     = "conflict"

	ErrModelUnavailable     = "model_unavailable"
	ErrModelTimeout         = "model_timeout"
	ErrModelRateLimited     = "model_rate_limited"
	ErrModelAuthentication  = "model_authentication"
	ErrModelQuotaExceeded   = "model_quota_exceeded"
	ErrModelContentFiltered = "model_content_filtered"
	ErrModelInvalidRequest  = "model_invalid_request"
	ErrModelContextLength   = "model_context_length"

	ErrNetwork = "network_error"
	ErrTimeout = "timeout"

	ErrDB           = "db_error"
	ErrDBConnection = "db_connection"
	ErrDBQuery      = "db_query"

	ErrCache     = "cache_error"
	ErrCacheMiss = "cache_miss"

	ErrRouterNoModels        = "router_no_models"
	ErrRouterAllModelsFailed = "router_all_models_failed"
)

// Severity levels.
const (
	SeverityDebug = "debug"
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
	SeverityFatal = "fatal"
)

type codeProfile struct {
	status    int
	severity  string
	retryable bool
}

var codeProfiles = map[string]codeProfile{
	ErrInternal:     {http.StatusInternalServerError, SeverityError, false},
	ErrBadRequest:   {http.StatusBadRequest, SeverityInfo, false},
	ErrUnauthorized: {http.StatusUnauthorized, SeverityInfo, false},
	ErrForbidden:    {http.StatusForbidden, SeverityInfo, false},
	ErrNotFound:     {http.StatusNotFound, SeverityInfo, false},
	ErrConflict:     {http.StatusConflict, SeverityInfo, false},

	ErrModelUnavailable:     {http.StatusServiceUnavailable, SeverityWarn, true},
	ErrModelTimeout:         {http.StatusGatewayTimeout, SeverityWarn, true},
	ErrModelRateLimited:     {http.StatusTooManyRequests, SeverityWarn, true},
	ErrModelAuthentication:  {http.StatusUnauthorized, SeverityError, false},
	ErrModelQuotaExceeded:   {http.StatusTooManyRequests, SeverityError, false},
	ErrModelContentFiltered: {http.StatusBadRequest, SeverityWarn, false},
	ErrModelInvalidRequest:  {http.StatusBadRequest, SeverityInfo, false},
	ErrModelContextLength:   {http.StatusRequestEntityTooLarge, SeverityInfo, false},

	ErrNetwork: {http.StatusServiceUnavailable, SeverityWarn, true},
	ErrTimeout: {http.StatusGatewayTimeout, SeverityWarn, true},

	ErrDB:           {http.StatusInternalServerError, SeverityError, false},
	ErrDBConnection: {http.StatusInternalServerError, SeverityError, true},
	ErrDBQuery:      {http.StatusInternalServerError, SeverityError, false},

	ErrCache:     {http.StatusInternalServerError, SeverityWarn, false},
	ErrCacheMiss: {http.StatusNotFound, SeverityDebug, false},

	ErrRouterNoModels:        {http.StatusServiceUnavailable, SeverityError, false},
	ErrRouterAllModelsFailed: {http.StatusServiceUnavailable, SeverityError, false},
}

// RouterError is the typed error carried through the routing pipeline and
// surfaced at the HTTP boundary as a structured envelope.
type RouterError struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	StatusCode    int            `json:"statusCode"`
	Severity      string         `json:"severity"`
	Retryable     bool           `json:"retryable"`
	Source        string         `json:"source,omitempty"`
	CorrelationID string         `json:"correlationId"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	cause         error
}

func (e *RouterError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Source, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RouterError) Unwrap() error {
	return e.cause
}

// WithDetail attaches one detail entry and returns the error for chaining.
func (e *RouterError) WithDetail(key string, value any) *RouterError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error for errors.Is/As chains.
func (e *RouterError) WithCause(err error) *RouterError {
	e.cause = err
	return e
}

// NewError builds a RouterError for a known code. Unknown codes are treated
// as internal.
func NewError(code, source, message string) *RouterError {
	profile, ok := codeProfiles[code]
	if !ok {
		code = ErrInternal
		profile = codeProfiles[ErrInternal]
	}
	e := &RouterError{
		Code:          code,
		Message:       message,
		StatusCode:    profile.status,
		Severity:      profile.severity,
		Retryable:     profile.retryable,
		Source:        source,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
	}
	telemetry.record(code)
	return e
}

// AsRouterError unwraps err into a RouterError, wrapping foreign errors as
// internal so the boundary always has a structured envelope to return.
func AsRouterError(err error) *RouterError {
	var re *RouterError
	if errors.As(err, &re) {
		return re
	}
	return NewError(ErrInternal, "", err.Error()).WithCause(err)
}

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	var re *RouterError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// IsTripping reports whether err should open the circuit breaker for the
// model that produced it.
func IsTripping(err error) bool {
	var re *RouterError
	if !errors.As(err, &re) {
		return false
	}
	switch re.Code {
	case ErrModelAuthentication, ErrModelQuotaExceeded, ErrModelContentFiltered:
		return true
	}
	return false
}

// errorTelemetry keeps a per-code counter and a rolling one-minute window.
// A single warn is logged each time a code crosses 10 events per minute.
type errorTelemetry struct {
	mu      sync.Mutex
	totals  map[string]int64
	recent  map[string][]time.Time
	alerted map[string]time.Time
}

var telemetry = &errorTelemetry{
	totals:  make(map[string]int64),
	recent:  make(map[string][]time.Time),
	alerted: make(map[string]time.Time),
}

const (
	telemetryWindow    = time.Minute
	telemetryThreshold = 10
)

func (t *errorTelemetry) record(code string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totals[code]++

	window := t.recent[code]
	cutoff := now.Add(-telemetryWindow)
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	t.recent[code] = kept

	if len(kept) > telemetryThreshold && now.Sub(t.alerted[code]) > telemetryWindow {
		t.alerted[code] = now
		logrus.WithFields(logrus.Fields{
			"code":        code,
			"per_minute":  len(kept),
			"total_count": t.totals[code],
		}).Warn("elevated error rate")
	}
}

// ErrorCounts returns a snapshot of per-code totals since process start.
func ErrorCounts() map[string]int64 {
	telemetry.mu.Lock()
	defer telemetry.mu.Unlock()
	out := make(map[string]int64, len(telemetry.totals))
	for k, v := range telemetry.totals {
		out[k] = v
	}
	return out
}
