package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Circuit breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

const (
	// breakerEntryTTL is the KV lifetime of an open-state record. Losing
	// the record re-enables requests.
	breakerEntryTTL = 60 * time.Second

	// breakerOpenDuration is how long an open record reads as open before
	// reporting half-open.
	breakerOpenDuration = 30 * time.Second

	// breakerProbeTTL reserves the half-open probe slot for one worker.
	breakerProbeTTL = 10 * time.Second
)

type breakerRecord struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"` // unix seconds of openedAt
}

// CircuitBreaker is the per-(provider, model, mode) failure gate. State is
// advisory and shared across workers through the KV store; a KV outage fails
// open so requests keep flowing.
type CircuitBreaker struct {
	redis  *redis.Client
	logger *logrus.Logger
}

func NewCircuitBreaker(redisClient *redis.Client, logger *logrus.Logger) *CircuitBreaker {
	return &CircuitBreaker{redis: redisClient, logger: logger}
}

func breakerKey(provider, modelID string, stream bool) string {
	key := fmt.Sprintf("circuit_breaker:%s:%s", provider, modelID)
	if stream {
		key += ":stream"
	}
	return key
}

// State returns the current breaker state. Open records older than 30
// seconds read as half-open.
func (b *CircuitBreaker) State(ctx context.Context, provider, modelID string, stream bool) string {
	if b.redis == nil {
		return BreakerClosed
	}

	data, err := b.redis.Get(ctx, breakerKey(provider, modelID, stream)).Bytes()
	if err == redis.Nil {
		return BreakerClosed
	}
	if err != nil {
		b.logger.WithError(err).Warn("circuit breaker read failed, treating as closed")
		return BreakerClosed
	}

	var record breakerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return BreakerClosed
	}
	if record.Status != BreakerOpen {
		return BreakerClosed
	}

	openedAt := time.Unix(record.Timestamp, 0)
	if time.Since(openedAt) >= breakerOpenDuration {
		return BreakerHalfOpen
	}
	return BreakerOpen
}

// Allow reports whether a request may proceed, together with the observed
// state. In half-open, only the worker that wins the probe slot proceeds.
func (b *CircuitBreaker) Allow(ctx context.Context, provider, modelID string, stream bool) (string, bool) {
	state := b.State(ctx, provider, modelID, stream)
	switch state {
	case BreakerClosed:
		return state, true
	case BreakerOpen:
		return state, false
	}

	// Half-open: reserve the single probe.
	if b.redis == nil {
		return state, true
	}
	ok, err := b.redis.SetNX(ctx, breakerKey(provider, modelID, stream)+":probe", 1, breakerProbeTTL).Result()
	if err != nil {
		b.logger.WithError(err).Warn("circuit breaker probe reservation failed, allowing request")
		return state, true
	}
	return state, ok
}

// Trip opens the breaker, stamping openedAt with the current time.
func (b *CircuitBreaker) Trip(ctx context.Context, provider, modelID string, stream bool) {
	if b.redis == nil {
		return
	}
	record := breakerRecord{Status: BreakerOpen, Timestamp: time.Now().Unix()}
	data, _ := json.Marshal(record)
	if err := b.redis.Set(ctx, breakerKey(provider, modelID, stream), data, breakerEntryTTL).Err(); err != nil {
		b.logger.WithError(err).Warn("circuit breaker trip write failed")
		return
	}
	b.logger.WithFields(logrus.Fields{
		"provider": provider,
		"model":    modelID,
		"stream":   stream,
	}).Warn("circuit breaker opened")
}

// Reset closes the breaker after a successful half-open probe.
func (b *CircuitBreaker) Reset(ctx context.Context, provider, modelID string, stream bool) {
	if b.redis == nil {
		return
	}
	key := breakerKey(provider, modelID, stream)
	if err := b.redis.Del(ctx, key, key+":probe").Err(); err != nil {
		b.logger.WithError(err).Warn("circuit breaker reset failed")
	}
}
