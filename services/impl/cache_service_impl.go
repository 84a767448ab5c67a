package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services"
)

const (
	// CacheKeyPrefix namespaces all response cache keys in the KV store.
	CacheKeyPrefix = "neuroroute:cache:"

	// DefaultCacheTTL is the base TTL before classification multipliers.
	DefaultCacheTTL = 300

	// minimalStrategyMinPromptLen is the read cutoff for the minimal
	// strategy: shorter prompts skip the cache lookup.
	minimalStrategyMinPromptLen = 50
)

// cacheServiceImpl implements CacheService using Redis with an in-memory
// fallback. Backend failures never propagate to the router.
type cacheServiceImpl struct {
	memCache map[string]memCacheEntry
	mu       sync.RWMutex

	redis    *redis.Client
	useRedis bool
	enabled  bool
	logger   *logrus.Logger
}

type memCacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewCacheService creates the response cache. A nil Redis client selects the
// in-memory backend; enabled=false disables caching entirely.
func NewCacheService(redisClient *redis.Client, enabled bool, logger *logrus.Logger) services.CacheService {
	return &cacheServiceImpl{
		memCache: make(map[string]memCacheEntry),
		redis:    redisClient,
		useRedis: redisClient != nil,
		enabled:  enabled,
		logger:   logger,
	}
}

func (s *cacheServiceImpl) Get(ctx context.Context, key string) (*models.NormalizedResponse, bool) {
	if !s.enabled {
		return nil, false
	}

	prefixed := CacheKeyPrefix + key

	if s.useRedis {
		data, err := s.redis.Get(ctx, prefixed).Bytes()
		if err == nil {
			var resp models.NormalizedResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				// Corrupt entry, drop it and report miss.
				s.redis.Del(ctx, prefixed)
				return nil, false
			}
			return &resp, true
		}
		if err != redis.Nil {
			s.logger.WithError(err).Warn("cache read failed, treating as miss")
		}
		return nil, false
	}

	return s.getFromMemCache(prefixed)
}

func (s *cacheServiceImpl) getFromMemCache(prefixed string) (*models.NormalizedResponse, bool) {
	s.mu.RLock()
	entry, exists := s.memCache[prefixed]
	s.mu.RUnlock()

	if !exists {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.memCache, prefixed)
		s.mu.Unlock()
		return nil, false
	}

	var resp models.NormalizedResponse
	if err := json.Unmarshal(entry.data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (s *cacheServiceImpl) Set(ctx context.Context, key string, value *models.NormalizedResponse, ttlSeconds int) {
	if !s.enabled || value == nil {
		return
	}
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultCacheTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.WithError(err).Warn("cache write skipped: marshal failed")
		return
	}

	prefixed := CacheKeyPrefix + key
	ttl := time.Duration(ttlSeconds) * time.Second

	if s.useRedis {
		if err := s.redis.Set(ctx, prefixed, data, ttl).Err(); err != nil {
			s.logger.WithError(err).Warn("cache write failed")
		}
		return
	}

	s.mu.Lock()
	s.memCache[prefixed] = memCacheEntry{data: data, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

func (s *cacheServiceImpl) Delete(ctx context.Context, key string) {
	if !s.enabled {
		return
	}
	prefixed := CacheKeyPrefix + key
	if s.useRedis {
		if err := s.redis.Del(ctx, prefixed).Err(); err != nil {
			s.logger.WithError(err).Warn("cache delete failed")
		}
		return
	}
	s.mu.Lock()
	delete(s.memCache, prefixed)
	s.mu.Unlock()
}

func (s *cacheServiceImpl) Clear(ctx context.Context, prefix string) {
	if !s.enabled {
		return
	}
	prefixed := CacheKeyPrefix + prefix

	if s.useRedis {
		var cursor uint64
		for {
			keys, next, err := s.redis.Scan(ctx, cursor, prefixed+"*", 100).Result()
			if err != nil {
				s.logger.WithError(err).Warn("cache clear scan failed")
				return
			}
			if len(keys) > 0 {
				s.redis.Del(ctx, keys...)
			}
			cursor = next
			if cursor == 0 {
				return
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.memCache {
		if len(key) >= len(prefixed) && key[:len(prefixed)] == prefixed {
			delete(s.memCache, key)
		}
	}
}

// fingerprintInput is the canonical form hashed into a cache key. Field
// order is fixed; json.Marshal keeps struct order deterministic.
type fingerprintInput struct {
	Prompt      string           `json:"prompt,omitempty"`
	Messages    []models.Message `json:"messages,omitempty"`
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	Tools       string           `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

// Fingerprint derives the deterministic cache key for a request. modelID
// "auto" stands for router-selected.
func Fingerprint(prompt string, messages []models.Message, modelID string, maxTokens int, temperature float64, tools []models.ToolDefinition, toolChoice any) string {
	if modelID == "" {
		modelID = "auto"
	}
	in := fingerprintInput{
		Prompt:      prompt,
		Messages:    messages,
		Model:       modelID,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if len(tools) > 0 {
		in.Tools = hashJSON(tools)
	}
	if toolChoice != nil {
		in.ToolChoice = hashJSON(toolChoice)
	}
	return hashJSON(in)
}

func hashJSON(v any) string {
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// ShouldConsultCache applies the strategy's read policy for the given prompt.
func ShouldConsultCache(strategy, prompt string) bool {
	switch strategy {
	case services.CacheStrategyNone:
		return false
	case services.CacheStrategyMinimal:
		return len(prompt) >= minimalStrategyMinPromptLen
	default:
		return true
	}
}

// ComputeCacheTTL derives the entry TTL from the base TTL, the strategy and
// the classification. At most one classification multiplier applies; when a
// factual-simple prompt qualifies for two, the larger wins. The aggressive
// strategy doubles the base before multipliers.
func ComputeCacheTTL(baseTTL int, strategy string, c *models.ClassifiedIntent) int {
	if baseTTL <= 0 {
		baseTTL = DefaultCacheTTL
	}
	t := float64(baseTTL)
	if strategy == services.CacheStrategyAggressive {
		t *= 2
	}
	if c == nil {
		return int(t)
	}

	typeMult := 1.0
	switch c.Type {
	case models.IntentFactual, models.IntentMathematical:
		typeMult = 2.0
	case models.IntentConversational:
		typeMult = 0.5
	}

	complexityMult := 1.0
	switch c.Complexity {
	case models.ComplexitySimple:
		complexityMult = 1.5
	case models.ComplexityVeryComplex:
		complexityMult = 1.0 / 1.5
	}

	mult := typeMult
	if complexityMult != 1.0 && (typeMult == 1.0 || complexityMult > typeMult) {
		mult = complexityMult
	}
	return int(t * mult)
}
