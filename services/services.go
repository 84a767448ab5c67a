package services

import (
	"context"

	"github.com/neuroroute/neuroroute/config"
	"github.com/neuroroute/neuroroute/models"
)

// Cache strategy modes.
const (
	CacheStrategyNone       = "none"
	CacheStrategyMinimal    = "minimal"
	CacheStrategyDefault    = "default"
	CacheStrategyAggressive = "aggressive"
)

// CacheService is the fingerprint-keyed response cache. Implementations
// swallow backend failures: reads report miss, writes are no-ops.
type CacheService interface {
	Get(ctx context.Context, key string) (*models.NormalizedResponse, bool)
	Set(ctx context.Context, key string, value *models.NormalizedResponse, ttlSeconds int)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context, prefix string)
}

// ConfigService is the runtime-mutable configuration and model registry.
type ConfigService interface {
	Get(ctx context.Context, key, def string) string
	Set(ctx context.Context, key, value string) error
	Reset(ctx context.Context, key string) error

	GetAPIKey(ctx context.Context, provider string) string
	SetAPIKey(ctx context.Context, provider, key string) error

	GetModelConfig(ctx context.Context, id string) (*models.ModelConfig, error)
	SetModelConfig(ctx context.Context, cfg *models.ModelConfig) error
	GetAllModelConfigs(ctx context.Context) ([]models.ModelConfig, error)

	// AddListener subscribes fn to change events for key, or for every key
	// when key is "*". Listener panics are isolated.
	AddListener(key string, fn func(models.ConfigChangeEvent))
}

// ClassifierService maps a prompt to its routing feature vector. It is a
// pure function of the prompt and must succeed on any input.
type ClassifierService interface {
	Classify(prompt string) *models.ClassifiedIntent
}

// RequestOptions are the per-call generation parameters recognized by every
// adapter. Zero values fall back to the documented defaults.
type RequestOptions struct {
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             []string
	Stream           bool
	TimeoutMs        int
	MaxRetries       *int
	InitialBackoffMs int

	Messages      []models.Message
	SystemMessage string
	Functions     []models.FunctionDefinition
	FunctionCall  any // "auto", "none" or {"name": ...}
	Tools         []models.ToolDefinition
	ToolChoice    any // "auto", "none" or {"type":"function","function":{"name":...}}
}

// AdapterDetails identifies an adapter and its context window.
type AdapterDetails struct {
	Provider      string `json:"provider"`
	Version       string `json:"version"`
	ContextWindow int    `json:"context_window"`
}

// ModelAdapter is the common generation contract every provider family
// implements. The router holds adapters by this interface only.
type ModelAdapter interface {
	IsAvailable(ctx context.Context) bool
	GetCapabilities() []string
	GetDetails() AdapterDetails
	GenerateCompletion(ctx context.Context, prompt string, opts *RequestOptions) (*models.NormalizedResponse, error)
	GenerateCompletionStream(ctx context.Context, prompt string, opts *RequestOptions) (<-chan models.StreamingChunk, error)
	CountTokens(text string) int
}

// RoutingOptions control one pass through the routing pipeline.
//
// A non-nil RoutingOptions is taken verbatim: zero-value booleans mean
// disabled, so callers overriding individual fields should start from
// DefaultRoutingOptions rather than a bare literal. Passing nil inherits the
// configured routing defaults.
type RoutingOptions struct {
	CostOptimize     bool
	QualityOptimize  bool
	LatencyOptimize  bool
	FallbackEnabled  bool
	ChainEnabled     bool
	CacheStrategy    string
	CacheTTL         int // seconds, 0 means configured base TTL
	FallbackLevels   int
	DegradedMode     bool
	TimeoutMs        int
	MonitorFallbacks bool
}

// DefaultRoutingOptions seeds a RoutingOptions from the configured routing
// defaults. This is the base both the HTTP layer and library callers fold
// per-request overrides over.
func DefaultRoutingOptions(def config.RoutingConfig) *RoutingOptions {
	return &RoutingOptions{
		CostOptimize:     def.CostOptimize,
		QualityOptimize:  def.QualityOptimize,
		LatencyOptimize:  def.LatencyOptimize,
		FallbackEnabled:  def.FallbackEnabled,
		ChainEnabled:     def.ChainEnabled,
		CacheStrategy:    def.CacheStrategy,
		FallbackLevels:   def.FallbackLevels,
		TimeoutMs:        def.RequestTimeoutMs,
		MonitorFallbacks: def.MonitorFallbacks,
	}
}

// RouterService orchestrates classify, select, invoke, fallback, chain and
// cache for each request.
type RouterService interface {
	Route(ctx context.Context, prompt string, modelID string, maxTokens int, temperature *float64, opts *RoutingOptions) (*models.NormalizedResponse, error)
	RouteChat(ctx context.Context, messages []models.Message, modelID string, maxTokens int, temperature *float64, tools []models.ToolDefinition, toolChoice any, opts *RoutingOptions) (*models.NormalizedResponse, error)

	// RouteStream opens a streaming completion on the selected model and
	// returns the chunk channel with the chosen model id. Responses are not
	// cached; fallback applies only before the first chunk.
	RouteStream(ctx context.Context, prompt string, modelID string, maxTokens int, temperature *float64, opts *RoutingOptions) (<-chan models.StreamingChunk, string, error)

	// ListModels returns the current registry projection, runtime state
	// included.
	ListModels() []models.ModelInfo

	// Degraded reports whether the process is in global degraded mode.
	Degraded() bool
}
