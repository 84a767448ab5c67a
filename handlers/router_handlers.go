package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/neuroroute/neuroroute/config"
	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services"
)

const (
	maxPromptLength = 10000

	// Version is reported by the health endpoint.
	Version = "1.0.0"
)

type RouterHandlers struct {
	routerService services.RouterService
	cfg           *config.Config
	db            *gorm.DB
	redis         *redis.Client
	logger        *logrus.Logger
	startedAt     time.Time
}

func NewRouterHandlers(routerService services.RouterService, cfg *config.Config, db *gorm.DB, redisClient *redis.Client, logger *logrus.Logger) *RouterHandlers {
	return &RouterHandlers{
		routerService: routerService,
		cfg:           cfg,
		db:            db,
		redis:         redisClient,
		logger:        logger,
		startedAt:     time.Now(),
	}
}

// promptOptions is the options block accepted on /prompt and /chat. Pointer
// fields distinguish absent from zero.
type promptOptions struct {
	MaxTokens        *int     `json:"maxTokens"`
	Temperature      *float64 `json:"temperature"`
	TopP             *float64 `json:"topP"`
	FrequencyPenalty *float64 `json:"frequencyPenalty"`
	PresencePenalty  *float64 `json:"presencePenalty"`
	Stop             []string `json:"stop"`
	Stream           bool     `json:"stream"`

	CostOptimize     *bool  `json:"costOptimize"`
	QualityOptimize  *bool  `json:"qualityOptimize"`
	LatencyOptimize  *bool  `json:"latencyOptimize"`
	FallbackEnabled  *bool  `json:"fallbackEnabled"`
	ChainEnabled     *bool  `json:"chainEnabled"`
	CacheStrategy    string `json:"cacheStrategy"`
	CacheTTL         int    `json:"cacheTTL"`
	FallbackLevels   int    `json:"fallbackLevels"`
	DegradedMode     *bool  `json:"degradedMode"`
	TimeoutMs        int    `json:"timeoutMs"`
	MonitorFallbacks *bool  `json:"monitorFallbacks"`
}

type promptRequest struct {
	Prompt  string         `json:"prompt"`
	Model   string         `json:"model"`
	Options *promptOptions `json:"options"`
}

type chatRequest struct {
	Messages   []models.Message        `json:"messages"`
	Model      string                  `json:"model"`
	Tools      []models.ToolDefinition `json:"tools"`
	ToolChoice any                     `json:"toolChoice"`
	Options    *promptOptions          `json:"options"`
}

// writeError renders the structured error envelope for any error reaching the
// boundary.
func writeError(c *gin.Context, err error) {
	re := models.AsRouterError(err)
	body := gin.H{
		"error":         re.Message,
		"code":          re.Code,
		"statusCode":    re.StatusCode,
		"correlationId": re.CorrelationID,
		"timestamp":     re.Timestamp.Format(time.RFC3339),
	}
	if reqID := c.GetHeader("X-Request-ID"); reqID != "" {
		body["requestId"] = reqID
	}
	c.JSON(re.StatusCode, body)
}

func validateOptions(o *promptOptions) error {
	if o == nil {
		return nil
	}
	if o.MaxTokens != nil && *o.MaxTokens <= 0 {
		return models.NewError(models.ErrBadRequest, "api", "maxTokens must be positive")
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return models.NewError(models.ErrBadRequest, "api", "temperature must be between 0 and 2")
	}
	if o.TopP != nil && (*o.TopP < 0 || *o.TopP > 1) {
		return models.NewError(models.ErrBadRequest, "api", "topP must be between 0 and 1")
	}
	if o.FrequencyPenalty != nil && (*o.FrequencyPenalty < -2 || *o.FrequencyPenalty > 2) {
		return models.NewError(models.ErrBadRequest, "api", "frequencyPenalty must be between -2 and 2")
	}
	if o.PresencePenalty != nil && (*o.PresencePenalty < -2 || *o.PresencePenalty > 2) {
		return models.NewError(models.ErrBadRequest, "api", "presencePenalty must be between -2 and 2")
	}
	switch o.CacheStrategy {
	case "", services.CacheStrategyDefault, services.CacheStrategyAggressive,
		services.CacheStrategyMinimal, services.CacheStrategyNone:
	default:
		return models.NewError(models.ErrBadRequest, "api", fmt.Sprintf("unknown cacheStrategy %q", o.CacheStrategy))
	}
	if o.CacheTTL < 0 {
		return models.NewError(models.ErrBadRequest, "api", "cacheTTL must be positive")
	}
	return nil
}

// routingOptions folds request overrides over the configured defaults.
func (h *RouterHandlers) routingOptions(o *promptOptions) *services.RoutingOptions {
	opts := services.DefaultRoutingOptions(h.cfg.Routing)
	if o == nil {
		return opts
	}
	if o.CostOptimize != nil {
		opts.CostOptimize = *o.CostOptimize
	}
	if o.QualityOptimize != nil {
		opts.QualityOptimize = *o.QualityOptimize
	}
	if o.LatencyOptimize != nil {
		opts.LatencyOptimize = *o.LatencyOptimize
	}
	if o.FallbackEnabled != nil {
		opts.FallbackEnabled = *o.FallbackEnabled
	}
	if o.ChainEnabled != nil {
		opts.ChainEnabled = *o.ChainEnabled
	}
	if o.CacheStrategy != "" {
		opts.CacheStrategy = o.CacheStrategy
	}
	if o.CacheTTL > 0 {
		opts.CacheTTL = o.CacheTTL
	}
	if o.FallbackLevels > 0 {
		opts.FallbackLevels = o.FallbackLevels
	}
	if o.DegradedMode != nil {
		opts.DegradedMode = *o.DegradedMode
	}
	if o.TimeoutMs > 0 {
		opts.TimeoutMs = o.TimeoutMs
	}
	if o.MonitorFallbacks != nil {
		opts.MonitorFallbacks = *o.MonitorFallbacks
	}
	return opts
}

// responseEnvelope maps a NormalizedResponse onto the public wire shape.
func responseEnvelope(resp *models.NormalizedResponse) gin.H {
	body := gin.H{
		"response":   resp.Text,
		"model_used": resp.ModelUsed,
		"tokens": gin.H{
			"prompt":     resp.Tokens.Prompt,
			"completion": resp.Tokens.Completion,
			"total":      resp.Tokens.Total,
		},
		"cached":          resp.Cached,
		"processing_time": resp.ProcessingTimeSec,
	}
	if resp.Cost > 0 {
		body["cost"] = resp.Cost
	}
	if c := resp.Classification; c != nil {
		classification := gin.H{
			"intent":     c.Type,
			"confidence": c.Confidence,
			"complexity": c.Complexity,
			"features":   c.Features,
		}
		if c.Domain != "" {
			classification["domain"] = c.Domain
		}
		body["classification"] = classification
	}
	if len(resp.ModelChain) > 0 {
		body["model_chain"] = resp.ModelChain
	}
	if resp.FunctionCall != nil {
		body["function_call"] = resp.FunctionCall
	}
	if len(resp.ToolCalls) > 0 {
		body["tool_calls"] = resp.ToolCalls
	}
	if len(resp.Messages) > 0 {
		body["messages"] = resp.Messages
	}
	return body
}

func (h *RouterHandlers) HandlePrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, models.NewError(models.ErrBadRequest, "api", "invalid request body").WithCause(err))
		return
	}
	if len(req.Prompt) == 0 || len(req.Prompt) > maxPromptLength {
		writeError(c, models.NewError(models.ErrBadRequest, "api",
			fmt.Sprintf("prompt length must be between 1 and %d characters", maxPromptLength)))
		return
	}
	if err := validateOptions(req.Options); err != nil {
		writeError(c, err)
		return
	}

	maxTokens := 0
	var temperature *float64
	if req.Options != nil {
		if req.Options.MaxTokens != nil {
			maxTokens = *req.Options.MaxTokens
		}
		temperature = req.Options.Temperature
	}
	opts := h.routingOptions(req.Options)

	if req.Options != nil && req.Options.Stream {
		h.streamPrompt(c, req.Prompt, req.Model, maxTokens, temperature, opts)
		return
	}

	resp, err := h.routerService.Route(c.Request.Context(), req.Prompt, req.Model, maxTokens, temperature, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, responseEnvelope(resp))
}

// streamPrompt relays the adapter stream to the client as data-framed SSE
// lines terminated by [DONE].
func (h *RouterHandlers) streamPrompt(c *gin.Context, prompt, modelID string, maxTokens int, temperature *float64, opts *services.RoutingOptions) {
	ch, used, err := h.routerService.RouteStream(c.Request.Context(), prompt, modelID, maxTokens, temperature, opts)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Model-Used", used)

	flusher, _ := c.Writer.(http.Flusher)
	for chunk := range ch {
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
		if chunk.Kind == models.ChunkDone || chunk.Kind == models.ChunkError {
			break
		}
	}
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (h *RouterHandlers) HandleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, models.NewError(models.ErrBadRequest, "api", "invalid request body").WithCause(err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(c, models.NewError(models.ErrBadRequest, "api", "messages must not be empty"))
		return
	}
	for i, m := range req.Messages {
		if !models.ValidRole(m.Role) {
			writeError(c, models.NewError(models.ErrBadRequest, "api",
				fmt.Sprintf("message %d has invalid role %q", i, m.Role)))
			return
		}
	}
	if err := validateOptions(req.Options); err != nil {
		writeError(c, err)
		return
	}

	maxTokens := 0
	var temperature *float64
	if req.Options != nil {
		if req.Options.MaxTokens != nil {
			maxTokens = *req.Options.MaxTokens
		}
		temperature = req.Options.Temperature
	}
	opts := h.routingOptions(req.Options)

	resp, err := h.routerService.RouteChat(c.Request.Context(), req.Messages, req.Model, maxTokens, temperature, req.Tools, req.ToolChoice, opts)
	if err != nil {
		writeError(c, err)
		return
	}

	// The conversation plus the assistant turn rides along on chat responses.
	assistant := models.Message{Role: models.RoleAssistant, Content: resp.Text}
	if resp.FunctionCall != nil {
		assistant.FunctionCall = resp.FunctionCall
	}
	if len(resp.ToolCalls) > 0 {
		assistant.ToolCalls = resp.ToolCalls
	}
	resp.Messages = append(append([]models.Message{}, req.Messages...), assistant)

	c.JSON(http.StatusOK, responseEnvelope(resp))
}

func (h *RouterHandlers) HandleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.routerService.ListModels()})
}

func (h *RouterHandlers) HandleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "unknown"
	if h.db != nil {
		if sqlDB, err := h.db.DB(); err == nil && sqlDB.PingContext(ctx) == nil {
			dbStatus = "ok"
		} else {
			dbStatus = "error"
		}
	}

	redisStatus := "disabled"
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err == nil {
			redisStatus = "ok"
		} else {
			redisStatus = "error"
		}
	}

	status := "ok"
	switch {
	case dbStatus == "error":
		status = "error"
	case h.routerService.Degraded() || redisStatus == "error":
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
		"uptime":    time.Since(h.startedAt).Seconds(),
		"services": gin.H{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"config": gin.H{
			"cache_enabled":   h.cfg.Features.EnableCache,
			"swagger_enabled": h.cfg.Features.EnableSwagger,
		},
	})
}
