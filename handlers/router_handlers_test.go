package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroroute/neuroroute/config"
	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services"
)

// stubRouter is a canned RouterService for handler tests.
type stubRouter struct {
	resp     *models.NormalizedResponse
	err      error
	degraded bool

	lastPrompt string
	lastModel  string
	lastOpts   *services.RoutingOptions
}

func (s *stubRouter) Route(ctx context.Context, prompt, modelID string, maxTokens int, temperature *float64, opts *services.RoutingOptions) (*models.NormalizedResponse, error) {
	s.lastPrompt, s.lastModel, s.lastOpts = prompt, modelID, opts
	return s.resp, s.err
}

func (s *stubRouter) RouteChat(ctx context.Context, messages []models.Message, modelID string, maxTokens int, temperature *float64, tools []models.ToolDefinition, toolChoice any, opts *services.RoutingOptions) (*models.NormalizedResponse, error) {
	s.lastModel, s.lastOpts = modelID, opts
	return s.resp, s.err
}

func (s *stubRouter) RouteStream(ctx context.Context, prompt, modelID string, maxTokens int, temperature *float64, opts *services.RoutingOptions) (<-chan models.StreamingChunk, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	ch := make(chan models.StreamingChunk, 2)
	ch <- models.StreamingChunk{Kind: models.ChunkText, Text: s.resp.Text}
	ch <- models.StreamingChunk{Kind: models.ChunkDone, FinishReason: "stop"}
	close(ch)
	return ch, s.resp.ModelUsed, nil
}

func (s *stubRouter) ListModels() []models.ModelInfo { return nil }
func (s *stubRouter) Degraded() bool                 { return s.degraded }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testConfig() *config.Config {
	return &config.Config{
		Routing: config.RoutingConfig{
			QualityOptimize:  true,
			FallbackEnabled:  true,
			FallbackLevels:   2,
			CacheStrategy:    services.CacheStrategyDefault,
			RequestTimeoutMs: 30000,
			MonitorFallbacks: true,
		},
		Features: config.FeatureFlags{EnableCache: true},
	}
}

func setupHandlerTest(router services.RouterService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewRouterHandlers(router, testConfig(), nil, nil, testLogger())
	engine := gin.New()
	engine.POST("/prompt", h.HandlePrompt)
	engine.POST("/chat", h.HandleChat)
	engine.GET("/models", h.HandleListModels)
	engine.GET("/health", h.HandleHealth)
	return engine
}

func okResponse() *models.NormalizedResponse {
	return &models.NormalizedResponse{
		Text:      "the answer",
		ModelUsed: "gpt-4.1",
		Tokens:    models.TokenUsage{Prompt: 4, Completion: 6, Total: 10},
		Classification: &models.ClassifiedIntent{
			Type:       models.IntentGeneral,
			Confidence: 0.7,
			Features:   []string{models.CapTextGeneration},
		},
	}
}

func postJSON(engine *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHandlePrompt_Success(t *testing.T) {
	router := &stubRouter{resp: okResponse()}
	engine := setupHandlerTest(router)

	w := postJSON(engine, "/prompt", gin.H{"prompt": "hello"})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "the answer", body["response"])
	assert.Equal(t, "gpt-4.1", body["model_used"])

	tokens := body["tokens"].(map[string]any)
	assert.EqualValues(t, 4, tokens["prompt"])
	assert.EqualValues(t, 6, tokens["completion"])
	assert.EqualValues(t, 10, tokens["total"])

	classification := body["classification"].(map[string]any)
	assert.Equal(t, "general", classification["intent"])
}

func TestHandlePrompt_LengthBounds(t *testing.T) {
	router := &stubRouter{resp: okResponse()}
	engine := setupHandlerTest(router)

	// Length 1 accepted.
	w := postJSON(engine, "/prompt", gin.H{"prompt": "a"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Length 10000 accepted.
	w = postJSON(engine, "/prompt", gin.H{"prompt": strings.Repeat("a", maxPromptLength)})
	assert.Equal(t, http.StatusOK, w.Code)

	// Empty rejected.
	w = postJSON(engine, "/prompt", gin.H{"prompt": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Over the cap rejected.
	w = postJSON(engine, "/prompt", gin.H{"prompt": strings.Repeat("a", maxPromptLength+1)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePrompt_OptionValidation(t *testing.T) {
	router := &stubRouter{resp: okResponse()}
	engine := setupHandlerTest(router)

	cases := []gin.H{
		{"temperature": 2.5},
		{"temperature": -0.1},
		{"topP": 1.5},
		{"frequencyPenalty": 3.0},
		{"presencePenalty": -2.5},
		{"maxTokens": 0},
		{"cacheStrategy": "bogus"},
	}
	for _, opts := range cases {
		w := postJSON(engine, "/prompt", gin.H{"prompt": "hello", "options": opts})
		assert.Equal(t, http.StatusBadRequest, w.Code, "options: %v", opts)
	}

	// Boundary values pass.
	w := postJSON(engine, "/prompt", gin.H{"prompt": "hello", "options": gin.H{
		"temperature": 2.0, "topP": 1.0, "frequencyPenalty": -2.0, "presencePenalty": 2.0,
	}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlePrompt_ErrorEnvelope(t *testing.T) {
	router := &stubRouter{err: models.NewError(models.ErrRouterAllModelsFailed, "router", "all candidate models failed")}
	engine := setupHandlerTest(router)

	w := postJSON(engine, "/prompt", gin.H{"prompt": "hello"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "all candidate models failed", body["error"])
	assert.Equal(t, "router_all_models_failed", body["code"])
	assert.EqualValues(t, 503, body["statusCode"])
	assert.NotEmpty(t, body["correlationId"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestHandlePrompt_OptionsOverrideDefaults(t *testing.T) {
	router := &stubRouter{resp: okResponse()}
	engine := setupHandlerTest(router)

	w := postJSON(engine, "/prompt", gin.H{"prompt": "hello", "options": gin.H{
		"costOptimize": true, "fallbackEnabled": false, "cacheStrategy": "none",
	}})
	require.Equal(t, http.StatusOK, w.Code)

	require.NotNil(t, router.lastOpts)
	assert.True(t, router.lastOpts.CostOptimize)
	assert.False(t, router.lastOpts.FallbackEnabled)
	assert.Equal(t, services.CacheStrategyNone, router.lastOpts.CacheStrategy)
	// Untouched defaults survive.
	assert.True(t, router.lastOpts.MonitorFallbacks)
}

func TestHandleChat_EmptyMessagesRejected(t *testing.T) {
	router := &stubRouter{resp: okResponse()}
	engine := setupHandlerTest(router)

	w := postJSON(engine, "/chat", gin.H{"messages": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChat_InvalidRoleRejected(t *testing.T) {
	router := &stubRouter{resp: okResponse()}
	engine := setupHandlerTest(router)

	w := postJSON(engine, "/chat", gin.H{"messages": []gin.H{{"role": "wizard", "content": "hi"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChat_AppendsAssistantTurn(t *testing.T) {
	router := &stubRouter{resp: okResponse()}
	engine := setupHandlerTest(router)

	w := postJSON(engine, "/chat", gin.H{"messages": []gin.H{{"role": "user", "content": "hi"}}})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	last := messages[1].(map[string]any)
	assert.Equal(t, "assistant", last["role"])
	assert.Equal(t, "the answer", last["content"])
}

func TestHandlePrompt_Streaming(t *testing.T) {
	router := &stubRouter{resp: okResponse()}
	engine := setupHandlerTest(router)

	w := postJSON(engine, "/prompt", gin.H{"prompt": "hello", "options": gin.H{"stream": true}})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "gpt-4.1", w.Header().Get("X-Model-Used"))
	assert.Contains(t, w.Body.String(), `data: `)
	assert.Contains(t, w.Body.String(), "data: [DONE]")
}

func TestHandleHealth(t *testing.T) {
	router := &stubRouter{}
	engine := setupHandlerTest(router)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])

	svcs := body["services"].(map[string]any)
	assert.Equal(t, "unknown", svcs["database"])
	assert.Equal(t, "disabled", svcs["redis"])

	cfg := body["config"].(map[string]any)
	assert.Equal(t, true, cfg["cache_enabled"])
}

func TestHandleHealth_DegradedRouter(t *testing.T) {
	router := &stubRouter{degraded: true}
	engine := setupHandlerTest(router)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}
