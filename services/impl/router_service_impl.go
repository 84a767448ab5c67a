package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/neuroroute/neuroroute/config"
	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services"
)

const (
	// DegradedModelName marks a synthetic response produced when every
	// routing option has failed.
	DegradedModelName = "degraded_mode"

	degradedApology = "I'm sorry, I'm currently unable to process your request because all language models are unavailable. Please try again in a moment."

	chainIntermediateMaxTokens = 2048
	chainMaxModels             = 3

	fallbackWarnPerHour        = 3
	fallbackFailureErrorStreak = 2
)

// registeredModel pairs a registry projection with its live adapter and
// rolling latency window.
type registeredModel struct {
	info    models.ModelInfo
	adapter services.ModelAdapter
	latency *models.LatencyWindow
}

// routerServiceImpl orchestrates the full routing pipeline: classify, cache,
// select, invoke, fallback, chain and degraded handling.
type routerServiceImpl struct {
	cfg        *config.Config
	configSvc  services.ConfigService
	cacheSvc   services.CacheService
	classifier services.ClassifierService
	breaker    *CircuitBreaker
	logger     *logrus.Logger

	mu       sync.RWMutex
	registry map[string]*registeredModel

	fallbacks *fallbackTracker
	degraded  atomic.Bool

	cron *cron.Cron
}

// NewRouterService builds the router, loads (seeding if empty) the model
// registry and starts the background maintenance schedule. The returned stop
// function halts the schedule; call it on shutdown.
func NewRouterService(cfg *config.Config, configSvc services.ConfigService, cacheSvc services.CacheService, classifier services.ClassifierService, breaker *CircuitBreaker, logger *logrus.Logger) (services.RouterService, func(), error) {
	r := &routerServiceImpl{
		cfg:        cfg,
		configSvc:  configSvc,
		cacheSvc:   cacheSvc,
		classifier: classifier,
		breaker:    breaker,
		logger:     logger,
		registry:   make(map[string]*registeredModel),
		fallbacks:  newFallbackTracker(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.refreshRegistry(ctx); err != nil {
		return nil, nil, fmt.Errorf("initial registry load: %w", err)
	}
	r.probeAvailability(ctx)

	// Registry writes through the dynamic config invalidate the in-memory
	// projection ahead of the scheduled refresh.
	configSvc.AddListener("*", func(ev models.ConfigChangeEvent) {
		if !strings.HasPrefix(ev.Key, "model.") {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.refreshRegistry(ctx); err != nil {
			logger.WithError(err).Warn("registry refresh after config change failed")
		}
	})

	c := cron.New()
	c.AddFunc("@every 5m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		r.probeAvailability(ctx)
	})
	c.AddFunc("@every 15m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.refreshRegistry(ctx); err != nil {
			logger.WithError(err).Warn("scheduled registry refresh failed")
		}
	})
	c.AddFunc("@every 1h", func() {
		r.fallbacks.reset()
	})
	c.Start()
	r.cron = c

	return r, func() { c.Stop() }, nil
}

func (r *routerServiceImpl) Degraded() bool {
	return r.degraded.Load()
}

func (r *routerServiceImpl) ListModels() []models.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ModelInfo, 0, len(r.registry))
	for _, m := range r.registry {
		info := m.info
		info.Latency = m.latency.Average()
		if info.Latency == 0 {
			info.Latency = m.info.Latency
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *routerServiceImpl) Route(ctx context.Context, prompt string, modelID string, maxTokens int, temperature *float64, opts *services.RoutingOptions) (*models.NormalizedResponse, error) {
	return r.route(ctx, prompt, nil, modelID, maxTokens, temperature, nil, nil, opts)
}

func (r *routerServiceImpl) RouteChat(ctx context.Context, messages []models.Message, modelID string, maxTokens int, temperature *float64, tools []models.ToolDefinition, toolChoice any, opts *services.RoutingOptions) (*models.NormalizedResponse, error) {
	if len(messages) == 0 {
		return nil, models.NewError(models.ErrBadRequest, "router", "messages must not be empty")
	}
	return r.route(ctx, "", messages, modelID, maxTokens, temperature, tools, toolChoice, opts)
}

// RouteStream selects a model the same way Route does and opens a streaming
// completion on it. Fallback applies only until a stream is established;
// nothing is cached.
func (r *routerServiceImpl) RouteStream(ctx context.Context, prompt string, modelID string, maxTokens int, temperature *float64, ropts *services.RoutingOptions) (<-chan models.StreamingChunk, string, error) {
	o := r.normalizeOptions(ropts)
	if r.degraded.Load() {
		o.DegradedMode = true
	}
	classification := r.classifier.Classify(prompt)

	var candidates []*registeredModel
	if modelID != "" {
		m := r.model(modelID)
		if m == nil {
			return nil, "", models.NewError(models.ErrNotFound, "router", fmt.Sprintf("model %s is not registered", modelID))
		}
		candidates = []*registeredModel{m}
		if o.FallbackEnabled {
			fbs := r.fallbackCandidates(m, classification)
			if len(fbs) > o.FallbackLevels {
				fbs = fbs[:o.FallbackLevels]
			}
			candidates = append(candidates, fbs...)
		}
	} else {
		primary := r.selectModel(classification, &o)
		if primary == nil {
			if o.DegradedMode {
				return r.degradedStream(classification), DegradedModelName, nil
			}
			return nil, "", models.NewError(models.ErrRouterNoModels, "router", "no models available for request")
		}
		candidates = []*registeredModel{primary}
		if o.FallbackEnabled {
			fbs := r.fallbackCandidates(primary, classification)
			if len(fbs) > o.FallbackLevels {
				fbs = fbs[:o.FallbackLevels]
			}
			candidates = append(candidates, fbs...)
		}
	}

	opts := services.RequestOptions{
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      true,
		TimeoutMs:   o.TimeoutMs,
	}
	var lastErr error
	for _, m := range candidates {
		if !m.info.Available {
			continue
		}
		ch, err := m.adapter.GenerateCompletionStream(ctx, prompt, &opts)
		if err == nil {
			return ch, m.info.ID, nil
		}
		lastErr = err
		r.logger.WithError(err).WithField("model", m.info.ID).Warn("streaming open failed")
	}

	if o.DegradedMode {
		return r.degradedStream(classification), DegradedModelName, nil
	}
	if lastErr == nil {
		lastErr = models.NewError(models.ErrRouterNoModels, "router", "no models available for request")
	}
	return nil, "", models.NewError(models.ErrRouterAllModelsFailed, "router", "all candidate models failed").WithCause(lastErr)
}

// degradedStream emits the degraded placeholder as a single text chunk.
func (r *routerServiceImpl) degradedStream(classification *models.ClassifiedIntent) <-chan models.StreamingChunk {
	out := make(chan models.StreamingChunk, 2)
	out <- models.StreamingChunk{Kind: models.ChunkText, Text: r.degradedResponse(classification, nil).Text}
	out <- models.StreamingChunk{Kind: models.ChunkDone, FinishReason: "stop"}
	close(out)
	return out
}

func (r *routerServiceImpl) normalizeOptions(opts *services.RoutingOptions) services.RoutingOptions {
	// A non-nil options block is taken verbatim; nil inherits the configured
	// routing defaults. Callers overriding single fields start from
	// services.DefaultRoutingOptions.
	var o services.RoutingOptions
	if opts != nil {
		o = *opts
	} else {
		o = *services.DefaultRoutingOptions(r.cfg.Routing)
	}
	if !o.CostOptimize && !o.QualityOptimize && !o.LatencyOptimize {
		o.QualityOptimize = true
	}
	if o.FallbackLevels <= 0 {
		o.FallbackLevels = r.cfg.Routing.FallbackLevels
		if o.FallbackLevels <= 0 {
			o.FallbackLevels = 2
		}
	}
	if o.CacheStrategy == "" {
		o.CacheStrategy = r.cfg.Routing.CacheStrategy
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = r.cfg.Redis.CacheTTL
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = r.cfg.Routing.RequestTimeoutMs
		if o.TimeoutMs <= 0 {
			o.TimeoutMs = 30000
		}
	}
	return o
}

func (r *routerServiceImpl) route(ctx context.Context, prompt string, messages []models.Message, modelID string, maxTokens int, temperature *float64, tools []models.ToolDefinition, toolChoice any, ropts *services.RoutingOptions) (*models.NormalizedResponse, error) {
	o := r.normalizeOptions(ropts)
	if r.degraded.Load() {
		o.DegradedMode = true
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(o.TimeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()

	classifyInput := prompt
	if len(messages) > 0 {
		classifyInput = models.LastUserContent(messages)
	}

	temp := defaultTemperature
	if temperature != nil {
		temp = *temperature
	}
	key := Fingerprint(prompt, messages, modelID, maxTokens, temp, tools, toolChoice)

	if ShouldConsultCache(o.CacheStrategy, classifyInput) {
		if cached, ok := r.cacheSvc.Get(ctx, key); ok {
			cached.Cached = true
			r.logger.WithFields(logrus.Fields{
				"model":     cached.ModelUsed,
				"cache_key": key,
			}).Info("cache hit")
			return cached, nil
		}
	}

	classification := r.classifier.Classify(classifyInput)

	resp, err := r.dispatch(ctx, prompt, messages, modelID, maxTokens, temperature, tools, toolChoice, classification, &o)
	if err != nil {
		return nil, err
	}

	resp.Classification = classification
	resp.ProcessingTimeSec = time.Since(start).Seconds()

	r.logger.WithFields(logrus.Fields{
		"model":          resp.ModelUsed,
		"intent":         classification.Type,
		"complexity":     classification.Complexity,
		"tokens_total":   resp.Tokens.Total,
		"cost":           resp.Cost,
		"cached":         resp.Cached,
		"processing_sec": resp.ProcessingTimeSec,
	}).Info("request routed")

	if o.CacheStrategy != services.CacheStrategyNone && resp.ModelUsed != DegradedModelName {
		ttl := ComputeCacheTTL(o.CacheTTL, o.CacheStrategy, classification)
		r.cacheSvc.Set(ctx, key, resp, ttl)
	}
	return resp, nil
}

// dispatch applies routing steps 3-6: explicit model, chain, selection,
// fallback and degraded handling.
func (r *routerServiceImpl) dispatch(ctx context.Context, prompt string, messages []models.Message, modelID string, maxTokens int, temperature *float64, tools []models.ToolDefinition, toolChoice any, classification *models.ClassifiedIntent, o *services.RoutingOptions) (*models.NormalizedResponse, error) {
	if modelID != "" {
		return r.dispatchExplicit(ctx, prompt, messages, modelID, maxTokens, temperature, tools, toolChoice, classification, o)
	}

	if o.ChainEnabled && shouldChain(classification) {
		if resp, ok := r.runChain(ctx, prompt, maxTokens, temperature, classification, o); ok {
			return resp, nil
		}
		// Empty chain falls through to single-model selection.
	}

	primary := r.selectModel(classification, o)
	if primary == nil {
		if o.DegradedMode {
			return r.degradedResponse(classification, nil), nil
		}
		return nil, models.NewError(models.ErrRouterNoModels, "router", "no models available for request")
	}

	resp, err := r.invoke(ctx, primary, prompt, messages, maxTokens, temperature, tools, toolChoice)
	if err == nil {
		return resp, nil
	}

	if o.FallbackEnabled {
		if resp, fbErr := r.runFallback(ctx, primary, prompt, messages, maxTokens, temperature, tools, toolChoice, classification, o); fbErr == nil {
			return resp, nil
		}
	}
	if o.DegradedMode {
		return r.degradedResponse(classification, err), nil
	}
	return nil, models.NewError(models.ErrRouterAllModelsFailed, "router", "all candidate models failed").WithCause(err)
}

func (r *routerServiceImpl) dispatchExplicit(ctx context.Context, prompt string, messages []models.Message, modelID string, maxTokens int, temperature *float64, tools []models.ToolDefinition, toolChoice any, classification *models.ClassifiedIntent, o *services.RoutingOptions) (*models.NormalizedResponse, error) {
	m := r.model(modelID)
	if m == nil {
		return nil, models.NewError(models.ErrNotFound, "router", fmt.Sprintf("model %s is not registered", modelID))
	}

	var invokeErr error
	if m.info.Available {
		resp, err := r.invoke(ctx, m, prompt, messages, maxTokens, temperature, tools, toolChoice)
		if err == nil {
			return resp, nil
		}
		invokeErr = err
	} else {
		invokeErr = models.NewError(models.ErrModelUnavailable, "router", fmt.Sprintf("model %s is unavailable", modelID))
	}

	if o.FallbackEnabled {
		if resp, err := r.runFallback(ctx, m, prompt, messages, maxTokens, temperature, tools, toolChoice, classification, o); err == nil {
			return resp, nil
		}
	}
	if o.DegradedMode {
		return r.degradedResponse(classification, invokeErr), nil
	}
	return nil, models.NewError(models.ErrRouterAllModelsFailed, "router", "all candidate models failed").WithCause(invokeErr)
}

func (r *routerServiceImpl) model(id string) *registeredModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry[id]
}

func (r *routerServiceImpl) availableModels() []*registeredModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*registeredModel, 0, len(r.registry))
	for _, m := range r.registry {
		if m.info.Available {
			out = append(out, m)
		}
	}
	return out
}

// selectModel filters available models to those covering the classified
// features (maximum coverage when none cover all) and sorts by the single
// active optimization axis. Ties break on model id for determinism.
func (r *routerServiceImpl) selectModel(classification *models.ClassifiedIntent, o *services.RoutingOptions) *registeredModel {
	candidates := r.availableModels()
	if len(candidates) == 0 {
		return nil
	}

	required := classification.Features
	full := candidates[:0:0]
	for _, m := range candidates {
		if m.info.Covers(required) {
			full = append(full, m)
		}
	}
	if len(full) > 0 {
		candidates = full
	} else {
		best := 0
		for _, m := range candidates {
			if c := m.info.Coverage(required); c > best {
				best = c
			}
		}
		partial := candidates[:0:0]
		for _, m := range candidates {
			if m.info.Coverage(required) == best {
				partial = append(partial, m)
			}
		}
		candidates = partial
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].info, candidates[j].info
		switch {
		case o.CostOptimize:
			if a.Cost != b.Cost {
				return a.Cost < b.Cost
			}
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if a.Quality != b.Quality {
				return a.Quality > b.Quality
			}
		case o.LatencyOptimize:
			la, lb := r.effectiveLatency(candidates[i]), r.effectiveLatency(candidates[j])
			if la != lb {
				return la < lb
			}
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if a.Quality != b.Quality {
				return a.Quality > b.Quality
			}
		default: // quality
			if a.Quality != b.Quality {
				return a.Quality > b.Quality
			}
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if a.Cost != b.Cost {
				return a.Cost < b.Cost
			}
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

func (r *routerServiceImpl) effectiveLatency(m *registeredModel) float64 {
	if avg := m.latency.Average(); avg > 0 {
		return avg
	}
	return m.info.Latency
}

// fallbackCandidates orders alternatives for a failed primary: same provider,
// capability superset, feature cover, then remaining by quality. First
// occurrence wins; the primary itself is never a candidate.
func (r *routerServiceImpl) fallbackCandidates(primary *registeredModel, classification *models.ClassifiedIntent) []*registeredModel {
	available := r.availableModels()

	var sameProvider, superset, featureCover, rest []*registeredModel
	for _, m := range available {
		if m.info.ID == primary.info.ID {
			continue
		}
		switch {
		case m.info.Provider == primary.info.Provider:
			sameProvider = append(sameProvider, m)
		case m.info.Covers(primary.info.Capabilities):
			superset = append(superset, m)
		case m.info.Covers(classification.Features):
			featureCover = append(featureCover, m)
		default:
			rest = append(rest, m)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].info.Quality != rest[j].info.Quality {
			return rest[i].info.Quality > rest[j].info.Quality
		}
		return rest[i].info.ID < rest[j].info.ID
	})

	seen := make(map[string]bool)
	var out []*registeredModel
	for _, group := range [][]*registeredModel{sameProvider, superset, featureCover, rest} {
		for _, m := range group {
			if !seen[m.info.ID] {
				seen[m.info.ID] = true
				out = append(out, m)
			}
		}
	}
	return out
}

func (r *routerServiceImpl) runFallback(ctx context.Context, primary *registeredModel, prompt string, messages []models.Message, maxTokens int, temperature *float64, tools []models.ToolDefinition, toolChoice any, classification *models.ClassifiedIntent, o *services.RoutingOptions) (*models.NormalizedResponse, error) {
	candidates := r.fallbackCandidates(primary, classification)
	if len(candidates) > o.FallbackLevels {
		candidates = candidates[:o.FallbackLevels]
	}

	var lastErr error
	for _, fb := range candidates {
		pair := primary.info.ID + "->" + fb.info.ID
		if o.MonitorFallbacks {
			if count := r.fallbacks.recordAttempt(pair); count >= fallbackWarnPerHour {
				r.logger.WithFields(logrus.Fields{
					"pair":     pair,
					"per_hour": count,
				}).Warn("elevated fallback rate")
			}
		}

		resp, err := r.invoke(ctx, fb, prompt, messages, maxTokens, temperature, tools, toolChoice)
		if err == nil {
			r.fallbacks.recordSuccess(pair)
			r.logger.WithFields(logrus.Fields{
				"primary":  primary.info.ID,
				"fallback": fb.info.ID,
			}).Info("fallback succeeded")
			return resp, nil
		}
		lastErr = err

		streak := r.fallbacks.recordFailure(pair)
		if streak >= fallbackFailureErrorStreak {
			r.logger.WithFields(logrus.Fields{
				"pair":        pair,
				"consecutive": streak,
			}).Error("repeated fallback failures")
			if r.cfg.Routing.AutoDegradedMode && !r.degraded.Swap(true) {
				r.logger.Error("entering global degraded mode")
			}
		}
	}

	if lastErr == nil {
		lastErr = models.NewError(models.ErrModelUnavailable, "router", "no fallback candidates available")
	}
	return nil, lastErr
}

// shouldChain gates multi-model chaining: complex analytical prompts, or
// prompts that require three or more capabilities.
func shouldChain(c *models.ClassifiedIntent) bool {
	if c.Type == models.IntentAnalytical &&
		(c.Complexity == models.ComplexityComplex || c.Complexity == models.ComplexityVeryComplex) {
		return true
	}
	return len(c.Features) >= 3
}

// chainModels composes the chain: feature-covering models ordered cheap to
// expensive as intermediates with the highest-quality candidate last.
func (r *routerServiceImpl) chainModels(classification *models.ClassifiedIntent, o *services.RoutingOptions) []*registeredModel {
	available := r.availableModels()
	var covering []*registeredModel
	for _, m := range available {
		if m.info.Covers(classification.Features) {
			covering = append(covering, m)
		}
	}
	if len(covering) < 2 {
		return nil
	}

	sort.Slice(covering, func(i, j int) bool {
		if covering[i].info.Cost != covering[j].info.Cost {
			return covering[i].info.Cost < covering[j].info.Cost
		}
		return covering[i].info.ID < covering[j].info.ID
	})
	if len(covering) > chainMaxModels {
		covering = covering[:chainMaxModels]
	}

	// Highest quality model closes the chain.
	finalIdx := 0
	for i, m := range covering {
		if m.info.Quality > covering[finalIdx].info.Quality {
			finalIdx = i
		}
	}
	chain := append(covering[:finalIdx:finalIdx], covering[finalIdx+1:]...)
	return append(chain, covering[finalIdx])
}

func (r *routerServiceImpl) runChain(ctx context.Context, prompt string, maxTokens int, temperature *float64, classification *models.ClassifiedIntent, o *services.RoutingOptions) (*models.NormalizedResponse, bool) {
	chain := r.chainModels(classification, o)
	if len(chain) == 0 {
		return nil, false
	}

	var usedIDs []string
	var totals models.TokenUsage
	var totalCost float64
	current := prompt
	var final *models.NormalizedResponse

	for i, m := range chain {
		last := i == len(chain)-1

		opts := services.RequestOptions{TimeoutMs: o.TimeoutMs}
		input := current
		if last {
			opts.MaxTokens = maxTokens
			opts.Temperature = temperature
		} else {
			t := 0.5
			opts.Temperature = &t
			opts.MaxTokens = maxTokens
			if opts.MaxTokens <= 0 || opts.MaxTokens > chainIntermediateMaxTokens {
				opts.MaxTokens = chainIntermediateMaxTokens
			}
		}
		if i > 0 {
			input = fmt.Sprintf("Original request:\n%s\n\nDraft answer from a previous model:\n%s\n\nImprove and refine the draft answer.", prompt, current)
		}

		resp, err := m.adapter.GenerateCompletion(ctx, input, &opts)
		if err != nil {
			r.logger.WithError(err).WithField("model", m.info.ID).Warn("chain step failed, skipping model")
			continue
		}
		r.recordLatency(m, resp.ProcessingTimeSec)

		usedIDs = append(usedIDs, m.info.ID)
		totals.Prompt += resp.Tokens.Prompt
		totals.Completion += resp.Tokens.Completion
		totalCost += resp.Cost
		current = resp.Text
		final = resp
	}

	if final == nil {
		return nil, false
	}
	totals.Total = totals.Prompt + totals.Completion
	final.Tokens = totals
	final.Cost = totalCost
	final.ModelChain = usedIDs
	return final, true
}

func (r *routerServiceImpl) invoke(ctx context.Context, m *registeredModel, prompt string, messages []models.Message, maxTokens int, temperature *float64, tools []models.ToolDefinition, toolChoice any) (*models.NormalizedResponse, error) {
	opts := services.RequestOptions{
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    messages,
		Tools:       tools,
		ToolChoice:  toolChoice,
	}
	resp, err := m.adapter.GenerateCompletion(ctx, prompt, &opts)
	if err != nil {
		r.logger.WithError(err).WithField("model", m.info.ID).Warn("model invocation failed")
		return nil, err
	}
	r.recordLatency(m, resp.ProcessingTimeSec)
	return resp, nil
}

func (r *routerServiceImpl) recordLatency(m *registeredModel, seconds float64) {
	m.latency.Record(seconds * 1000)
}

// degradedResponse is the deterministic placeholder returned when every
// routing option has failed and degraded mode is active.
func (r *routerServiceImpl) degradedResponse(classification *models.ClassifiedIntent, cause error) *models.NormalizedResponse {
	text := degradedApology
	if cause != nil {
		text = fmt.Sprintf("%s (last error: %s)", degradedApology, models.AsRouterError(cause).Message)
	}
	prompt := 0
	if classification != nil {
		prompt = classification.Tokens.Estimated
	}
	completion := estimateTokens(text)
	return &models.NormalizedResponse{
		Text:      text,
		ModelUsed: DegradedModelName,
		Tokens: models.TokenUsage{
			Prompt:     prompt,
			Completion: completion,
			Total:      prompt + completion,
		},
		Cost:           0,
		Cached:         false,
		Classification: classification,
	}
}

// refreshRegistry rebuilds the in-memory registry from the persisted catalog,
// seeding the catalog with the built-in defaults when it is empty.
// Availability and rolling latency survive across refresh for models that
// remain registered.
func (r *routerServiceImpl) refreshRegistry(ctx context.Context) error {
	configs, err := r.configSvc.GetAllModelConfigs(ctx)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		if err := r.seedRegistry(ctx); err != nil {
			return err
		}
		if configs, err = r.configSvc.GetAllModelConfigs(ctx); err != nil {
			return err
		}
	}

	next := make(map[string]*registeredModel, len(configs))
	r.mu.RLock()
	prev := r.registry
	r.mu.RUnlock()

	for _, mc := range configs {
		if !mc.Enabled {
			continue
		}
		var params models.ModelParams
		if len(mc.Config) > 0 {
			if err := json.Unmarshal(mc.Config, &params); err != nil {
				r.logger.WithError(err).WithField("model", mc.ID).Warn("malformed model params, skipping")
				continue
			}
		}

		adapter := r.buildAdapter(mc, params)
		if adapter == nil {
			r.logger.WithField("provider", mc.Provider).Warn("unknown provider, skipping model")
			continue
		}

		entry := &registeredModel{
			info: models.ModelInfo{
				ID:           mc.ID,
				Provider:     mc.Provider,
				Capabilities: append([]string(nil), mc.Capabilities...),
				Cost:         params.Cost,
				Quality:      params.Quality,
				MaxTokens:    params.MaxTokens,
				Latency:      params.LatencyMs,
				Priority:     mc.Priority,
				Available:    true,
			},
			adapter: adapter,
			latency: &models.LatencyWindow{},
		}
		if old, ok := prev[mc.ID]; ok {
			entry.info.Available = old.info.Available
			entry.latency = old.latency
		}
		next[mc.ID] = entry
	}

	r.mu.Lock()
	r.registry = next
	r.mu.Unlock()

	r.logger.WithField("models", len(next)).Info("model registry loaded")
	return nil
}

func (r *routerServiceImpl) buildAdapter(mc models.ModelConfig, params models.ModelParams) services.ModelAdapter {
	switch mc.Provider {
	case ProviderOpenAI:
		return NewOpenAIAdapter(mc.ID, params.MaxTokens, mc.Capabilities, params.Cost, params.BaseURL,
			r.apiKeyFunc(ProviderOpenAI, r.cfg.Providers.OpenAIAPIKey), r.breaker, r.logger)
	case ProviderAnthropic:
		return NewAnthropicAdapter(mc.ID, params.MaxTokens, mc.Capabilities, params.Cost, params.BaseURL,
			r.apiKeyFunc(ProviderAnthropic, r.cfg.Providers.AnthropicAPIKey), r.breaker, r.logger)
	case ProviderLMStudio:
		baseURL := params.BaseURL
		if baseURL == "" {
			baseURL = r.cfg.Providers.LMStudioURL
		}
		return NewLMStudioAdapter(mc.ID, params.MaxTokens, mc.Capabilities, baseURL, r.breaker, r.logger)
	default:
		return nil
	}
}

// apiKeyFunc resolves a provider credential at call time: dynamic config
// first, process environment as fallback.
func (r *routerServiceImpl) apiKeyFunc(provider, envKey string) func() string {
	return func() string {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if key := r.configSvc.GetAPIKey(ctx, provider); key != "" {
			return key
		}
		return envKey
	}
}

func (r *routerServiceImpl) seedRegistry(ctx context.Context) error {
	r.logger.Info("model catalog empty, seeding defaults")
	for _, seed := range defaultModelSeeds() {
		seed := seed
		if err := r.configSvc.SetModelConfig(ctx, &seed); err != nil {
			return err
		}
	}
	return nil
}

func defaultModelSeeds() []models.ModelConfig {
	mustJSON := func(p models.ModelParams) []byte {
		data, _ := json.Marshal(p)
		return data
	}
	return []models.ModelConfig{
		{
			ID:       "gpt-4.1",
			Name:     "GPT-4.1",
			Provider: ProviderOpenAI,
			Enabled:  true,
			Priority: 10,
			Capabilities: []string{
				models.CapTextGeneration, models.CapCodeGeneration, models.CapReasoning,
				models.CapSummarization, models.CapStepByStep, models.CapFunctionCalling,
			},
			Config: mustJSON(models.ModelParams{Cost: 0.01, Quality: 0.9, MaxTokens: 128000, LatencyMs: 2000}),
		},
		{
			ID:       "claude-3-5-sonnet",
			Name:     "Claude 3.5 Sonnet",
			Provider: ProviderAnthropic,
			Enabled:  true,
			Priority: 9,
			Capabilities: []string{
				models.CapTextGeneration, models.CapReasoning, models.CapKnowledgeRetrieval,
				models.CapSummarization, models.CapLongContext, models.CapFunctionCalling,
			},
			Config: mustJSON(models.ModelParams{Cost: 0.015, Quality: 0.92, MaxTokens: 200000, LatencyMs: 3000}),
		},
		{
			ID:       "local-lmstudio",
			Name:     "Local LM Studio",
			Provider: ProviderLMStudio,
			Enabled:  true,
			Priority: 5,
			Capabilities: []string{
				models.CapTextGeneration, models.CapEquationSolving,
			},
			Config: mustJSON(models.ModelParams{Cost: 0, Quality: 0.6, MaxTokens: 4096, LatencyMs: 500}),
		},
	}
}

// probeAvailability refreshes per-model availability via each adapter's
// health check. Probes run sequentially; the registry lock is only taken to
// publish results.
func (r *routerServiceImpl) probeAvailability(ctx context.Context) {
	r.mu.RLock()
	snapshot := make([]*registeredModel, 0, len(r.registry))
	for _, m := range r.registry {
		snapshot = append(snapshot, m)
	}
	r.mu.RUnlock()

	for _, m := range snapshot {
		available := m.adapter.IsAvailable(ctx)
		r.mu.Lock()
		if cur, ok := r.registry[m.info.ID]; ok {
			if cur.info.Available != available {
				r.logger.WithFields(logrus.Fields{
					"model":     m.info.ID,
					"available": available,
				}).Info("model availability changed")
			}
			cur.info.Available = available
		}
		r.mu.Unlock()
	}
}

// fallbackTracker keeps per-ordered-pair counters for the monitoring window
// and the consecutive-failure streaks.
type fallbackTracker struct {
	mu       sync.Mutex
	attempts map[string]int
	streaks  map[string]int
}

func newFallbackTracker() *fallbackTracker {
	return &fallbackTracker{
		attempts: make(map[string]int),
		streaks:  make(map[string]int),
	}
}

func (t *fallbackTracker) recordAttempt(pair string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[pair]++
	return t.attempts[pair]
}

func (t *fallbackTracker) recordFailure(pair string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaks[pair]++
	return t.streaks[pair]
}

func (t *fallbackTracker) recordSuccess(pair string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaks[pair] = 0
}

func (t *fallbackTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = make(map[string]int)
	t.streaks = make(map[string]int)
}
