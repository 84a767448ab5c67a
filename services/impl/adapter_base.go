package impl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"

	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services"
)

// Adapter runtime defaults (per-call RequestOptions override these).
const (
	defaultMaxTokens        = 1024
	defaultTemperature      = 0.7
	defaultTopP             = 1.0
	defaultTimeoutMs        = 60000
	defaultMaxRetries       = 3
	defaultStreamRetries    = 2
	defaultInitialBackoffMs = 1000
	maxBackoffMs            = 30000
	defaultSystemMessage    = "You are a helpful assistant."
)

// httpAdapter carries the runtime shared by every provider adapter: HTTP
// clients, retry/backoff, circuit breaking and token counting. Concrete
// adapters own the wire format; nothing provider-shaped escapes them.
type httpAdapter struct {
	modelID       string
	provider      string
	version       string
	contextWindow int
	capabilities  []string
	costPer1K     float64

	baseURL   string
	apiKey    func() string
	client    *http.Client
	// No total timeout on the stream client; per-request contexts bound
	// the connection instead.
	streamClient *http.Client

	breaker *CircuitBreaker
	logger  *logrus.Logger
}

func newHTTPAdapter(modelID, provider, version string, contextWindow int, capabilities []string, costPer1K float64, baseURL string, apiKey func() string, breaker *CircuitBreaker, logger *logrus.Logger) httpAdapter {
	return httpAdapter{
		modelID:       modelID,
		provider:      provider,
		version:       version,
		contextWindow: contextWindow,
		capabilities:  capabilities,
		costPer1K:     costPer1K,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		apiKey:        apiKey,
		client:        &http.Client{},
		streamClient:  &http.Client{},
		breaker:       breaker,
		logger:        logger,
	}
}

func (a *httpAdapter) GetCapabilities() []string {
	out := make([]string, len(a.capabilities))
	copy(out, a.capabilities)
	return out
}

func (a *httpAdapter) GetDetails() services.AdapterDetails {
	return services.AdapterDetails{
		Provider:      a.provider,
		Version:       a.version,
		ContextWindow: a.contextWindow,
	}
}

// assembleMessages applies the message-assembly contract: explicit messages
// win, otherwise a system + user pair is built from the prompt.
func assembleMessages(prompt string, opts *services.RequestOptions) []models.Message {
	if opts != nil && len(opts.Messages) > 0 {
		return opts.Messages
	}
	system := defaultSystemMessage
	if opts != nil && opts.SystemMessage != "" {
		system = opts.SystemMessage
	}
	return []models.Message{
		{Role: models.RoleSystem, Content: system},
		{Role: models.RoleUser, Content: prompt},
	}
}

func optionsOrDefaults(opts *services.RequestOptions) services.RequestOptions {
	var o services.RequestOptions
	if opts != nil {
		o = *opts
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaultMaxTokens
	}
	if o.Temperature == nil {
		t := defaultTemperature
		o.Temperature = &t
	}
	if o.TopP == nil {
		p := defaultTopP
		o.TopP = &p
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = defaultTimeoutMs
	}
	if o.InitialBackoffMs <= 0 {
		o.InitialBackoffMs = defaultInitialBackoffMs
	}
	return o
}

func retryBudget(o *services.RequestOptions, stream bool) int {
	if o.MaxRetries != nil && *o.MaxRetries >= 0 {
		return *o.MaxRetries
	}
	if stream {
		return defaultStreamRetries
	}
	return defaultMaxRetries
}

// backoffDelay computes the jittered exponential delay before retry i+1:
// min(base*2^i + uniform(0, 0.2*base*2^i), 30s), floored at retryAfter when
// the provider sent one.
func backoffDelay(initialBackoffMs, attempt int, retryAfter time.Duration) time.Duration {
	base := float64(initialBackoffMs) * math.Pow(2, float64(attempt))
	delayMs := base + rand.Float64()*0.2*base
	if delayMs > maxBackoffMs {
		delayMs = maxBackoffMs
	}
	delay := time.Duration(delayMs) * time.Millisecond
	if retryAfter > delay {
		delay = retryAfter
	}
	return delay
}

// execute runs one provider HTTP call with circuit breaking, retries and
// error classification. buildRequest is invoked once per attempt so bodies
// are fresh. The returned response body is the caller's to close.
func (a *httpAdapter) execute(ctx context.Context, stream bool, opts *services.RequestOptions, buildRequest func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	state, allowed := a.breaker.Allow(ctx, a.provider, a.modelID, stream)
	if !allowed {
		return nil, models.NewError(models.ErrModelUnavailable, a.provider,
			fmt.Sprintf("circuit breaker %s for model %s", state, a.modelID))
	}
	halfOpenProbe := state == BreakerHalfOpen

	maxRetries := retryBudget(opts, stream)
	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			var retryAfter time.Duration
			var re *models.RouterError
			if errors.As(lastErr, &re) {
				if v, ok := re.Details["retry_after_ms"].(int64); ok {
					retryAfter = time.Duration(v) * time.Millisecond
				}
			}
			select {
			case <-time.After(backoffDelay(opts.InitialBackoffMs, attempt-1, retryAfter)):
			case <-ctx.Done():
				return nil, models.NewError(models.ErrTimeout, a.provider, "request cancelled during retry backoff").WithCause(ctx.Err())
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := a.attempt(attemptCtx, stream, buildRequest)
		if err == nil {
			if halfOpenProbe {
				a.breaker.Reset(ctx, a.provider, a.modelID, stream)
			}
			// The body outlives this function; tie its lifetime to the
			// caller's context instead of the attempt's.
			go func() {
				<-ctx.Done()
				cancel()
			}()
			return resp, nil
		}
		cancel()

		lastErr = err
		if models.IsTripping(err) {
			a.breaker.Trip(ctx, a.provider, a.modelID, stream)
		}
		if halfOpenProbe {
			// Failed probe re-opens regardless of error class.
			a.breaker.Trip(ctx, a.provider, a.modelID, stream)
			return nil, err
		}
		if !models.IsRetryable(err) {
			return nil, err
		}

		a.logger.WithFields(logrus.Fields{
			"provider": a.provider,
			"model":    a.modelID,
			"attempt":  attempt + 1,
			"error":    err.Error(),
		}).Warn("provider request failed, will retry")
	}

	return nil, lastErr
}

func (a *httpAdapter) attempt(ctx context.Context, stream bool, buildRequest func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	req, err := buildRequest(ctx)
	if err != nil {
		return nil, models.NewError(models.ErrInternal, a.provider, "failed to build provider request").WithCause(err)
	}

	client := a.client
	if stream {
		client = a.streamClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, models.NewError(models.ErrModelTimeout, a.provider,
				fmt.Sprintf("request to model %s timed out", a.modelID)).WithCause(err)
		}
		return nil, models.NewError(models.ErrNetwork, a.provider, "provider unreachable").WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		return nil, a.classifyHTTPError(resp, string(body))
	}
	return resp, nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyHTTPError maps a provider status and body onto the error taxonomy.
func (a *httpAdapter) classifyHTTPError(resp *http.Response, body string) error {
	lower := strings.ToLower(body)
	status := resp.StatusCode

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.NewError(models.ErrModelAuthentication, a.provider,
			fmt.Sprintf("authentication failed for model %s", a.modelID)).WithDetail("body", truncate(body, 200))

	case status == http.StatusTooManyRequests:
		if strings.Contains(lower, "quota") || strings.Contains(lower, "billing") || strings.Contains(lower, "insufficient") {
			return models.NewError(models.ErrModelQuotaExceeded, a.provider,
				fmt.Sprintf("quota exceeded for model %s", a.modelID))
		}
		e := models.NewError(models.ErrModelRateLimited, a.provider,
			fmt.Sprintf("rate limit exceeded for model %s", a.modelID))
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			e.WithDetail("retry_after_ms", ra.Milliseconds())
		}
		return e

	case status == http.StatusBadRequest:
		return models.NewError(models.ErrModelInvalidRequest, a.provider, truncate(body, 300))

	case status == http.StatusRequestEntityTooLarge:
		return models.NewError(models.ErrModelContextLength, a.provider,
			fmt.Sprintf("prompt exceeds context window of model %s", a.modelID))

	case status == http.StatusUnprocessableEntity:
		if strings.Contains(lower, "content") || strings.Contains(lower, "policy") || strings.Contains(lower, "filter") {
			return models.NewError(models.ErrModelContentFiltered, a.provider,
				fmt.Sprintf("content filtered by model %s", a.modelID))
		}
		return models.NewError(models.ErrModelInvalidRequest, a.provider, truncate(body, 300))

	case status >= 500:
		return models.NewError(models.ErrModelUnavailable, a.provider,
			fmt.Sprintf("model %s returned status %d", a.modelID, status)).WithDetail("body", truncate(body, 200))

	default:
		return models.NewError(models.ErrInternal, a.provider,
			fmt.Sprintf("unexpected status %d from model %s", status, a.modelID)).WithDetail("body", truncate(body, 200))
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// errStreamAbandoned stops a producer whose consumer cancelled and stopped
// receiving.
var errStreamAbandoned = errors.New("stream abandoned by consumer")

// emit delivers one chunk unless the consumer has gone away. A false return
// means the context is done and the producer must stop.
func emit(ctx context.Context, out chan<- models.StreamingChunk, chunk models.StreamingChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// scanDataLines reads an SSE-style body line by line, invoking handle for
// each non-empty data payload. "[DONE]" terminates the scan. The returned
// error covers transport failures only; handler errors stop the scan.
func scanDataLines(body io.Reader, handle func(data string) error) error {
	scanner := bufio.NewScanner(body)
	// Individual frames can be large (tool-call arguments, long deltas).
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}
		if err := handle(data); err != nil {
			return err
		}
	}
	return scanner.Err()
}

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// countTokensText counts tokens with the cl100k_base encoding, falling back
// to the ceil(len/4) estimate when the encoder is unavailable.
func countTokensText(text string) int {
	if text == "" {
		return 0
	}
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenizer = enc
		}
	})
	if tokenizer != nil {
		return len(tokenizer.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens is the provider-independent fallback: ceil(len/4).
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// normalizeUsage fills token accounting from provider-reported usage when
// present, otherwise estimates from the text segments.
func normalizeUsage(promptTokens, completionTokens int, messages []models.Message, completion string) models.TokenUsage {
	if promptTokens <= 0 {
		for _, m := range messages {
			promptTokens += estimateTokens(m.Content)
		}
	}
	if completionTokens <= 0 {
		completionTokens = estimateTokens(completion)
	}
	return models.TokenUsage{
		Prompt:     promptTokens,
		Completion: completionTokens,
		Total:      promptTokens + completionTokens,
	}
}

// costFor computes the USD cost of a call at the adapter's per-1K rate.
func (a *httpAdapter) costFor(usage models.TokenUsage) float64 {
	return float64(usage.Total) / 1000 * a.costPer1K
}
