package impl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services"
)

func newTestOpenAIAdapter(t *testing.T, baseURL string) services.ModelAdapter {
	t.Helper()
	return NewOpenAIAdapter("gpt-4.1", 128000,
		[]string{models.CapTextGeneration, models.CapCodeGeneration},
		0.01, baseURL, func() string { return "sk-test" },
		NewCircuitBreaker(nil, testLogger()), testLogger())
}

func fastOptions() *services.RequestOptions {
	retries := 2
	return &services.RequestOptions{
		MaxRetries:       &retries,
		InitialBackoffMs: 1,
		TimeoutMs:        5000,
	}
}

func TestOpenAIAdapter_GenerateCompletion(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"model": "gpt-4.1",
			"choices": [{"message": {"role": "assistant", "content": "Hello back"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`)
	}))
	defer server.Close()

	adapter := newTestOpenAIAdapter(t, server.URL)
	resp, err := adapter.GenerateCompletion(context.Background(), "Hello", fastOptions())
	require.NoError(t, err)

	assert.Equal(t, "Hello back", resp.Text)
	assert.Equal(t, "gpt-4.1", resp.ModelUsed)
	assert.Equal(t, 12, resp.Tokens.Prompt)
	assert.Equal(t, 4, resp.Tokens.Completion)
	assert.Equal(t, 16, resp.Tokens.Total)
	assert.InDelta(t, 16.0/1000*0.01, resp.Cost, 1e-9)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestOpenAIAdapter_TokensEstimatedWhenUsageMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "four char pieces here"}}]}`)
	}))
	defer server.Close()

	adapter := newTestOpenAIAdapter(t, server.URL)
	resp, err := adapter.GenerateCompletion(context.Background(), "Hello", fastOptions())
	require.NoError(t, err)

	assert.Greater(t, resp.Tokens.Prompt, 0)
	assert.Greater(t, resp.Tokens.Completion, 0)
	assert.Equal(t, resp.Tokens.Prompt+resp.Tokens.Completion, resp.Tokens.Total)
}

func TestOpenAIAdapter_RetriesRateLimitThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error": {"message": "rate limit exceeded"}}`)
			return
		}
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "ok"}}], "usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}}`)
	}))
	defer server.Close()

	adapter := newTestOpenAIAdapter(t, server.URL)
	resp, err := adapter.GenerateCompletion(context.Background(), "Hello", fastOptions())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIAdapter_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "bad key"}}`)
	}))
	defer server.Close()

	adapter := newTestOpenAIAdapter(t, server.URL)
	_, err := adapter.GenerateCompletion(context.Background(), "Hello", fastOptions())
	require.Error(t, err)

	var re *models.RouterError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, models.ErrModelAuthentication, re.Code)
	assert.False(t, re.Retryable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIAdapter_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		code   string
	}{
		{http.StatusForbidden, `{}`, models.ErrModelAuthentication},
		{http.StatusTooManyRequests, `{"error":{"message":"quota exhausted, check billing"}}`, models.ErrModelQuotaExceeded},
		{http.StatusBadRequest, `{"error":{"message":"bad param"}}`, models.ErrModelInvalidRequest},
		{http.StatusRequestEntityTooLarge, `{}`, models.ErrModelContextLength},
		{http.StatusUnprocessableEntity, `{"error":{"message":"content policy violation"}}`, models.ErrModelContentFiltered},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			fmt.Fprint(w, tc.body)
		}))
		adapter := newTestOpenAIAdapter(t, server.URL)
		retries := 0
		_, err := adapter.GenerateCompletion(context.Background(), "Hello", &services.RequestOptions{MaxRetries: &retries, InitialBackoffMs: 1, TimeoutMs: 5000})
		server.Close()

		var re *models.RouterError
		require.True(t, errors.As(err, &re), "status %d", tc.status)
		assert.Equal(t, tc.code, re.Code, "status %d", tc.status)
	}
}

func TestOpenAIAdapter_ServerErrorRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	adapter := newTestOpenAIAdapter(t, server.URL)
	_, err := adapter.GenerateCompletion(context.Background(), "Hello", fastOptions())
	require.Error(t, err)

	var re *models.RouterError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, models.ErrModelUnavailable, re.Code)
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIAdapter_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	}))
	defer server.Close()

	adapter := newTestOpenAIAdapter(t, server.URL)
	ch, err := adapter.GenerateCompletionStream(context.Background(), "Hello", fastOptions())
	require.NoError(t, err)

	var text string
	var done bool
	var finishReason string
	for chunk := range ch {
		switch chunk.Kind {
		case models.ChunkText:
			text += chunk.Text
		case models.ChunkDone:
			done = true
			finishReason = chunk.FinishReason
		}
	}
	assert.Equal(t, "Hello", text)
	assert.True(t, done)
	assert.Equal(t, "stop", finishReason)
}

func TestOpenAIAdapter_StreamToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frames := []string{
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`[DONE]`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	}))
	defer server.Close()

	adapter := newTestOpenAIAdapter(t, server.URL)
	ch, err := adapter.GenerateCompletionStream(context.Background(), "Hello", fastOptions())
	require.NoError(t, err)

	var name, args, finishReason string
	for chunk := range ch {
		switch chunk.Kind {
		case models.ChunkToolCall:
			assert.Equal(t, 0, chunk.ToolIndex)
			if chunk.ToolDelta.Function.Name != "" {
				name = chunk.ToolDelta.Function.Name
			}
			args += chunk.ToolDelta.Function.Arguments
		case models.ChunkDone:
			finishReason = chunk.FinishReason
		}
	}
	assert.Equal(t, "lookup", name)
	assert.JSONEq(t, `{"q":"x"}`, args)
	assert.Equal(t, "tool_calls", finishReason)
}

// streamProducerRunning reports whether any stream producer goroutine is
// still alive, by scanning the full goroutine dump.
func streamProducerRunning() bool {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return strings.Contains(string(buf[:n]), "GenerateCompletionStream")
}

func TestOpenAIAdapter_StreamConsumerCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		w.(http.Flusher).Flush()
		// Hold the connection open so only cancellation can end the stream.
		<-release
	}))
	defer server.Close()
	defer close(release)

	adapter := newTestOpenAIAdapter(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := adapter.GenerateCompletionStream(ctx, "Hello", fastOptions())
	require.NoError(t, err)

	chunk := <-ch
	assert.Equal(t, models.ChunkText, chunk.Kind)

	// Cancel and abandon the channel without draining it. The producer must
	// shut down on its own instead of blocking on the next send.
	cancel()
	require.Eventually(t, func() bool { return !streamProducerRunning() },
		2*time.Second, 20*time.Millisecond, "stream producer still running after consumer cancelled")
}

func TestOpenAIAdapter_IsAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			fmt.Fprint(w, `{"data": []}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	adapter := newTestOpenAIAdapter(t, server.URL)
	assert.True(t, adapter.IsAvailable(context.Background()))

	server.Close()
	assert.False(t, adapter.IsAvailable(context.Background()))
}

func TestBackoffDelay(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(1000, attempt, 0)
		base := time.Duration(1000) * time.Millisecond << attempt
		if base > maxBackoffMs*time.Millisecond {
			base = maxBackoffMs * time.Millisecond
		}
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.99))
		assert.LessOrEqual(t, d, maxBackoffMs*time.Millisecond)
	}

	// Retry-After acts as a floor.
	d := backoffDelay(1000, 0, 10*time.Second)
	assert.GreaterOrEqual(t, d, 10*time.Second)
}

func TestCountTokens(t *testing.T) {
	adapter := newTestOpenAIAdapter(t, "http://localhost:0")
	assert.Equal(t, 0, adapter.CountTokens(""))
	assert.Greater(t, adapter.CountTokens("hello world, this is a token counting test"), 0)
}
