package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services"
)

const (
	ProviderOpenAI = "openai"

	openAIDefaultBaseURL = "https://api.openai.com/v1"
)

// openAIAdapter speaks the OpenAI chat completions protocol. The normalized
// message shape matches the OpenAI wire format, so messages pass through
// unmapped.
type openAIAdapter struct {
	httpAdapter
}

// NewOpenAIAdapter creates an adapter for one OpenAI model. apiKey is
// resolved per request so rotated credentials take effect without restart.
func NewOpenAIAdapter(modelID string, contextWindow int, capabilities []string, costPer1K float64, baseURL string, apiKey func() string, breaker *CircuitBreaker, logger *logrus.Logger) services.ModelAdapter {
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	return &openAIAdapter{
		httpAdapter: newHTTPAdapter(modelID, ProviderOpenAI, "v1", contextWindow, capabilities, costPer1K, baseURL, apiKey, breaker, logger),
	}
}

type openAIChatRequest struct {
	Model            string                      `json:"model"`
	Messages         []models.Message            `json:"messages"`
	MaxTokens        int                         `json:"max_tokens,omitempty"`
	Temperature      *float64                    `json:"temperature,omitempty"`
	TopP             *float64                    `json:"top_p,omitempty"`
	FrequencyPenalty *float64                    `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                    `json:"presence_penalty,omitempty"`
	Stop             []string                    `json:"stop,omitempty"`
	Stream           bool                        `json:"stream,omitempty"`
	Functions        []models.FunctionDefinition `json:"functions,omitempty"`
	FunctionCall     any                         `json:"function_call,omitempty"`
	Tools            []models.ToolDefinition     `json:"tools,omitempty"`
	ToolChoice       any                         `json:"tool_choice,omitempty"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      models.Message `json:"message"`
		FinishReason string         `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content      string               `json:"content"`
			FunctionCall *models.FunctionCall `json:"function_call"`
			ToolCalls    []struct {
				Index    int                 `json:"index"`
				ID       string              `json:"id"`
				Type     string              `json:"type"`
				Function models.FunctionCall `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (a *openAIAdapter) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	a.setHeaders(req, false)

	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (a *openAIAdapter) CountTokens(text string) int {
	return countTokensText(text)
}

func (a *openAIAdapter) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	if key := a.apiKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
}

func (a *openAIAdapter) buildBody(prompt string, o *services.RequestOptions, stream bool) ([]byte, []models.Message, error) {
	messages := assembleMessages(prompt, o)
	body := openAIChatRequest{
		Model:            a.modelID,
		Messages:         messages,
		MaxTokens:        o.MaxTokens,
		Temperature:      o.Temperature,
		TopP:             o.TopP,
		FrequencyPenalty: o.FrequencyPenalty,
		PresencePenalty:  o.PresencePenalty,
		Stop:             o.Stop,
		Stream:           stream,
		Functions:        o.Functions,
		FunctionCall:     o.FunctionCall,
		Tools:            o.Tools,
		ToolChoice:       o.ToolChoice,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	return data, messages, nil
}

func (a *openAIAdapter) GenerateCompletion(ctx context.Context, prompt string, opts *services.RequestOptions) (*models.NormalizedResponse, error) {
	o := optionsOrDefaults(opts)
	data, messages, err := a.buildBody(prompt, &o, false)
	if err != nil {
		return nil, models.NewError(models.ErrInternal, a.provider, "request marshal failed").WithCause(err)
	}

	start := time.Now()
	resp, err := a.execute(ctx, false, &o, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		a.setHeaders(req, false)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, models.NewError(models.ErrModelInvalidRequest, a.provider, "malformed provider response").WithCause(err)
	}
	if len(parsed.Choices) == 0 {
		return nil, models.NewError(models.ErrModelUnavailable, a.provider,
			fmt.Sprintf("model %s returned no choices", a.modelID))
	}

	choice := parsed.Choices[0]
	usage := normalizeUsage(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, messages, choice.Message.Content)

	return &models.NormalizedResponse{
		Text:              choice.Message.Content,
		Tokens:            usage,
		ModelUsed:         a.modelID,
		ProcessingTimeSec: time.Since(start).Seconds(),
		Cost:              a.costFor(usage),
		FunctionCall:      choice.Message.FunctionCall,
		ToolCalls:         choice.Message.ToolCalls,
	}, nil
}

func (a *openAIAdapter) GenerateCompletionStream(ctx context.Context, prompt string, opts *services.RequestOptions) (<-chan models.StreamingChunk, error) {
	o := optionsOrDefaults(opts)
	o.Stream = true
	data, _, err := a.buildBody(prompt, &o, true)
	if err != nil {
		return nil, models.NewError(models.ErrInternal, a.provider, "request marshal failed").WithCause(err)
	}

	resp, err := a.execute(ctx, true, &o, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		a.setHeaders(req, true)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan models.StreamingChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		finishReason := "stop"
		err := scanDataLines(resp.Body, func(data string) error {
			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Skip unparseable frames rather than killing the stream.
				return nil
			}
			if len(chunk.Choices) == 0 {
				return nil
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				if !emit(ctx, out, models.StreamingChunk{Kind: models.ChunkText, Text: choice.Delta.Content}) {
					return errStreamAbandoned
				}
			}
			if choice.Delta.FunctionCall != nil {
				if !emit(ctx, out, models.StreamingChunk{Kind: models.ChunkFunctionCall, FunctionDelta: choice.Delta.FunctionCall}) {
					return errStreamAbandoned
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				chunk := models.StreamingChunk{
					Kind:      models.ChunkToolCall,
					ToolIndex: tc.Index,
					ToolDelta: &models.ToolCall{ID: tc.ID, Type: tc.Type, Function: tc.Function},
				}
				if !emit(ctx, out, chunk) {
					return errStreamAbandoned
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, errStreamAbandoned) {
				return
			}
			re := models.NewError(models.ErrNetwork, a.provider, "stream interrupted").WithCause(err)
			emit(ctx, out, models.StreamingChunk{Kind: models.ChunkError, ErrorCode: re.Code, Text: re.Message})
			return
		}
		emit(ctx, out, models.StreamingChunk{Kind: models.ChunkDone, FinishReason: finishReason})
	}()
	return out, nil
}
