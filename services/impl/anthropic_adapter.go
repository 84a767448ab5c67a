package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services"
)

const (
	ProviderAnthropic = "anthropic"

	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
)

// anthropicAdapter speaks the Anthropic messages protocol. System messages are
// hoisted into the top-level system field and tool shapes are translated both
// ways.
type anthropicAdapter struct {
	httpAdapter
}

func NewAnthropicAdapter(modelID string, contextWindow int, capabilities []string, costPer1K float64, baseURL string, apiKey func() string, breaker *CircuitBreaker, logger *logrus.Logger) services.ModelAdapter {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &anthropicAdapter{
		httpAdapter: newHTTPAdapter(modelID, ProviderAnthropic, anthropicAPIVersion, contextWindow, capabilities, costPer1K, baseURL, apiKey, breaker, logger),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    any                `json:"tool_choice,omitempty"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// anthropicStreamEvent is the union of the event payloads the stream reader
// cares about; irrelevant event types parse to zero values and are skipped.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *anthropicAdapter) IsAvailable(ctx context.Context) bool {
	// Anthropic has no cheap list endpoint; a configured key counts as
	// available and the breaker handles the rest.
	return a.apiKey() != ""
}

func (a *anthropicAdapter) CountTokens(text string) int {
	return countTokensText(text)
}

func (a *anthropicAdapter) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey())
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
}

// buildBody translates the normalized request into the messages wire shape.
// System turns are concatenated into the system field; tool results map to
// tool_result content blocks.
func (a *anthropicAdapter) buildBody(prompt string, o *services.RequestOptions, stream bool) ([]byte, []models.Message, error) {
	messages := assembleMessages(prompt, o)

	var systemParts []string
	wire := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			systemParts = append(systemParts, m.Content)
		case models.RoleTool, models.RoleFunction:
			wire = append(wire, anthropicMessage{
				Role: models.RoleUser,
				Content: []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		default:
			wire = append(wire, anthropicMessage{Role: m.Role, Content: m.Content})
		}
	}

	body := anthropicRequest{
		Model:         a.modelID,
		System:        strings.Join(systemParts, "\n\n"),
		Messages:      wire,
		MaxTokens:     o.MaxTokens,
		Temperature:   o.Temperature,
		TopP:          o.TopP,
		StopSequences: o.Stop,
		Stream:        stream,
		ToolChoice:    translateToolChoice(o.ToolChoice),
	}
	for _, t := range o.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	return data, messages, nil
}

// translateToolChoice maps the OpenAI-style tool_choice values onto the
// Anthropic equivalents.
func translateToolChoice(choice any) any {
	switch v := choice.(type) {
	case nil:
		return nil
	case string:
		switch v {
		case "auto":
			return map[string]any{"type": "auto"}
		case "none":
			return nil
		case "required":
			return map[string]any{"type": "any"}
		}
		return nil
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				return map[string]any{"type": "tool", "name": name}
			}
		}
		return nil
	default:
		return nil
	}
}

func (a *anthropicAdapter) GenerateCompletion(ctx context.Context, prompt string, opts *services.RequestOptions) (*models.NormalizedResponse, error) {
	o := optionsOrDefaults(opts)
	data, messages, err := a.buildBody(prompt, &o, false)
	if err != nil {
		return nil, models.NewError(models.ErrInternal, a.provider, "request marshal failed").WithCause(err)
	}

	start := time.Now()
	resp, err := a.execute(ctx, false, &o, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(data))
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

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, models.NewError(models.ErrModelInvalidRequest, a.provider, "malformed provider response").WithCause(err)
	}

	var text strings.Builder
	var toolCalls []models.ToolCall
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, models.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: models.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	if text.Len() == 0 && len(toolCalls) == 0 {
		return nil, models.NewError(models.ErrModelUnavailable, a.provider,
			fmt.Sprintf("model %s returned no content", a.modelID))
	}

	usage := normalizeUsage(parsed.Usage.InputTokens, parsed.Usage.OutputTokens, messages, text.String())
	return &models.NormalizedResponse{
		Text:              text.String(),
		Tokens:            usage,
		ModelUsed:         a.modelID,
		ProcessingTimeSec: time.Since(start).Seconds(),
		Cost:              a.costFor(usage),
		ToolCalls:         toolCalls,
	}, nil
}

func (a *anthropicAdapter) GenerateCompletionStream(ctx context.Context, prompt string, opts *services.RequestOptions) (<-chan models.StreamingChunk, error) {
	o := optionsOrDefaults(opts)
	o.Stream = true
	data, _, err := a.buildBody(prompt, &o, true)
	if err != nil {
		return nil, models.NewError(models.ErrInternal, a.provider, "request marshal failed").WithCause(err)
	}

	resp, err := a.execute(ctx, true, &o, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(data))
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
		// Tool-use blocks stream as a start event with id/name followed by
		// input_json_delta fragments; each fragment is forwarded with the
		// block's index so the consumer can accumulate arguments.
		toolBlocks := make(map[int]*models.ToolCall)
		toolOrder := make(map[int]int)
		nextTool := 0

		err := scanDataLines(resp.Body, func(data string) error {
			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return nil
			}
			switch ev.Type {
			case "content_block_start":
				if ev.ContentBlock.Type == "tool_use" {
					tc := &models.ToolCall{
						ID:       ev.ContentBlock.ID,
						Type:     "function",
						Function: models.FunctionCall{Name: ev.ContentBlock.Name},
					}
					toolBlocks[ev.Index] = tc
					toolOrder[ev.Index] = nextTool
					nextTool++
					if !emit(ctx, out, models.StreamingChunk{Kind: models.ChunkToolCall, ToolIndex: toolOrder[ev.Index], ToolDelta: tc}) {
						return errStreamAbandoned
					}
				}
			case "content_block_delta":
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text != "" {
						if !emit(ctx, out, models.StreamingChunk{Kind: models.ChunkText, Text: ev.Delta.Text}) {
							return errStreamAbandoned
						}
					}
				case "input_json_delta":
					if _, ok := toolBlocks[ev.Index]; ok && ev.Delta.PartialJSON != "" {
						chunk := models.StreamingChunk{
							Kind:      models.ChunkToolCall,
							ToolIndex: toolOrder[ev.Index],
							ToolDelta: &models.ToolCall{Function: models.FunctionCall{Arguments: ev.Delta.PartialJSON}},
						}
						if !emit(ctx, out, chunk) {
							return errStreamAbandoned
						}
					}
				}
			case "message_delta":
				if ev.Delta.StopReason != "" {
					finishReason = normalizeStopReason(ev.Delta.StopReason)
				}
			case "error":
				re := models.NewError(models.ErrModelUnavailable, a.provider, ev.Error.Message)
				if !emit(ctx, out, models.StreamingChunk{Kind: models.ChunkError, ErrorCode: re.Code, Text: re.Message}) {
					return errStreamAbandoned
				}
				return fmt.Errorf("provider stream error: %s", ev.Error.Type)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, errStreamAbandoned) || strings.HasPrefix(err.Error(), "provider stream error") {
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

// normalizeStopReason maps Anthropic stop reasons onto the shared vocabulary.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
