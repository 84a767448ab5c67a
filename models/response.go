package models

// TokenUsage is the normalized token accounting for one response.
// Total is always Prompt + Completion.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// NormalizedResponse is the uniform response the router returns regardless of
// the backing provider.
type NormalizedResponse struct {
	Text              string            `json:"text"`
	Tokens            TokenUsage        `json:"tokens"`
	ModelUsed         string            `json:"model_used"`
	ProcessingTimeSec float64           `json:"processing_time_sec"`
	Cost              float64           `json:"cost,omitempty"`
	Classification    *ClassifiedIntent `json:"classification,omitempty"`
	FunctionCall      *FunctionCall     `json:"function_call,omitempty"`
	ToolCalls         []ToolCall        `json:"tool_calls,omitempty"`
	Messages          []Message         `json:"messages,omitempty"`
	Cached            bool              `json:"cached"`
	ModelChain        []string          `json:"model_chain,omitempty"`
}

// Streaming chunk kinds. A stream is a finite sequence of text, function-call
// and tool-call deltas followed by exactly one done or error chunk.
const (
	ChunkText         = "text"
	ChunkFunctionCall = "function_call"
	ChunkToolCall     = "tool_call"
	ChunkDone         = "done"
	ChunkError        = "error"
)

// StreamingChunk is one element of a streaming response.
type StreamingChunk struct {
	Kind          string        `json:"kind"`
	Text          string        `json:"text,omitempty"`
	FunctionDelta *FunctionCall `json:"function_delta,omitempty"`
	ToolIndex     int           `json:"tool_index,omitempty"`
	ToolDelta     *ToolCall     `json:"tool_delta,omitempty"`
	FinishReason  string        `json:"finish_reason,omitempty"`
	ErrorCode     string        `json:"error_code,omitempty"`
}
