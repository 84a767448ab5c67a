package impl

import (
	"github.com/sirupsen/logrus"

	"github.com/neuroroute/neuroroute/services"
)

const (
	ProviderLMStudio = "lmstudio"

	lmstudioDefaultBaseURL = "http://localhost:1234/v1"
)

// NewLMStudioAdapter creates an adapter for a locally hosted model behind LM
// Studio's OpenAI-compatible server. Local inference has zero per-token cost
// and needs no credential; the OpenAI wire protocol is reused as-is.
func NewLMStudioAdapter(modelID string, contextWindow int, capabilities []string, baseURL string, breaker *CircuitBreaker, logger *logrus.Logger) services.ModelAdapter {
	if baseURL == "" {
		baseURL = lmstudioDefaultBaseURL
	}
	return &openAIAdapter{
		httpAdapter: newHTTPAdapter(modelID, ProviderLMStudio, "v1", contextWindow, capabilities, 0,
			baseURL, func() string { return "" }, breaker, logger),
	}
}
