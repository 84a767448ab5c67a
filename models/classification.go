package models

// Intent types produced by the classifier, in routing precedence order.
const (
	IntentGeneral        = "general"
	IntentCode           = "code"
	IntentCreative       = "creative"
	IntentFactual        = "factual"
	IntentAnalytical     = "analytical"
	IntentMathematical   = "mathematical"
	IntentConversational = "conversational"
)

// Complexity buckets assigned by prompt length and sentence structure.
const (
	ComplexitySimple      = "simple"
	ComplexityMedium      = "medium"
	ComplexityComplex     = "complex"
	ComplexityVeryComplex = "very-complex"
)

// Capability tags. Models advertise these; classifications require them.
const (
	CapTextGeneration     = "text-generation"
	CapCodeGeneration     = "code-generation"
	CapReasoning          = "reasoning"
	CapKnowledgeRetrieval = "knowledge-retrieval"
	CapSummarization      = "summarization"
	CapStepByStep         = "step-by-step"
	CapEquationSolving    = "equation-solving"
	CapFunctionCalling    = "function-calling"
	CapLongContext        = "long-context"
)

// TokenEstimate carries the classifier's token budget guesses.
type TokenEstimate struct {
	Estimated  int `json:"estimated"`
	Completion int `json:"completion"`
}

// ClassifiedIntent is the feature vector that drives routing and cache TTL.
type ClassifiedIntent struct {
	Type       string        `json:"type"`
	Complexity string        `json:"complexity"`
	Features   []string      `json:"features"`
	Priority   string        `json:"priority"` // low, medium, high
	Confidence float64       `json:"confidence"`
	Domain     string        `json:"domain,omitempty"`
	Language   string        `json:"language,omitempty"`
	Tokens     TokenEstimate `json:"tokens"`
}

// HasFeature reports whether the classification requires the given tag.
func (c *ClassifiedIntent) HasFeature(tag string) bool {
	for _, f := range c.Features {
		if f == tag {
			return true
		}
	}
	return false
}
