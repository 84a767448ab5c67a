package impl

import (
	"regexp"
	"strings"

	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services"
)

// classifierServiceImpl is the rules-based classifier. It is a pure function
// of the prompt: same input, same ClassifiedIntent.
type classifierServiceImpl struct{}

// NewClassifierService creates the default keyword/threshold classifier.
func NewClassifierService() services.ClassifierService {
	return &classifierServiceImpl{}
}

// Intent keyword sets, checked in precedence order.
var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{models.IntentCode, []string{
		"code", "function", "program", "script", "debug", "compile", "algorithm",
		"implement", "refactor", "python", "javascript", "golang", "java", "sql",
		"api", "bug", "class", "method", "regex",
	}},
	{models.IntentCreative, []string{
		"write a story", "poem", "creative", "fiction", "imagine", "song",
		"lyrics", "novel", "essay", "draft", "compose", "brainstorm",
	}},
	{models.IntentAnalytical, []string{
		"analyze", "analyse", "compare", "evaluate", "assess", "pros and cons",
		"trade-off", "tradeoff", "implications", "critique", "review",
	}},
	{models.IntentFactual, []string{
		"what is", "who is", "when did", "where is", "define", "definition",
		"fact", "history of", "capital of", "how many", "list of",
	}},
	{models.IntentMathematical, []string{
		"calculate", "solve", "equation", "math", "derivative", "integral",
		"probability", "sum of", "multiply", "divide", "percentage",
	}},
	{models.IntentConversational, []string{
		"hello", "hi ", "hey", "how are you", "thanks", "thank you",
		"good morning", "good evening", "chat",
	}},
}

var featureTriggers = map[string][]string{
	models.CapCodeGeneration: {
		"code", "function", "script", "program", "implement", "debug", "refactor",
	},
	models.CapReasoning: {
		"why", "explain", "reason", "because", "analyze", "analyse", "compare",
		"evaluate", "logic",
	},
	models.CapKnowledgeRetrieval: {
		"what is", "who is", "when did", "where is", "define", "history",
		"fact", "capital",
	},
	models.CapEquationSolving: {
		"solve", "equation", "calculate", "derivative", "integral",
	},
	models.CapSummarization: {
		"summarize", "summarise", "summary", "tl;dr", "condense", "shorten",
	},
	models.CapStepByStep: {
		"step by step", "step-by-step", "walk me through", "how do i", "how to",
		"guide", "tutorial",
	},
}

var domainTags = map[string][]string{
	"legal":    {"legal", "contract", "law", "regulation", "compliance"},
	"medical":  {"medical", "diagnosis", "symptom", "patient", "clinical"},
	"finance":  {"finance", "investment", "stock", "budget", "accounting"},
	"software": {"code", "software", "api", "deploy", "database"},
}

var nonASCIILetters = regexp.MustCompile(`[^\x00-\x7F]`)

func (c *classifierServiceImpl) Classify(prompt string) *models.ClassifiedIntent {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return &models.ClassifiedIntent{
			Type:       models.IntentGeneral,
			Complexity: models.ComplexitySimple,
			Features:   []string{models.CapTextGeneration},
			Priority:   "medium",
			Confidence: 0.5,
			Tokens:     models.TokenEstimate{Estimated: 0, Completion: 256},
		}
	}

	lower := strings.ToLower(trimmed)

	intent, matches := classifyType(lower)
	complexity := classifyComplexity(trimmed)
	features := collectFeatures(lower)

	confidence := 0.5
	if matches > 0 {
		confidence = 0.6 + 0.1*float64(matches)
		if confidence > 0.95 {
			confidence = 0.95
		}
	}

	priority := "medium"
	switch complexity {
	case models.ComplexitySimple:
		priority = "low"
	case models.ComplexityComplex, models.ComplexityVeryComplex:
		priority = "high"
	}

	estimated := (len(trimmed) + 3) / 4

	return &models.ClassifiedIntent{
		Type:       intent,
		Complexity: complexity,
		Features:   features,
		Priority:   priority,
		Confidence: confidence,
		Domain:     detectDomain(lower),
		Language:   detectLanguage(trimmed),
		Tokens: models.TokenEstimate{
			Estimated:  estimated,
			Completion: completionBudget(intent, complexity),
		},
	}
}

// classifyType picks the intent with fixed precedence: the first keyword set
// with any hit wins.
func classifyType(lower string) (string, int) {
	for _, set := range intentKeywords {
		matches := 0
		for _, kw := range set.keywords {
			if strings.Contains(lower, kw) {
				matches++
			}
		}
		if matches > 0 {
			return set.intent, matches
		}
	}
	return models.IntentGeneral, 0
}

func classifyComplexity(prompt string) string {
	length := len(prompt)
	var complexity string
	switch {
	case length < 100:
		complexity = models.ComplexitySimple
	case length < 500:
		complexity = models.ComplexityMedium
	case length < 1000:
		complexity = models.ComplexityComplex
	default:
		complexity = models.ComplexityVeryComplex
	}

	// Long average sentence length bumps complexity one level.
	sentences := strings.FieldsFunc(prompt, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	if len(sentences) > 0 {
		avg := length / len(sentences)
		if avg > 120 {
			complexity = bumpComplexity(complexity)
		}
	}
	return complexity
}

func bumpComplexity(c string) string {
	switch c {
	case models.ComplexitySimple:
		return models.ComplexityMedium
	case models.ComplexityMedium:
		return models.ComplexityComplex
	default:
		return models.ComplexityVeryComplex
	}
}

func collectFeatures(lower string) []string {
	features := []string{models.CapTextGeneration}
	// Iteration order is fixed for deterministic output.
	for _, tag := range []string{
		models.CapCodeGeneration,
		models.CapReasoning,
		models.CapKnowledgeRetrieval,
		models.CapEquationSolving,
		models.CapSummarization,
		models.CapStepByStep,
	} {
		for _, kw := range featureTriggers[tag] {
			if strings.Contains(lower, kw) {
				features = append(features, tag)
				break
			}
		}
	}
	return features
}

func detectDomain(lower string) string {
	best := ""
	bestHits := 0
	for _, domain := range []string{"legal", "medical", "finance", "software"} {
		hits := 0
		for _, kw := range domainTags[domain] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = domain, hits
		}
	}
	if bestHits < 2 {
		return ""
	}
	return best
}

// detectLanguage is a best-effort tag: ASCII-dominant text reads as English,
// anything else is left untagged.
func detectLanguage(prompt string) string {
	nonASCII := len(nonASCIILetters.FindAllString(prompt, -1))
	if nonASCII*5 < len(prompt) {
		return "en"
	}
	return ""
}

// completionBudget is the per-type completion token heuristic: creative
// prompts get the largest budget, code the next, everything else scales with
// complexity.
func completionBudget(intent, complexity string) int {
	base := 512
	switch intent {
	case models.IntentCreative:
		base = 1536
	case models.IntentCode:
		base = 1024
	}
	switch complexity {
	case models.ComplexityComplex:
		base += 256
	case models.ComplexityVeryComplex:
		base += 512
	}
	return base
}
