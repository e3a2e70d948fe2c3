// Package estimator predicts the credit cost of answering a message before
// any provider is called. The estimate gates requests against the team
// balance; actual settlement happens afterwards from reported usage.
package estimator

import (
	"math"
	"strings"

	"herobot/internal/pricing"
)

const (
	// Rough chars-per-token ratio used across providers.
	charsPerToken = 4

	transcriptionTokens = 500
	responseTokens      = 300

	toolBuffer   = 0.2
	safetyMargin = 0.1

	// Credits per 1M tokens when the model has no published rate.
	fallbackCreditsPerMTok = 50000
)

// Retrieval happens after gating, so its contribution is estimated with a
// fixed-size placeholder instead of the real chunks.
var knowledgePlaceholder = strings.Repeat("[Knowledge context placeholder] ", 200)

type Input struct {
	Provider     string
	Model        string
	Message      string
	SystemPrompt string
	History      []string
	ToolsJSON    string
	HasAudio     bool
	HasKnowledge bool
	HasTools     bool
}

// Tokens estimates the input token count for a request.
func Tokens(in Input) int64 {
	chars := len(in.Message) + len(in.SystemPrompt) + len(in.ToolsJSON)
	for _, h := range in.History {
		chars += len(h)
	}
	if in.HasKnowledge {
		chars += len(knowledgePlaceholder)
	}

	tokens := int64(math.Ceil(float64(chars) / charsPerToken))
	if tokens < 1 {
		tokens = 1
	}
	if in.HasAudio {
		tokens += transcriptionTokens
	}
	return tokens
}

// Credits estimates the cost of the request in credits.
func Credits(in Input) float64 {
	inputTokens := Tokens(in)

	var cost float64
	if pricing.Supported(in.Provider, in.Model) {
		cost = pricing.Cost(in.Provider, in.Model, inputTokens, responseTokens)
	} else {
		total := inputTokens + responseTokens
		cost = float64(total) / 1_000_000 * fallbackCreditsPerMTok
	}

	if in.HasTools {
		cost *= 1 + toolBuffer
	}
	return cost * (1 + safetyMargin)
}
