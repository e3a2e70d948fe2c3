package pricing

import "math"

// Credits are stored as integers scaled by MicroPerCredit to avoid
// floating-point drift across repeated ledger additions.
const MicroPerCredit = 1_000_000

// UsdToCredits is the fixed exchange rate: 16,500 credits per USD.
const UsdToCredits = 16500.0

// Fallback rates in credits per 1M tokens when a model is not in the table.
const (
	fallbackInputCreditsPerM  = 1000.0
	fallbackOutputCreditsPerM = 5000.0
)

// Rate holds USD prices per one million tokens.
type Rate struct {
	Input  float64
	Output float64
}

var table = map[string]map[string]Rate{
	"openai": {
		"gpt-5":                  {Input: 1.25, Output: 10.0},
		"gpt-5-mini":             {Input: 0.25, Output: 2.0},
		"gpt-5-nano":             {Input: 0.05, Output: 0.4},
		"gpt-4.1":                {Input: 2.0, Output: 8.0},
		"gpt-4.1-mini":           {Input: 0.4, Output: 1.6},
		"gpt-4.1-nano":           {Input: 0.1, Output: 0.4},
		"gpt-4o":                 {Input: 2.5, Output: 10.0},
		"gpt-4o-mini":            {Input: 0.15, Output: 0.6},
		"whisper-1":              {Input: 0.006, Output: 0},
		"text-embedding-3-small": {Input: 0.01, Output: 0},
		"text-embedding-3-large": {Input: 0.065, Output: 0},
		"text-embedding-ada-002": {Input: 0.05, Output: 0},
	},
	"gemini": {
		"gemini-2.5-pro":        {Input: 1.25, Output: 10.0},
		"gemini-2.5-flash":      {Input: 0.3, Output: 2.5},
		"gemini-2.5-flash-lite": {Input: 0.1, Output: 0.4},
		"gemini-embedding-001":  {Input: 0.15, Output: 0},
	},
}

// Lookup returns the pricing entry for a provider/model pair.
func Lookup(provider, model string) (Rate, bool) {
	models, ok := table[provider]
	if !ok {
		return Rate{}, false
	}
	r, ok := models[model]
	return r, ok
}

// Supported reports whether a provider/model pair has an explicit price.
func Supported(provider, model string) bool {
	_, ok := Lookup(provider, model)
	return ok
}

// Cost returns the price of a token count in credits. Unknown models fall
// back to conservative flat rates so usage is never billed at zero.
func Cost(provider, model string, inputTokens, outputTokens int64) float64 {
	rate, ok := Lookup(provider, model)
	if !ok {
		return float64(inputTokens)/1e6*fallbackInputCreditsPerM +
			float64(outputTokens)/1e6*fallbackOutputCreditsPerM
	}
	usd := float64(inputTokens)/1e6*rate.Input + float64(outputTokens)/1e6*rate.Output
	return usd * UsdToCredits
}

// ToMicro converts a decimal credit amount to scaled integer units.
func ToMicro(credits float64) int64 {
	return int64(math.Round(credits * MicroPerCredit))
}

// FromMicro converts scaled integer units back to decimal credits.
func FromMicro(micro int64) float64 {
	return float64(micro) / MicroPerCredit
}
