package providers

import (
	"errors"
	"fmt"
	"strings"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ErrInvalidServiceRef marks a malformed provider/model string.
var ErrInvalidServiceRef = errors.New("invalid service ref, expected provider/model")

// ServiceRef identifies a backend model as "provider/model".
type ServiceRef struct {
	Provider string
	Model    string
}

func (r ServiceRef) String() string {
	return r.Provider + "/" + r.Model
}

// ParseServiceRef parses a "provider/model" string, failing fast on
// malformed values.
func ParseServiceRef(s string) (ServiceRef, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return ServiceRef{}, fmt.Errorf("%w: %q", ErrInvalidServiceRef, s)
	}
	return ServiceRef{
		Provider: strings.ToLower(strings.TrimSpace(parts[0])),
		Model:    strings.TrimSpace(parts[1]),
	}, nil
}
