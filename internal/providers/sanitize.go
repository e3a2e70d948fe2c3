package providers

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// The strictest backend constrains function names to alphanumerics plus
// underscore, dot and dash, starting with a letter or underscore, at most
// 64 characters.
var (
	reInvalidFuncChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
	reValidFuncStart   = regexp.MustCompile(`^[a-zA-Z_]`)
)

const maxFunctionNameLen = 64

// SanitizeFunctionName makes an arbitrary tool name acceptable to every
// supported backend. Dispatch back to the tool goes through an explicit
// name-to-id table built alongside the specs, so the result carries no
// encoded identifier.
func SanitizeFunctionName(name string) string {
	s := strings.ReplaceAll(name, " ", "_")
	s = reInvalidFuncChars.ReplaceAllString(s, "")
	if len(s) > maxFunctionNameLen {
		s = s[:maxFunctionNameLen]
	}
	if s == "" {
		s = "function_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if !reValidFuncStart.MatchString(s) {
		s = "_" + s
	}
	return s
}
