package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing patterns in strings headed for logs,
// audit records, or the operator event stream. Device metadata is arbitrary
// JSON supplied by remote agents, so anything merged into a profile may end
// up here.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// SensitiveKey reports whether a metadata or log key name looks secret-bearing.
func SensitiveKey(key string) bool {
	keyLower := strings.ToLower(strings.TrimSpace(key))
	if keyLower == "" {
		return false
	}
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization", "bearer"} {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}
