package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing fragments in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// key=value pairs with key-like prefixes
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization header bearer tokens
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Google API keys
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// OpenAI-style keys
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	// Telegram bot tokens (botID:secret)
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}\b`),
	// UUID-shaped tokens after auth-related prefixes
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
	// password pairs
	regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?([^\s"]{8,})"?`),
	// PEM private key blocks, including blocks truncated mid-key
	regexp.MustCompile(`(?s)-----BEGIN\s+(?:[A-Z ]+\s+)?PRIVATE\s+KEY-----.*?(?:-----END\s+(?:[A-Z ]+\s+)?PRIVATE\s+KEY-----|\z)`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
// Applied to everything that leaves the process: log lines, audit entries,
// operator notifications.
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

// RedactValue returns [REDACTED] when the key name looks secret-bearing,
// otherwise the value unchanged. Used for env and config dumps.
func RedactValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
