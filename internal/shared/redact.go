package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing substrings in log, event and error text.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|signing[_-]?secret|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Slack bot, user and app tokens.
	regexp.MustCompile(`xox[abposr]-[A-Za-z0-9\-]{10,}`),
	regexp.MustCompile(`xapp-[A-Za-z0-9\-]{10,}`),
	// Anthropic API keys.
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`),
	// Telegram bot tokens.
	regexp.MustCompile(`\b[0-9]{8,10}:[A-Za-z0-9_\-]{35}\b`),
}

// Redact replaces secret-bearing patterns in input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the key prefix, redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue returns a placeholder when key names a secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
