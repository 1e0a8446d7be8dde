package policy

import (
	"regexp"
	"strings"
)

var (
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9._\-]+`)
	apiKeyHeader  = regexp.MustCompile(`(?i)(x-api-key["':=\s]+)[a-zA-Z0-9._\-]+`)
	tokenField    = regexp.MustCompile(`(?i)("(?:token|access_token)"\s*:\s*")[^"]+(")`)
)

// RedactSecrets masks credential material in strings destined for logs or
// client-visible errors. The literal key is masked even when it shows up in
// an unexpected position, such as a provider echoing it back in an error
// body.
func RedactSecrets(input, apiKey string) (redacted string, changed bool) {
	out := input

	if apiKey != "" {
		next := strings.ReplaceAll(out, apiKey, "[REDACTED_KEY]")
		changed = changed || next != out
		out = next
	}

	next := bearerPattern.ReplaceAllString(out, "${1}[REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = apiKeyHeader.ReplaceAllString(out, "${1}[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	next = tokenField.ReplaceAllString(out, "${1}[REDACTED_TOKEN]${2}")
	changed = changed || next != out
	out = next

	return out, changed
}
