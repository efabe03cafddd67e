package telemetry

import (
	"regexp"
	"strings"
)

const maxRedactedBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)(\s*[:=]\s*|"\s*:\s*")([^\s,;"&]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	hexDigestPattern       = regexp.MustCompile(`\b[a-f0-9]{128}\b`)
)

// Redact masks credentials in text bound for spans and logs, and truncates
// long messages. Full SHA-512 digests are masked too since the hashed API
// key is itself a credential.
func Redact(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1$2<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = hexDigestPattern.ReplaceAllString(redacted, "<digest>")
	if len(redacted) > maxRedactedBytes {
		return redacted[:maxRedactedBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}
