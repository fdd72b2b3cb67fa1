package audit

import (
	"regexp"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

// Masking happens before a record leaves the recorder, so every sink
// (database, file, broker) sees the same scrubbed text.

var (
	keyValueSecret = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password|passwd|cookie)\b(\s*[=:]\s*)(\S+)`)
	bearerSecret   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)
	// Long opaque strings are treated as credentials even without a
	// recognizable key name.
	longOpaque = regexp.MustCompile(`\b[A-Za-z0-9_\-]{28,}\b`)
)

const mask = "********"

// MaskSecrets scrubs credential-looking substrings from free text.
func MaskSecrets(s string) string {
	if s == "" {
		return s
	}
	s = keyValueSecret.ReplaceAllString(s, "${1}${2}"+mask)
	s = bearerSecret.ReplaceAllString(s, "Bearer "+mask)
	s = longOpaque.ReplaceAllString(s, mask)
	return s
}

func maskRecord(rec models.AuditRecord) models.AuditRecord {
	rec.Target = MaskSecrets(rec.Target)
	rec.ExecutionResult = MaskSecrets(rec.ExecutionResult)
	rec.Error = MaskSecrets(rec.Error)
	return rec
}
