package sanitize

import (
	"regexp"
	"strings"
)

const mask = "[REDACTED]"

// rule pairs a pattern with the capture group to mask. Group 0 masks the
// whole match; a positive group masks only the secret and keeps the key
// name visible for debugging.
type rule struct {
	re    *regexp.Regexp
	group int
}

var redactRules = []rule{
	// Provider API keys.
	{re: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{16,}`)},
	{re: regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`)},
	// Bearer tokens and JWTs.
	{re: regexp.MustCompile(`(?i)bearer\s+([A-Za-z0-9_\-.=]{16,})`), group: 1},
	{re: regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)},
	// Credential assignments: api_key=..., password: "...", etc.
	{re: regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|private[_-]?key|access[_-]?token|refresh[_-]?token|auth[_-]?token|password|passwd|pwd)\s*[=:]\s*['"]?([^\s'",;]{4,})['"]?`), group: 2},
	// AWS access key ids.
	{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	// IP addresses.
	{re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{re: regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`)},
}

// Redact masks API keys, tokens, credential assignments and IP addresses.
// Every error message and event payload passes through here before it is
// logged, published, or shown to a user.
func Redact(s string) string {
	for _, r := range redactRules {
		s = applyRule(s, r)
	}
	return s
}

// RedactError is Redact over err.Error(), nil-safe.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}

func applyRule(s string, r rule) string {
	if r.group == 0 {
		return r.re.ReplaceAllString(s, mask)
	}
	return r.re.ReplaceAllStringFunc(s, func(m string) string {
		sub := r.re.FindStringSubmatch(m)
		if len(sub) <= r.group || sub[r.group] == "" {
			return mask
		}
		return strings.Replace(m, sub[r.group], mask, 1)
	})
}
