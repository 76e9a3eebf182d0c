package agent

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/wardenlabs/warden/internal/providers"
)

// heavyMessageChars is the length past which a message is assumed to need
// the heavy tier regardless of content.
const heavyMessageChars = 400

// Cues that usually precede multi-step or long-form work.
var heavyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(research|investigate|analy[sz]e|deep.?dive)\b`),
	regexp.MustCompile(`(?i)\b(compare|contrast)\b.+\b(and|vs|versus|with)\b`),
	regexp.MustCompile(`(?i)\bwrite\b.+\b(report|essay|article|post|script|program|code|spec)\b`),
	regexp.MustCompile(`(?i)\b(plan|organize|draft)\b.+\b(trip|project|week|schedule|migration)\b`),
	regexp.MustCompile(`(?i)\bstep.?by.?step\b`),
	regexp.MustCompile(`(?i)\bsummari[sz]e\b.+\b(thread|document|file|repo|paper)\b`),
}

// ClassifyTier picks the model tier for a message. Long messages, long-form
// cues, and mentions of heavy tools all push to heavy; everything else stays
// on the light tier.
func ClassifyTier(message string, heavyToolHints []string) string {
	if utf8.RuneCountInString(message) > heavyMessageChars {
		return providers.TierHeavy
	}
	for _, re := range heavyPatterns {
		if re.MatchString(message) {
			return providers.TierHeavy
		}
	}
	lower := strings.ToLower(message)
	for _, hint := range heavyToolHints {
		if hint != "" && strings.Contains(lower, hint) {
			return providers.TierHeavy
		}
	}
	return providers.TierLight
}
