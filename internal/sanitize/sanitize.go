// Package sanitize cleans model-produced text before it reaches users,
// session history, or announcement channels, and masks credentials before
// errors are logged or surfaced.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Thinking blocks some models emit as literal text. Go regexp has no
// backreferences, so each tag variant gets its own pattern.
var thinkingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

// AssistantText runs the output hygiene pipeline: strip literal thinking
// tags, drop echoed tool-call text, collapse consecutive duplicate
// paragraphs, trim surrounding whitespace.
func AssistantText(s string) string {
	if s == "" {
		return s
	}
	s = stripThinking(s)
	s = stripToolCallEcho(s)
	s = collapseDuplicateParagraphs(s)
	return strings.TrimSpace(s)
}

func stripThinking(s string) string {
	lower := strings.ToLower(s)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return s
	}
	for _, pat := range thinkingPatterns {
		s = pat.ReplaceAllString(s, "")
	}
	return s
}

var toolEchoMarkers = []string{"[Tool Call:", "[Tool Result"}

// stripToolCallEcho removes "[Tool Call: ...]" / "[Tool Result ...]" blocks
// that weaker models emit as plain text instead of structured tool calls.
// Line-based scan: the argument JSON under a marker is indented or brace-only.
func stripToolCallEcho(s string) string {
	found := false
	for _, m := range toolEchoMarkers {
		if strings.Contains(s, m) {
			found = true
			break
		}
	}
	if !found {
		return s
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if hasAnyPrefix(trimmed, toolEchoMarkers) {
			skipping = true
			continue
		}
		if skipping {
			if trimmed == "" || strings.HasPrefix(trimmed, "Arguments:") ||
				strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "}") {
				continue
			}
			skipping = false
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func collapseDuplicateParagraphs(s string) string {
	paras := strings.Split(s, "\n\n")
	if len(paras) <= 1 {
		return s
	}
	var kept []string
	for _, p := range paras {
		t := strings.TrimSpace(p)
		if t == "" {
			continue
		}
		if len(kept) > 0 && t == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "\n\n")
}

const truncationMarker = "... (truncated)"

// Truncate caps s at limit runes. When text is dropped the marker is
// appended and the total stays within limit.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	keep := limit - utf8.RuneCountInString(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + truncationMarker
}
