package sanitize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestAssistantTextStripsThinkingTags(t *testing.T) {
	in := "<thinking>let me reason\nabout this</thinking>The answer is 4."
	assert.Equal(t, "The answer is 4.", AssistantText(in))

	in = "<think>short</think>Done. <thought>again</thought>"
	assert.Equal(t, "Done.", AssistantText(in))
}

func TestAssistantTextDropsToolCallEcho(t *testing.T) {
	in := strings.Join([]string{
		"Let me check that.",
		"[Tool Call: get_weather]",
		"Arguments:",
		`{"city": "Hanoi"}`,
		"",
		"It is sunny in Hanoi.",
	}, "\n")
	out := AssistantText(in)
	assert.NotContains(t, out, "Tool Call")
	assert.NotContains(t, out, "Arguments")
	assert.Contains(t, out, "Let me check that.")
	assert.Contains(t, out, "It is sunny in Hanoi.")
}

func TestAssistantTextCollapsesDuplicateParagraphs(t *testing.T) {
	in := "Here is the plan.\n\nHere is the plan.\n\nStep one."
	assert.Equal(t, "Here is the plan.\n\nStep one.", AssistantText(in))
}

func TestAssistantTextTrimsWhitespace(t *testing.T) {
	assert.Equal(t, "hello", AssistantText("\n\n  \nhello\n"))
	assert.Equal(t, "", AssistantText(""))
}

func TestTruncateShortTextUnchanged(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 1800))
	assert.Equal(t, "exact", Truncate("exact", 5))
}

func TestTruncateAppendsMarkerWithinLimit(t *testing.T) {
	long := strings.Repeat("a", 5000)
	out := Truncate(long, 1800)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), 1800)
	assert.True(t, strings.HasSuffix(out, "... (truncated)"))
}

func TestTruncateIsRuneSafe(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 500)
	out := Truncate(long, 100)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, utf8.RuneCountInString(out), 100)
}
