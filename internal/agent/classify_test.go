package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wardenlabs/warden/internal/providers"
)

func TestClassifyTier(t *testing.T) {
	hints := DefaultConfig().HeavyToolHints

	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"greeting", "Hi", providers.TierLight},
		{"question", "what's the weather like today?", providers.TierLight},
		{"long message", strings.Repeat("a", 401), providers.TierHeavy},
		{"research cue", "Research the history of the Transputer", providers.TierHeavy},
		{"analysis cue", "Can you analyse last month's electricity usage?", providers.TierHeavy},
		{"comparison", "compare redis and memcached for session storage", providers.TierHeavy},
		{"long-form writing", "write a short report about the garden sensors", providers.TierHeavy},
		{"planning", "plan a trip to Kyoto in November", providers.TierHeavy},
		{"step by step", "walk me through this step by step", providers.TierHeavy},
		{"summarize document", "summarize this document for me", providers.TierHeavy},
		{"heavy tool mention", "use web_search to find the score", providers.TierHeavy},
		{"casual mention of writing", "I like to write in my journal", providers.TierLight},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTier(tt.message, hints))
		})
	}
}

func TestClassifyTierBoundary(t *testing.T) {
	assert.Equal(t, providers.TierLight, ClassifyTier(strings.Repeat("a", 400), nil))
	assert.Equal(t, providers.TierHeavy, ClassifyTier(strings.Repeat("a", 401), nil))
}
