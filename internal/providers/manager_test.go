package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProvider struct {
	name  string
	model string
}

func (p *staticProvider) Chat(context.Context, ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Text: "ok", StopReason: StopEndTurn}, nil
}
func (p *staticProvider) DefaultModel() string { return p.model }
func (p *staticProvider) Name() string         { return p.name }
func (p *staticProvider) Capabilities() Capabilities {
	return Capabilities{Tools: ToolsSupported}
}

func newTestManager(t *testing.T, cfg ManagerConfig, names ...string) *Manager {
	t.Helper()
	m := NewManager(cfg)
	for _, name := range names {
		require.NoError(t, m.Register(&staticProvider{name: name, model: name + "-default"}))
	}
	return m
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(ManagerConfig{})
	require.NoError(t, m.Register(&staticProvider{name: "anthropic"}))
	err := m.Register(&staticProvider{name: "anthropic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestGetForUserDefaultRoute(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		DefaultProvider: "anthropic",
		DefaultModel:    "claude-sonnet-4-5",
	}, "anthropic", "openai")

	route, err := m.GetForUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", route.Provider.Name())
	assert.Equal(t, "claude-sonnet-4-5", route.Model)
	assert.False(t, route.FailedOver)
}

func TestGetForUserFallsBackToProviderDefaultModel(t *testing.T) {
	m := newTestManager(t, ManagerConfig{DefaultProvider: "anthropic"}, "anthropic")

	route, err := m.GetForUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic-default", route.Model)
}

func TestTieredRouting(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		DefaultProvider: "anthropic",
		DefaultModel:    "claude-sonnet-4-5",
		Tiers: map[string]TierModel{
			TierLight: {Provider: "openai", Model: "gpt-4o-mini"},
			TierHeavy: {Provider: "anthropic", Model: "claude-opus-4"},
		},
	}, "anthropic", "openai")

	assert.True(t, m.IsTierEnabled())

	light, err := m.GetForUserTiered("u1", TierLight)
	require.NoError(t, err)
	assert.Equal(t, "openai", light.Provider.Name())
	assert.Equal(t, "gpt-4o-mini", light.Model)

	heavy, err := m.GetForUserTiered("u1", TierHeavy)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", heavy.Provider.Name())
	assert.Equal(t, "claude-opus-4", heavy.Model)

	// Unknown tier falls back to the default route.
	def, err := m.GetForUserTiered("u1", "mystery")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", def.Model)
}

func TestTierDisabledWhenUnconfigured(t *testing.T) {
	m := newTestManager(t, ManagerConfig{DefaultProvider: "anthropic"}, "anthropic")
	assert.False(t, m.IsTierEnabled())
}

func TestFailoverAfterThreshold(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		DefaultProvider:  "anthropic",
		DefaultModel:     "claude-sonnet-4-5",
		FailureThreshold: 3,
		Cooldown:         time.Minute,
	}, "anthropic", "openai")

	boom := errors.New("boom")
	m.ReportFailure("anthropic", boom)
	m.ReportFailure("anthropic", boom)

	// Below threshold: still routed to the default.
	route, err := m.GetForUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", route.Provider.Name())
	assert.False(t, route.FailedOver)

	m.ReportFailure("anthropic", boom)

	route, err = m.GetForUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "openai", route.Provider.Name())
	assert.Equal(t, "openai-default", route.Model)
	assert.True(t, route.FailedOver)
	assert.Equal(t, "anthropic", route.OriginalProvider)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		DefaultProvider:  "anthropic",
		FailureThreshold: 3,
	}, "anthropic", "openai")

	boom := errors.New("boom")
	m.ReportFailure("anthropic", boom)
	m.ReportFailure("anthropic", boom)
	m.ReportSuccess("anthropic")
	m.ReportFailure("anthropic", boom)
	m.ReportFailure("anthropic", boom)

	route, err := m.GetForUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", route.Provider.Name())
}

func TestAllProvidersUnavailable(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		DefaultProvider:  "anthropic",
		FailureThreshold: 1,
		Cooldown:         time.Minute,
	}, "anthropic", "openai")

	boom := errors.New("boom")
	m.ReportFailure("anthropic", boom)
	m.ReportFailure("openai", boom)

	_, err := m.GetForUser("u1")
	require.ErrorIs(t, err, ErrAllProvidersUnavailable)
	assert.Equal(t, "All LLM providers are currently unavailable", err.Error())
}

func TestCooldownExpiryRestoresProvider(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		DefaultProvider:  "anthropic",
		FailureThreshold: 1,
		Cooldown:         time.Minute,
	}, "anthropic")

	now := time.Now()
	m.now = func() time.Time { return now }

	m.ReportFailure("anthropic", errors.New("boom"))
	_, err := m.GetForUser("u1")
	require.ErrorIs(t, err, ErrAllProvidersUnavailable)

	now = now.Add(2 * time.Minute)
	route, err := m.GetForUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", route.Provider.Name())
	assert.False(t, route.FailedOver)
}

func TestTrackUsageAccumulates(t *testing.T) {
	m := newTestManager(t, ManagerConfig{DefaultProvider: "anthropic"}, "anthropic")

	m.TrackUsage("anthropic", "claude-sonnet-4-5", Usage{InputTokens: 100, OutputTokens: 40}, TierHeavy)
	m.TrackUsage("anthropic", "claude-sonnet-4-5", Usage{InputTokens: 50, OutputTokens: 10}, TierHeavy)
	m.TrackUsage("anthropic", "claude-haiku-4", Usage{InputTokens: 5, OutputTokens: 1}, TierLight)

	stats := m.UsageSnapshot()
	require.Len(t, stats, 2)
	assert.Equal(t, "claude-haiku-4", stats[0].Model)
	assert.Equal(t, int64(5), stats[0].InputTokens)
	assert.Equal(t, "claude-sonnet-4-5", stats[1].Model)
	assert.Equal(t, int64(2), stats[1].Calls)
	assert.Equal(t, int64(150), stats[1].InputTokens)
	assert.Equal(t, int64(50), stats[1].OutputTokens)
}

func TestUsageTotalAndAdd(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 4}
	u.Add(Usage{InputTokens: 1, OutputTokens: 2})
	assert.Equal(t, int64(11), u.InputTokens)
	assert.Equal(t, int64(6), u.OutputTokens)
	assert.Equal(t, int64(17), u.Total())
}
