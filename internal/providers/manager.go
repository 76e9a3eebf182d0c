package providers

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Routing tiers. Light handles classification/summarization traffic, heavy
// handles tool-use turns that need the stronger model.
const (
	TierLight = "light"
	TierHeavy = "heavy"
)

// ErrAllProvidersUnavailable is the one provider error the orchestrator lets
// propagate. The text is part of the contract; callers match on it.
var ErrAllProvidersUnavailable = errors.New("All LLM providers are currently unavailable")

// Route is a routing decision: which provider and model to call, plus
// failover hints the caller surfaces to the user.
type Route struct {
	Provider         Provider
	Model            string
	FailedOver       bool
	OriginalProvider string
}

// TierModel binds a tier to a (provider, model) pair.
type TierModel struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ManagerConfig configures routing and failover behavior.
type ManagerConfig struct {
	// DefaultProvider and DefaultModel serve untiered requests. An empty
	// DefaultModel falls back to the provider's own default.
	DefaultProvider string
	DefaultModel    string

	// Tiers maps tier names (TierLight, TierHeavy) to model bindings.
	// Empty disables tier routing entirely.
	Tiers map[string]TierModel

	// FailureThreshold is how many consecutive reported failures put a
	// provider into cooldown. Zero means 3.
	FailureThreshold int

	// Cooldown is how long a tripped provider is skipped before it is
	// eligible again. Zero means 2 minutes.
	Cooldown time.Duration
}

const (
	defaultFailureThreshold = 3
	defaultCooldown         = 2 * time.Minute
)

// providerState tracks failover bookkeeping for one registered provider.
type providerState struct {
	consecutiveFailures int
	cooldownUntil       time.Time
}

// UsageStat is the accumulated token spend for one (provider, model) pair.
type UsageStat struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Tier         string `json:"tier,omitempty"`
	Calls        int64  `json:"calls"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// Manager owns the registered providers and decides, per call, which one a
// user's request goes to. Failover lives here: when the preferred provider is
// in cooldown the manager routes to the next healthy one and flags the Route
// so the caller can tell the user. Callers report call outcomes back via
// ReportSuccess/ReportFailure; the manager never wraps Chat itself.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	state     map[string]*providerState
	usage     map[string]*UsageStat
	cfg       ManagerConfig
	now       func() time.Time
}

// NewManager builds a Manager. Providers are registered separately.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Manager{
		providers: make(map[string]Provider),
		state:     make(map[string]*providerState),
		usage:     make(map[string]*UsageStat),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Register adds a provider. Registration order is failover order. Duplicate
// names are rejected.
func (m *Manager) Register(p Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := p.Name()
	if _, exists := m.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	m.providers[name] = p
	m.order = append(m.order, name)
	m.state[name] = &providerState{}
	return nil
}

// Get returns a registered provider by name.
func (m *Manager) Get(name string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	return p, ok
}

// Names returns registered provider names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// IsTierEnabled reports whether tiered routing is configured.
func (m *Manager) IsTierEnabled() bool {
	return len(m.cfg.Tiers) > 0
}

// GetForUser routes userID to the default (provider, model), failing over to
// the next healthy provider when the default is in cooldown.
func (m *Manager) GetForUser(userID string) (Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route(m.cfg.DefaultProvider, m.cfg.DefaultModel)
}

// GetForUserModel routes userID to the default provider with an explicit
// model preference. On failover the preference is dropped: the fallback
// provider serves its own default model instead.
func (m *Manager) GetForUserModel(userID, model string) (Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route(m.cfg.DefaultProvider, model)
}

// GetForUserTiered routes userID to the (provider, model) bound to tier. An
// unknown tier falls back to the default route.
func (m *Manager) GetForUserTiered(userID, tier string) (Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.cfg.Tiers[tier]
	if !ok {
		return m.route(m.cfg.DefaultProvider, m.cfg.DefaultModel)
	}
	return m.route(tm.Provider, tm.Model)
}

// route picks the preferred provider when healthy, otherwise the first
// healthy provider in registration order. Caller holds m.mu.
func (m *Manager) route(prefName, prefModel string) (Route, error) {
	if prefName == "" && len(m.order) > 0 {
		prefName = m.order[0]
	}
	if p, ok := m.providers[prefName]; ok && m.available(prefName) {
		return Route{Provider: p, Model: m.modelFor(p, prefModel)}, nil
	}

	for _, name := range m.order {
		if name == prefName || !m.available(name) {
			continue
		}
		p := m.providers[name]
		slog.Warn("provider failover",
			"from", prefName, "to", name)
		return Route{
			Provider:         p,
			Model:            p.DefaultModel(),
			FailedOver:       true,
			OriginalProvider: prefName,
		}, nil
	}
	return Route{}, ErrAllProvidersUnavailable
}

func (m *Manager) modelFor(p Provider, model string) string {
	if model != "" {
		return model
	}
	return p.DefaultModel()
}

// available reports whether name exists and is not in cooldown. Caller holds
// m.mu. A cooldown that has lapsed is cleared so the provider gets probed
// again.
func (m *Manager) available(name string) bool {
	st, ok := m.state[name]
	if !ok {
		return false
	}
	if st.cooldownUntil.IsZero() {
		return true
	}
	if m.now().After(st.cooldownUntil) {
		st.cooldownUntil = time.Time{}
		st.consecutiveFailures = 0
		return true
	}
	return false
}

// ReportSuccess clears failure bookkeeping for name after a successful call.
func (m *Manager) ReportSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.state[name]; ok {
		st.consecutiveFailures = 0
		st.cooldownUntil = time.Time{}
	}
}

// ReportFailure records a failed call against name. Hitting the consecutive
// failure threshold puts the provider into cooldown so routing skips it.
func (m *Manager) ReportFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[name]
	if !ok {
		return
	}
	st.consecutiveFailures++
	if st.consecutiveFailures >= m.cfg.FailureThreshold {
		st.cooldownUntil = m.now().Add(m.cfg.Cooldown)
		slog.Warn("provider entering cooldown",
			"provider", name,
			"failures", st.consecutiveFailures,
			"until", st.cooldownUntil.Format(time.RFC3339),
			"error", err)
	}
}

// TrackUsage accumulates token spend for a completed call.
func (m *Manager) TrackUsage(providerName, model string, usage Usage, tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := providerName + "/" + model
	stat, ok := m.usage[key]
	if !ok {
		stat = &UsageStat{Provider: providerName, Model: model}
		m.usage[key] = stat
	}
	stat.Calls++
	stat.InputTokens += usage.InputTokens
	stat.OutputTokens += usage.OutputTokens
	if tier != "" {
		stat.Tier = tier
	}
	slog.Debug("llm usage",
		"provider", providerName, "model", model, "tier", tier,
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)
}

// UsageSnapshot returns accumulated usage, sorted by provider/model key.
func (m *Manager) UsageSnapshot() []UsageStat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UsageStat, 0, len(m.usage))
	for _, stat := range m.usage {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}
