package features

import (
	"errors"
	"sort"
	"sync"
)

// Predefined feature flag names
const (
	// FeatureFanOut lets a redeemed code be offered to the rest of the pool
	// after the direct send fails.
	FeatureFanOut = "fan_out_enabled"
	// FeatureHumanCaptcha hands failed OCR answers to an operator.
	FeatureHumanCaptcha = "human_captcha_fallback"
	// FeatureNotifications enables the Telegram notifier.
	FeatureNotifications = "notifications_enabled"
)

// ErrUnknownFlag is returned when toggling a flag that was never registered.
var ErrUnknownFlag = errors.New("features: unknown flag")

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// RegisterDefaults registers every engine flag with the given initial state.
func (m *Manager) RegisterDefaults(fanOut, humanCaptcha, notifications bool) {
	m.Register(FeatureFanOut, fanOut, "Offer redeemed codes to the filtered player pool after a failed direct send")
	m.Register(FeatureHumanCaptcha, humanCaptcha, "Ask an operator when OCR cannot read a captcha")
	m.Register(FeatureNotifications, notifications, "Post delivered codes to Telegram")
}

// IsEnabled checks if a feature flag is enabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}
	return flag.Enabled
}

// Set toggles a registered flag at runtime.
func (m *Manager) Set(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, exists := m.flags[name]
	if !exists {
		return ErrUnknownFlag
	}
	flag.Enabled = enabled
	return nil
}

// Checker returns a closure bound to one flag.
func (m *Manager) Checker(name string) func() bool {
	return func() bool { return m.IsEnabled(name) }
}

// List returns copies of all flags sorted by name.
func (m *Manager) List() []FeatureFlag {
	m.mu.RLock()
	out := make([]FeatureFlag, 0, len(m.flags))
	for _, v := range m.flags {
		out = append(out, *v)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
