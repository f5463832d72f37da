package players

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"promo-code-engine/internal/cache"
	"promo-code-engine/internal/clock"
)

// DefaultCooldown is how long a player stays blocked after a send attempt.
const DefaultCooldown = 2 * time.Minute

type cooldownEntry struct {
	TriedAt time.Time `json:"tried_at"`
}

// CooldownTracker blocks a player for a short window after each attempt,
// independent of partner locks. Entries live in a cache and are lost on restart.
type CooldownTracker struct {
	cache  cache.Cache
	clock  clock.Clock
	window time.Duration
	logger *slog.Logger
}

// NewCooldownTracker creates a tracker. A non-positive window uses DefaultCooldown.
func NewCooldownTracker(c cache.Cache, clk clock.Clock, window time.Duration, logger *slog.Logger) *CooldownTracker {
	if window <= 0 {
		window = DefaultCooldown
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CooldownTracker{
		cache:  c,
		clock:  clk,
		window: window,
		logger: logger.With("component", "cooldown"),
	}
}

func cooldownKey(site, player string) string {
	return "cooldown:" + site + ":" + player
}

// MarkTried records an attempt at player now.
func (t *CooldownTracker) MarkTried(ctx context.Context, site, player string) {
	entry := cooldownEntry{TriedAt: t.clock.Now()}
	if err := cache.SetJSON(ctx, t.cache, cooldownKey(site, player), entry, t.window); err != nil {
		t.logger.Warn("failed to mark player tried", "site", site, "player", player, "error", err)
	}
}

// Blocked reports whether player was tried less than the window ago.
// A cache failure never blocks.
func (t *CooldownTracker) Blocked(ctx context.Context, site, player string) bool {
	var entry cooldownEntry
	if err := cache.GetJSON(ctx, t.cache, cooldownKey(site, player), &entry); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			t.logger.Warn("failed to read cooldown", "site", site, "player", player, "error", err)
		}
		return false
	}
	return t.clock.Now().Sub(entry.TriedAt) < t.window
}

// Window returns the configured cooldown.
func (t *CooldownTracker) Window() time.Duration {
	return t.window
}
