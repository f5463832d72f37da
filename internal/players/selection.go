package players

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"promo-code-engine/internal/models"
)

// Selector picks the players a redeemed code is offered to.
type Selector struct {
	registry *Registry

	mu   sync.Mutex
	intn func(n int) int
}

// NewSelector creates a Selector that picks uniformly at random.
func NewSelector(registry *Registry) *Selector {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Selector{registry: registry, intn: rng.Intn}
}

// NewSelectorWithRand uses intn for random picks, for deterministic tests.
func NewSelectorWithRand(registry *Registry, intn func(n int) int) *Selector {
	return &Selector{registry: registry, intn: intn}
}

// Selection is a candidate list for one reward.
type Selection struct {
	Players []string
	// Unfiltered is set when every player was excluded and Players is the
	// whole "all" tier.
	Unfiltered bool
}

// Select returns the first tier for points that still has eligible players.
// When every tier is exhausted it falls back to "all" filtered, and finally to
// "all" unfiltered so a code is never stranded.
func (s *Selector) Select(site string, points float64, excluded func(string) bool) (Selection, error) {
	st, ok := s.registry.Site(site)
	if !ok {
		return Selection{}, fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}
	pool, _ := s.registry.Pool(site)

	for _, tier := range PolicyFor(st).TiersFor(points) {
		if eligible := filter(pool.Tier(tier), excluded); len(eligible) > 0 {
			return Selection{Players: eligible}, nil
		}
	}
	if eligible := filter(pool.All, excluded); len(eligible) > 0 {
		return Selection{Players: eligible}, nil
	}
	return Selection{Players: pool.All, Unfiltered: len(pool.All) > 0}, nil
}

// SelectPool is Select without the fallback marker.
func (s *Selector) SelectPool(site string, points float64, excluded func(string) bool) ([]string, error) {
	sel, err := s.Select(site, points, excluded)
	return sel.Players, err
}

// Pick chooses one player of sel uniformly at random.
func (s *Selector) Pick(sel Selection) (string, bool) {
	if len(sel.Players) == 0 {
		return "", false
	}
	s.mu.Lock()
	i := s.intn(len(sel.Players))
	s.mu.Unlock()
	return sel.Players[i], true
}

// SelectSingle picks one player uniformly from SelectPool.
func (s *Selector) SelectSingle(site string, points float64, excluded func(string) bool) (string, bool, error) {
	sel, err := s.Select(site, points, excluded)
	if err != nil {
		return "", false, err
	}
	player, ok := s.Pick(sel)
	return player, ok, nil
}

// TierNames is a logging helper.
func TierNames(tiers []models.Tier) []string {
	out := make([]string, len(tiers))
	for i, t := range tiers {
		out[i] = string(t)
	}
	return out
}
