package players

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"promo-code-engine/internal/models"
)

var (
	// ErrUnknownSite is returned for a site name that is not registered.
	ErrUnknownSite = errors.New("players: unknown site")
	// ErrDuplicateSite is returned when two sites share a name.
	ErrDuplicateSite = errors.New("players: duplicate site")
)

// Registry holds the configured sites and their player pools.
type Registry struct {
	mu    sync.RWMutex
	sites map[string]models.Site
}

// NewRegistry indexes sites by name.
func NewRegistry(sites []models.Site) (*Registry, error) {
	r := &Registry{sites: make(map[string]models.Site, len(sites))}
	for _, s := range sites {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrUnknownSite)
		}
		if _, exists := r.sites[s.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSite, s.Name)
		}
		r.sites[s.Name] = s
	}
	return r, nil
}

// Site returns the named site.
func (r *Registry) Site(name string) (models.Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[name]
	return s, ok
}

// Sites returns every site ordered by priority, then name.
func (r *Registry) Sites() []models.Site {
	r.mu.RLock()
	out := make([]models.Site, 0, len(r.sites))
	for _, s := range r.sites {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		pi, pj := effectivePriority(out[i]), effectivePriority(out[j])
		if pi != pj {
			return pi < pj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Pool returns a copy of the named site's player pool.
func (r *Registry) Pool(name string) (models.PlayerPool, bool) {
	s, ok := r.Site(name)
	if !ok {
		return models.PlayerPool{}, false
	}
	return models.PlayerPool{
		VeryHigh: clone(s.Pool.VeryHigh),
		High:     clone(s.Pool.High),
		Mid:      clone(s.Pool.Mid),
		Low:      clone(s.Pool.Low),
		All:      clone(s.Pool.All),
	}, true
}

// Eligible returns the players of tier on site that excluded does not reject.
func (r *Registry) Eligible(site string, tier models.Tier, excluded func(string) bool) ([]string, error) {
	pool, ok := r.Pool(site)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}
	return filter(pool.Tier(tier), excluded), nil
}

// Contains reports whether player appears in any tier of site.
func (r *Registry) Contains(site, player string) bool {
	pool, ok := r.Pool(site)
	if !ok {
		return false
	}
	for _, t := range models.Tiers {
		for _, p := range pool.Tier(t) {
			if p == player {
				return true
			}
		}
	}
	return false
}

// Sites without a priority sort last.
func effectivePriority(s models.Site) int {
	if s.Priority <= 0 {
		return 99
	}
	return s.Priority
}

func clone(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func filter(list []string, excluded func(string) bool) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		if excluded != nil && excluded(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
