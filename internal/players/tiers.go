package players

import (
	"promo-code-engine/internal/models"
)

// TierPolicy maps a reward onto the ordered pool tiers to try.
type TierPolicy struct {
	Rules   []models.TierRule
	Invalid []models.Tier
}

func f(v float64) *float64 { return &v }

// DefaultTierPolicy returns the built-in reward buckets.
func DefaultTierPolicy() TierPolicy {
	return TierPolicy{
		Rules: []models.TierRule{
			{Above: f(25), Tiers: []models.Tier{models.TierVeryHigh, models.TierHigh}},
			{AtLeast: f(20), Tiers: []models.Tier{models.TierHigh, models.TierVeryHigh, models.TierMid}},
			{AtLeast: f(15), Tiers: []models.Tier{models.TierMid, models.TierLow}},
			{AtLeast: f(12), Tiers: []models.Tier{models.TierLow}},
			{Tiers: []models.Tier{models.TierAll}},
		},
		Invalid: []models.Tier{models.TierLow, models.TierMid},
	}
}

// PolicyFor returns site's configured buckets, falling back to the defaults
// for whichever half is not configured.
func PolicyFor(site models.Site) TierPolicy {
	p := DefaultTierPolicy()
	if len(site.TierRules) > 0 {
		p.Rules = site.TierRules
	}
	if len(site.InvalidPointTiers) > 0 {
		p.Invalid = site.InvalidPointTiers
	}
	return p
}

// TiersFor returns the tiers to try for points, first match wins.
func (p TierPolicy) TiersFor(points float64) []models.Tier {
	if !models.ValidPoints(points) {
		return p.Invalid
	}
	for _, r := range p.Rules {
		if r.Matches(points) {
			return r.Tiers
		}
	}
	return []models.Tier{models.TierAll}
}
