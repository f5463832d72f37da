package intake

import (
	"strings"

	"promo-code-engine/internal/models"
)

// Detector maps a message to the site it announces codes for.
type Detector struct {
	byChat map[string]models.Site
	// ordered by priority, ties by name
	ordered []models.Site
}

// NewDetector indexes sites, which must already be in priority order.
func NewDetector(sites []models.Site) *Detector {
	d := &Detector{
		byChat:  make(map[string]models.Site),
		ordered: sites,
	}
	for _, s := range sites {
		for _, id := range s.ChatIDs {
			d.byChat[id] = s
		}
	}
	return d
}

// Detect tries the channel id first, then site keywords in priority order.
func (d *Detector) Detect(text, channelID string) (models.Site, bool) {
	if s, ok := d.byChat[channelID]; ok {
		return s, true
	}

	lower := strings.ToLower(text)
	for _, s := range d.ordered {
		for _, kw := range s.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return s, true
			}
		}
	}
	return models.Site{}, false
}
