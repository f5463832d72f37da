package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron"

	"promo-code-engine/internal/models"
)

// DefaultResetCron fires at site-local midnight. Fields are seconds first.
const DefaultResetCron = "0 0 0 * * *"

const resetTimeout = 30 * time.Second

// Resetter runs DailyReset for each site on the site's own cron schedule.
type Resetter struct {
	ledger *Ledger
	logger *slog.Logger
	crons  map[string]*cron.Cron
}

// NewResetter schedules one reset job per site in the site's time zone.
func NewResetter(l *Ledger, sites []models.Site, logger *slog.Logger) (*Resetter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resetter{
		ledger: l,
		logger: logger.With("component", "resetter"),
		crons:  make(map[string]*cron.Cron, len(sites)),
	}
	for _, site := range sites {
		spec := site.ResetCron
		if spec == "" {
			spec = DefaultResetCron
		}
		c := cron.NewWithLocation(site.Location())
		if err := c.AddFunc(spec, r.job(site.Name)); err != nil {
			return nil, fmt.Errorf("reset schedule for %s: %w", site.Name, err)
		}
		r.crons[site.Name] = c
	}
	return r, nil
}

// Start begins firing the schedules.
func (r *Resetter) Start() {
	for _, c := range r.crons {
		c.Start()
	}
}

// Stop halts the schedules. A job already running finishes on its own.
func (r *Resetter) Stop() {
	for _, c := range r.crons {
		c.Stop()
	}
}

func (r *Resetter) job(site string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
		defer cancel()
		if err := r.ledger.DailyReset(ctx, site); err != nil {
			r.logger.Error("scheduled reset failed", "site", site, "error", err)
			return
		}
		r.logger.Info("scheduled reset done", "site", site)
	}
}
