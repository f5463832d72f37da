package ledger

import (
	"context"
	"testing"
	"time"

	"promo-code-engine/internal/clock"
	"promo-code-engine/internal/logging"
	"promo-code-engine/internal/models"
)

func TestNewResetter_InvalidSchedule(t *testing.T) {
	l := setupTestLedger(t, clock.NewSystem())
	sites := []models.Site{{Name: "alpha", ResetCron: "whenever"}}
	if _, err := NewResetter(l, sites, logging.Discard()); err == nil {
		t.Error("Expected an invalid schedule to be rejected")
	}
}

func TestResetter_JobClearsOnlyItsSite(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	l := setupTestLedger(t, clk, WithLazyReset(false))
	ctx := context.Background()

	sites := []models.Site{
		{Name: "alpha", Timezone: "Asia/Bangkok"},
		{Name: "beta", ResetCron: "0 30 6 * * *"},
	}
	r, err := NewResetter(l, sites, logging.Discard())
	if err != nil {
		t.Fatalf("NewResetter failed: %v", err)
	}
	if len(r.crons) != 2 {
		t.Fatalf("Expected a schedule per site, got %d", len(r.crons))
	}

	l.RecordSuccess(ctx, "alpha", "p1", "CODE1", 20)
	l.RecordSuccess(ctx, "beta", "p2", "CODE2", 20)
	l.RecordLock(ctx, "alpha", "p3", "9002", 30*time.Minute, 9002)

	r.job("alpha")()

	alpha, _ := l.Snapshot(ctx, "alpha")
	beta, _ := l.Snapshot(ctx, "beta")
	if alpha.Used["p1"] {
		t.Error("Expected alpha records cleared")
	}
	if !alpha.Locked["p3"] {
		t.Error("Expected alpha locks to survive the reset")
	}
	if !beta.Used["p2"] {
		t.Error("Expected beta records untouched")
	}
}

func TestResetter_StartStop(t *testing.T) {
	l := setupTestLedger(t, clock.NewSystem())
	r, err := NewResetter(l, []models.Site{{Name: "alpha"}}, logging.Discard())
	if err != nil {
		t.Fatalf("NewResetter failed: %v", err)
	}
	r.Start()
	r.Stop()
}
