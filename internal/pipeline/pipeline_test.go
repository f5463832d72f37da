package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"promo-code-engine/internal/cache"
	"promo-code-engine/internal/clock"
	"promo-code-engine/internal/database"
	"promo-code-engine/internal/features"
	"promo-code-engine/internal/gate"
	"promo-code-engine/internal/ledger"
	"promo-code-engine/internal/logging"
	"promo-code-engine/internal/models"
	"promo-code-engine/internal/partner"
	"promo-code-engine/internal/players"
)

func resp(code int, valid bool, points float64) partner.Response {
	c := code
	pts := partner.Points(points)
	return partner.Response{
		StatusCode: &c,
		Valid:      valid,
		Detail:     &partner.Detail{Point: &pts},
	}
}

func busy() partner.Response {
	r := resp(500, false, 0)
	r.TextMess.TH = partner.ServerBusyMarker
	return r
}

type fakePartner struct {
	mu           sync.Mutex
	challengeErr error
	submits      []partner.Response
	submitCalls  int
	sends        map[string]partner.Response
	defaultSend  partner.Response
	sent         []string
}

func (f *fakePartner) VerificationCode(ctx context.Context, site models.Site) (partner.Challenge, error) {
	if f.challengeErr != nil {
		return partner.Challenge{}, f.challengeErr
	}
	return partner.Challenge{CaptchaURL: "data:image/svg+xml;base64,PHN2Zy8+", Token: "tok"}, nil
}

func (f *fakePartner) Submit(ctx context.Context, site models.Site, req partner.SubmitRequest) (partner.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.submitCalls
	f.submitCalls++
	if i >= len(f.submits) {
		i = len(f.submits) - 1
	}
	return f.submits[i], nil
}

func (f *fakePartner) SendToPlayer(ctx context.Context, site models.Site, req partner.SendRequest) (partner.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req.Player)
	if r, ok := f.sends[req.Player]; ok {
		return r, nil
	}
	return f.defaultSend, nil
}

type fakeSolver struct {
	err error
}

func (f fakeSolver) Solve(ctx context.Context, site, captchaURL string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "ABCD", nil
}

type fakeLedger struct {
	mu      sync.Mutex
	snap    ledger.Snapshot
	records []models.AppliedRecord
	locks   []models.PlayerLock
}

func (f *fakeLedger) RecordSuccess(ctx context.Context, site, player, code string, points float64) (models.AppliedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := models.AppliedRecord{Site: site, Player: player, PromoCode: code, Points: points, Status: models.RecordStatusSuccess}
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeLedger) RecordLock(ctx context.Context, site, player, reason string, d time.Duration, errorCode int) (models.PlayerLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock := models.PlayerLock{Site: site, Player: player, Reason: reason, Duration: d, ErrorCode: errorCode}
	f.locks = append(f.locks, lock)
	return lock, nil
}

func (f *fakeLedger) Snapshot(ctx context.Context, site string) (ledger.Snapshot, error) {
	return f.snap, nil
}

type recordingEvents struct {
	mu       sync.Mutex
	redeemed int
	locked   int
	dropped  []string
}

func (r *recordingEvents) PublishCodeRedeemed(ctx context.Context, rec models.AppliedRecord) {
	r.mu.Lock()
	r.redeemed++
	r.mu.Unlock()
}

func (r *recordingEvents) PublishPlayerLocked(ctx context.Context, lock models.PlayerLock) {
	r.mu.Lock()
	r.locked++
	r.mu.Unlock()
}

func (r *recordingEvents) PublishCodeDropped(ctx context.Context, site, code, reason string, statusCode int) {
	r.mu.Lock()
	r.dropped = append(r.dropped, reason)
	r.mu.Unlock()
}

type fixture struct {
	partner   *fakePartner
	ledger    *fakeLedger
	clock     *clock.Manual
	events    *recordingEvents
	cooldowns *players.CooldownTracker
	flags     *features.Manager
	sleeps    []time.Duration
	pipeline  *Pipeline
	site      models.Site
}

func testSite() models.Site {
	return models.Site{
		Name:               "alpha",
		SharedSecret:       "secret",
		MinRewardThreshold: 10,
		Pool: models.PlayerPool{
			VeryHigh: []string{"vh1", "vh2", "vh3"},
			High:     []string{"h1"},
			Mid:      []string{"m1"},
			Low:      []string{"l1"},
			All:      []string{"vh1", "vh2", "vh3", "h1", "m1", "l1"},
		},
	}
}

func setup(t *testing.T, fp *fakePartner) *fixture {
	t.Helper()
	fl := &fakeLedger{}
	f := setupWithLedger(t, fp, fl, clock.NewManual(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)))
	f.ledger = fl
	return f
}

func setupWithLedger(t *testing.T, fp *fakePartner, l Ledger, clk *clock.Manual) *fixture {
	t.Helper()
	site := testSite()
	reg, err := players.NewRegistry([]models.Site{site})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	f := &fixture{
		partner: fp,
		clock:   clk,
		events:  &recordingEvents{},
		flags:   features.NewManager(),
		site:    site,
	}
	f.flags.RegisterDefaults(true, false, false)
	f.cooldowns = players.NewCooldownTracker(cache.NewInMemoryCacheWithClock(clk), clk, 0, logging.Discard())
	f.pipeline = New(Deps{
		Partner:   fp,
		Solver:    fakeSolver{},
		Ledger:    l,
		Selector:  players.NewSelectorWithRand(reg, func(int) int { return 0 }),
		Cooldowns: f.cooldowns,
		Gate:      gate.New(time.Millisecond),
		Events:    f.events,
		Features:  f.flags,
		Logger:    logging.Discard(),
	}, WithSleep(func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}))
	return f
}

func (f *fixture) process(t *testing.T, code string) models.Decision {
	t.Helper()
	run, err := f.pipeline.NewRun(context.Background(), f.site)
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}
	return f.pipeline.Process(context.Background(), run, code)
}

func TestProcess_DirectSendSuccess(t *testing.T) {
	f := setup(t, &fakePartner{
		submits:     []partner.Response{resp(200, true, 30)},
		defaultSend: resp(200, true, 30),
	})

	if got := f.process(t, "ABC123XYZ"); got != models.DecisionDone {
		t.Fatalf("Expected done, got %s", got)
	}
	if !reflect.DeepEqual(f.partner.sent, []string{"vh1"}) {
		t.Errorf("Expected a single send to vh1, got %v", f.partner.sent)
	}
	if len(f.ledger.records) != 1 || f.ledger.records[0].Player != "vh1" || f.ledger.records[0].Points != 30 {
		t.Errorf("Unexpected ledger records %+v", f.ledger.records)
	}
	if f.events.redeemed != 1 {
		t.Errorf("Expected one redeemed event, got %d", f.events.redeemed)
	}
}

func TestProcess_SubmitOutcomes(t *testing.T) {
	tooMany := resp(429, false, 0)
	tryAgain := resp(200, false, 0)
	tryAgain.TextMess.TH = "โค้ดถูกใช้แล้ว " + partner.TryAgainMarker

	tests := []struct {
		name   string
		submit partner.Response
		want   models.Decision
		reason string
	}{
		{name: "already used", submit: resp(502, false, 0), want: models.DecisionDrop, reason: ReasonAlreadyUsed},
		{name: "try again marker", submit: tryAgain, want: models.DecisionDrop, reason: ReasonAlreadyUsed},
		{name: "rate limited", submit: tooMany, want: models.DecisionRequeue},
		{name: "bad request", submit: resp(400, false, 0), want: models.DecisionRequeue},
		{name: "invalid code", submit: resp(9001, false, 0), want: models.DecisionDrop, reason: ReasonInvalid},
		{name: "unmapped", submit: resp(418, false, 0), want: models.DecisionDrop, reason: ReasonUnmapped},
		{name: "below threshold", submit: resp(200, true, 10), want: models.DecisionDrop, reason: ReasonBelowThreshold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, &fakePartner{submits: []partner.Response{tt.submit}})
			if got := f.process(t, "CODE0001"); got != tt.want {
				t.Fatalf("Expected %s, got %s", tt.want, got)
			}
			if len(f.partner.sent) != 0 {
				t.Errorf("Expected no sends, got %v", f.partner.sent)
			}
			if tt.reason != "" && (len(f.events.dropped) != 1 || f.events.dropped[0] != tt.reason) {
				t.Errorf("Expected drop reason %s, got %v", tt.reason, f.events.dropped)
			}
		})
	}
}

func TestProcess_BusyRetry(t *testing.T) {
	f := setup(t, &fakePartner{
		submits:     []partner.Response{busy(), busy(), resp(200, true, 30)},
		defaultSend: resp(200, true, 30),
	})

	if got := f.process(t, "CODE0001"); got != models.DecisionDone {
		t.Fatalf("Expected done after retries, got %s", got)
	}
	if f.partner.submitCalls != 3 {
		t.Errorf("Expected 3 submit calls, got %d", f.partner.submitCalls)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if !reflect.DeepEqual(f.sleeps, want) {
		t.Errorf("Expected backoff %v, got %v", want, f.sleeps)
	}
}

func TestProcess_BusyRetryExhausted(t *testing.T) {
	f := setup(t, &fakePartner{submits: []partner.Response{busy()}})

	if got := f.process(t, "CODE0001"); got != models.DecisionDrop {
		t.Fatalf("Expected drop, got %s", got)
	}
	if f.partner.submitCalls != 4 {
		t.Errorf("Expected the first call plus 3 retries, got %d", f.partner.submitCalls)
	}
	if len(f.events.dropped) != 1 || f.events.dropped[0] != ReasonServerBusy {
		t.Errorf("Expected server_busy drop, got %v", f.events.dropped)
	}
}

func TestProcess_CaptchaFailureDrops(t *testing.T) {
	f := setup(t, &fakePartner{challengeErr: errors.New("timeout")})

	if got := f.process(t, "CODE0001"); got != models.DecisionDrop {
		t.Fatalf("Expected drop, got %s", got)
	}
	if f.partner.submitCalls != 0 {
		t.Error("Expected no submission without a captcha")
	}
}

func TestProcess_DirectSendLockRequeues(t *testing.T) {
	f := setup(t, &fakePartner{
		submits: []partner.Response{resp(200, true, 30)},
		sends:   map[string]partner.Response{"vh1": resp(9002, false, 0)},
	})

	if got := f.process(t, "CODE0001"); got != models.DecisionRequeue {
		t.Fatalf("Expected requeue, got %s", got)
	}
	if len(f.ledger.locks) != 1 {
		t.Fatalf("Expected one lock, got %+v", f.ledger.locks)
	}
	lock := f.ledger.locks[0]
	if lock.Player != "vh1" || lock.ErrorCode != 9002 || lock.Duration != 30*time.Minute {
		t.Errorf("Unexpected lock %+v", lock)
	}
	if f.events.locked != 1 {
		t.Errorf("Expected one locked event, got %d", f.events.locked)
	}
}

func TestProcess_FanOutAfterRejectedDirectSend(t *testing.T) {
	f := setup(t, &fakePartner{
		submits:     []partner.Response{resp(200, true, 30)},
		sends:       map[string]partner.Response{"vh1": resp(200, false, 0)},
		defaultSend: resp(200, true, 30),
	})

	if got := f.process(t, "CODE0001"); got != models.DecisionDone {
		t.Fatalf("Expected done, got %s", got)
	}
	if !reflect.DeepEqual(f.partner.sent, []string{"vh1", "vh2"}) {
		t.Errorf("Expected vh1 then vh2, got %v", f.partner.sent)
	}
	if len(f.ledger.records) != 1 || f.ledger.records[0].Player != "vh2" {
		t.Errorf("Expected vh2 to receive the code, got %+v", f.ledger.records)
	}
}

func TestProcess_FanOutLockThenSuccess(t *testing.T) {
	f := setup(t, &fakePartner{
		submits: []partner.Response{resp(200, true, 30)},
		sends: map[string]partner.Response{
			"vh1": resp(200, false, 0),
			"vh2": resp(9004, false, 0),
		},
		defaultSend: resp(200, true, 30),
	})

	if got := f.process(t, "CODE0001"); got != models.DecisionDone {
		t.Fatalf("Expected done, got %s", got)
	}
	if len(f.ledger.locks) != 1 || f.ledger.locks[0].Player != "vh2" || f.ledger.locks[0].Duration != 3*time.Minute {
		t.Errorf("Expected a short lock on vh2, got %+v", f.ledger.locks)
	}
	if len(f.ledger.records) != 1 || f.ledger.records[0].Player != "vh3" {
		t.Errorf("Expected vh3 to receive the code, got %+v", f.ledger.records)
	}
}

func TestProcess_FanOutLockOnlyRequeues(t *testing.T) {
	f := setup(t, &fakePartner{
		submits:     []partner.Response{resp(200, true, 30)},
		sends:       map[string]partner.Response{"vh1": resp(200, false, 0)},
		defaultSend: resp(403, false, 0),
	})

	if got := f.process(t, "CODE0001"); got != models.DecisionRequeue {
		t.Fatalf("Expected requeue, got %s", got)
	}
	if len(f.ledger.locks) != 2 {
		t.Errorf("Expected vh2 and vh3 to be locked, got %+v", f.ledger.locks)
	}
}

func TestProcess_FanOutRateLimitAborts(t *testing.T) {
	f := setup(t, &fakePartner{
		submits: []partner.Response{resp(200, true, 30)},
		sends: map[string]partner.Response{
			"vh1": resp(200, false, 0),
			"vh2": resp(429, false, 0),
		},
		defaultSend: resp(200, true, 30),
	})

	if got := f.process(t, "CODE0001"); got != models.DecisionRequeue {
		t.Fatalf("Expected requeue, got %s", got)
	}
	if !reflect.DeepEqual(f.partner.sent, []string{"vh1", "vh2"}) {
		t.Errorf("Expected fan-out to stop at vh2, got %v", f.partner.sent)
	}
}

func TestProcess_FanOutDisabled(t *testing.T) {
	f := setup(t, &fakePartner{
		submits: []partner.Response{resp(200, true, 30)},
		sends:   map[string]partner.Response{"vh1": resp(200, false, 0)},
	})
	f.flags.Set(features.FeatureFanOut, false)

	if got := f.process(t, "CODE0001"); got != models.DecisionDrop {
		t.Fatalf("Expected drop, got %s", got)
	}
	if len(f.partner.sent) != 1 {
		t.Errorf("Expected only the direct send, got %v", f.partner.sent)
	}
}

func TestProcess_CooldownSkipsRecentPlayer(t *testing.T) {
	f := setup(t, &fakePartner{
		submits:     []partner.Response{resp(200, true, 30)},
		defaultSend: resp(200, true, 30),
	})
	f.cooldowns.MarkTried(context.Background(), "alpha", "vh1")

	if got := f.process(t, "CODE0001"); got != models.DecisionDone {
		t.Fatalf("Expected done, got %s", got)
	}
	if !reflect.DeepEqual(f.partner.sent, []string{"vh2"}) {
		t.Errorf("Expected vh1 to be held back by its cooldown, got %v", f.partner.sent)
	}
}

func TestNewRun_ExcludesLedgerPlayers(t *testing.T) {
	f := setup(t, &fakePartner{
		submits:     []partner.Response{resp(200, true, 30)},
		defaultSend: resp(200, true, 30),
	})
	f.ledger.snap = ledger.Snapshot{
		Used:   map[string]bool{"vh1": true},
		Locked: map[string]bool{"vh2": true, "vh3": true},
	}

	if got := f.process(t, "CODE0001"); got != models.DecisionDone {
		t.Fatalf("Expected done, got %s", got)
	}
	if !reflect.DeepEqual(f.partner.sent, []string{"h1"}) {
		t.Errorf("Expected fallback to the high tier, got %v", f.partner.sent)
	}
}

func TestProcess_WholePoolUsedFallsBackToAll(t *testing.T) {
	f := setup(t, &fakePartner{
		submits:     []partner.Response{resp(200, true, 30)},
		defaultSend: resp(200, true, 30),
	})
	used := map[string]bool{}
	for _, p := range f.site.Pool.All {
		used[p] = true
	}
	f.ledger.snap = ledger.Snapshot{Used: used}

	if got := f.process(t, "CODE0001"); got != models.DecisionDone {
		t.Fatalf("Expected done, got %s (dropped %v)", got, f.events.dropped)
	}
	if !reflect.DeepEqual(f.partner.sent, []string{"vh1"}) {
		t.Errorf("Expected a send from the whole pool, got %v", f.partner.sent)
	}
}

func TestProcess_WholePoolFallbackSkipsLockedPlayers(t *testing.T) {
	f := setup(t, &fakePartner{
		submits:     []partner.Response{resp(200, true, 30)},
		defaultSend: resp(200, true, 30),
	})
	used := map[string]bool{}
	for _, p := range f.site.Pool.All {
		used[p] = true
	}
	f.ledger.snap = ledger.Snapshot{
		Used:   used,
		Locked: map[string]bool{"vh1": true, "vh2": true, "vh3": true, "h1": true, "m1": true},
	}

	if got := f.process(t, "CODE0001"); got != models.DecisionDone {
		t.Fatalf("Expected done, got %s", got)
	}
	if !reflect.DeepEqual(f.partner.sent, []string{"l1"}) {
		t.Errorf("Expected only the unlocked player to be tried, got %v", f.partner.sent)
	}
}

func TestProcess_ExpiredLockSeenWithinRun(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	clk := clock.NewManual(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	l := ledger.New(db, clk, logging.Discard())

	fp := &fakePartner{
		submits: []partner.Response{resp(200, true, 30)},
		sends:   map[string]partner.Response{"vh1": resp(9004, false, 0)},
	}
	f := setupWithLedger(t, fp, l, clk)
	ctx := context.Background()

	run, err := f.pipeline.NewRun(ctx, f.site)
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}
	if got := f.pipeline.Process(ctx, run, "CODE0001"); got != models.DecisionRequeue {
		t.Fatalf("Expected requeue after the short lock, got %s", got)
	}

	fp.sends["vh1"] = resp(200, true, 30)
	clk.Advance(10 * time.Minute)

	if got := f.pipeline.Process(ctx, run, "CODE0001"); got != models.DecisionDone {
		t.Fatalf("Expected done once the lock expired, got %s", got)
	}
	if !reflect.DeepEqual(fp.sent, []string{"vh1", "vh1"}) {
		t.Errorf("Expected vh1 to be retried in the same run, got %v", fp.sent)
	}
}
