package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"promo-code-engine/internal/captcha"
	"promo-code-engine/internal/features"
	"promo-code-engine/internal/gate"
	"promo-code-engine/internal/ledger"
	"promo-code-engine/internal/models"
	"promo-code-engine/internal/partner"
	"promo-code-engine/internal/players"
	"promo-code-engine/internal/tracing"
)

// Drop reasons reported on code.dropped events.
const (
	ReasonEncrypt         = "encrypt_failed"
	ReasonCaptcha         = "captcha_failed"
	ReasonSubmit          = "submit_failed"
	ReasonServerBusy      = "server_busy"
	ReasonAlreadyUsed     = "already_used"
	ReasonInvalid         = "invalid_code"
	ReasonUnmapped        = "unmapped_status"
	ReasonBelowThreshold  = "below_threshold"
	ReasonNoEligible      = "no_eligible_player"
	ReasonFanOutDisabled  = "fan_out_disabled"
	ReasonContextCanceled = "canceled"
)

// Ledger is the part of the applied-code ledger the pipeline writes to.
type Ledger interface {
	RecordSuccess(ctx context.Context, site, player, code string, points float64) (models.AppliedRecord, error)
	RecordLock(ctx context.Context, site, player, reason string, duration time.Duration, errorCode int) (models.PlayerLock, error)
	Snapshot(ctx context.Context, site string) (ledger.Snapshot, error)
}

// Selector picks candidate players for a reward.
type Selector interface {
	Select(site string, points float64, excluded func(string) bool) (players.Selection, error)
	Pick(sel players.Selection) (string, bool)
}

// Cooldowns blocks recently tried players.
type Cooldowns interface {
	MarkTried(ctx context.Context, site, player string)
	Blocked(ctx context.Context, site, player string) bool
}

// Gate serializes partner submissions.
type Gate interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Publisher receives pipeline events.
type Publisher interface {
	PublishCodeRedeemed(ctx context.Context, rec models.AppliedRecord)
	PublishPlayerLocked(ctx context.Context, lock models.PlayerLock)
	PublishCodeDropped(ctx context.Context, site, code, reason string, statusCode int)
}

// FeatureChecker reports runtime feature flags.
type FeatureChecker interface {
	IsEnabled(name string) bool
}

// Deps are the collaborators of a Pipeline. Events and Features are optional.
type Deps struct {
	Partner   partner.API
	Solver    captcha.Solver
	Ledger    Ledger
	Selector  Selector
	Cooldowns Cooldowns
	Gate      Gate
	Events    Publisher
	Features  FeatureChecker
	Logger    *slog.Logger
}

// Pipeline redeems one promo code at a time and distributes it to a player.
type Pipeline struct {
	partner   partner.API
	solver    captcha.Solver
	ledger    Ledger
	selector  Selector
	cooldowns Cooldowns
	gate      Gate
	events    Publisher
	features  FeatureChecker
	logger    *slog.Logger

	busyRetry gate.RetryPolicy
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBusyRetry overrides the backoff used while the partner reports it is busy.
func WithBusyRetry(p gate.RetryPolicy) Option {
	return func(pl *Pipeline) {
		pl.busyRetry = p
	}
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(pl *Pipeline) {
		pl.sleep = sleep
	}
}

// New builds a Pipeline.
func New(deps Deps, opts ...Option) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		partner:   deps.Partner,
		solver:    deps.Solver,
		ledger:    deps.Ledger,
		selector:  deps.Selector,
		cooldowns: deps.Cooldowns,
		gate:      deps.Gate,
		events:    deps.Events,
		features:  deps.Features,
		logger:    logger.With("component", "pipeline"),
		busyRetry: gate.DefaultBusyRetry,
		sleep:     gate.Sleep,
	}
	if p.events == nil {
		p.events = noopPublisher{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run is the per-loop state of one site. used and locked mirror the ledger
// and are refreshed before every distribution; skip holds players this loop
// already delivered to or gave up on.
type Run struct {
	ID   string
	Site models.Site

	lockTable partner.LockTable
	used      map[string]bool
	locked    map[string]bool
	skip      map[string]bool
}

// NewRun seeds a Run from the ledger's current exclusions.
func (p *Pipeline) NewRun(ctx context.Context, site models.Site) (*Run, error) {
	snap, err := p.ledger.Snapshot(ctx, site.Name)
	if err != nil {
		return nil, err
	}
	run := &Run{
		ID:        uuid.NewString(),
		Site:      site,
		lockTable: partner.DefaultLockTable().WithOverrides(site.LockDurations),
		skip:      make(map[string]bool),
	}
	run.apply(snap)
	return run, nil
}

func (r *Run) apply(snap ledger.Snapshot) {
	r.used = make(map[string]bool, len(snap.Used))
	r.locked = make(map[string]bool, len(snap.Locked))
	for player := range snap.Used {
		r.used[player] = true
	}
	for player := range snap.Locked {
		r.locked[player] = true
	}
}

// refresh reloads used and locked so expired locks and resets are seen
// mid-loop. On a ledger error the previous view is kept.
func (p *Pipeline) refresh(ctx context.Context, run *Run, logger *slog.Logger) {
	snap, err := p.ledger.Snapshot(ctx, run.Site.Name)
	if err != nil {
		logger.Warn("ledger snapshot failed, keeping previous exclusions", "error", err)
		return
	}
	run.apply(snap)
}

// Excludes reports whether player may not be offered a code in this run.
func (r *Run) Excludes(player string) bool {
	return r.used[player] || r.locked[player] || r.skip[player]
}

// blocked is the narrower check used once the whole pool is exhausted:
// players that already got a code today are accepted again, locked or
// skipped ones are not.
func (r *Run) blocked(player string) bool {
	return r.locked[player] || r.skip[player]
}

func (r *Run) excluder(sel players.Selection) func(string) bool {
	if sel.Unfiltered {
		return r.blocked
	}
	return r.Excludes
}

// Process takes one code through captcha, submission and distribution and
// decides what the site loop does with it next.
func (p *Pipeline) Process(ctx context.Context, run *Run, code string) models.Decision {
	logger := p.logger.With("site", run.Site.Name, "promo_code", code, "run_id", run.ID)

	key, err := partner.EncryptPromoCode(code, run.Site.SharedSecret)
	if err != nil {
		logger.Error("failed to encrypt promo code", "error", err)
		return p.drop(ctx, run, code, ReasonEncrypt, 0)
	}

	challenge, answer, err := p.solveCaptcha(ctx, run)
	if err != nil {
		logger.Warn("captcha step failed", "error", err)
		return p.drop(ctx, run, code, ReasonCaptcha, 0)
	}

	out, err := p.submit(ctx, run, partner.SubmitRequest{
		PromoCode:   code,
		Key:         key,
		CaptchaCode: answer,
		Token:       challenge.Token,
	}, logger)
	if err != nil {
		if ctx.Err() != nil {
			return p.drop(ctx, run, code, ReasonContextCanceled, 0)
		}
		logger.Warn("submit failed", "error", err)
		return p.drop(ctx, run, code, ReasonSubmit, 0)
	}

	logger = logger.With("status_code", out.StatusCode, "outcome", out.Kind.String())
	switch out.Kind {
	case partner.KindAccepted:
		logger.Info("promo code accepted", "points", out.Points)
		return p.distribute(ctx, run, code, key, challenge.Token, out.Points, logger)
	case partner.KindServerBusy:
		logger.Warn("partner still busy after retries")
		return p.drop(ctx, run, code, ReasonServerBusy, out.StatusCode)
	case partner.KindRetryableRejected:
		logger.Info("promo code already used")
		return p.drop(ctx, run, code, ReasonAlreadyUsed, out.StatusCode)
	case partner.KindRateLimited:
		logger.Warn("partner rate limited submission, requeueing")
		return models.DecisionRequeue
	case partner.KindTerminalRejected:
		logger.Info("invalid promo code")
		return p.drop(ctx, run, code, ReasonInvalid, out.StatusCode)
	default:
		logger.Warn("unmapped submit status", "message", out.Message)
		return p.drop(ctx, run, code, ReasonUnmapped, out.StatusCode)
	}
}

func (p *Pipeline) solveCaptcha(ctx context.Context, run *Run) (partner.Challenge, string, error) {
	ctx, span := tracing.GetTracer().StartSiteSpan(ctx, "pipeline.captcha", run.Site.Name)
	defer span.End()

	challenge, err := p.partner.VerificationCode(ctx, run.Site)
	if err != nil {
		tracing.Fail(span, err, "verification code")
		return partner.Challenge{}, "", err
	}
	answer, err := p.solver.Solve(ctx, run.Site.Name, challenge.CaptchaURL)
	if err != nil {
		tracing.Fail(span, err, "solve")
		return partner.Challenge{}, "", err
	}
	return challenge, answer, nil
}

// submit posts through the gate, retrying with backoff while the partner is busy.
// Each attempt takes the gate separately so other sites can interleave during backoff.
func (p *Pipeline) submit(ctx context.Context, run *Run, req partner.SubmitRequest, logger *slog.Logger) (partner.Outcome, error) {
	ctx, span := tracing.GetTracer().StartSiteSpan(ctx, "pipeline.submit", run.Site.Name)
	defer span.End()

	var out partner.Outcome
	for attempt := 0; ; attempt++ {
		err := p.gate.Do(ctx, func(ctx context.Context) error {
			resp, err := p.partner.Submit(ctx, run.Site, req)
			if err != nil {
				return err
			}
			out = partner.ClassifySubmit(resp)
			return nil
		})
		if err != nil {
			tracing.Fail(span, err, "submit")
			return partner.Outcome{}, err
		}
		if out.Kind != partner.KindServerBusy || attempt >= p.busyRetry.MaximumAttempts {
			break
		}

		delay := p.busyRetry.Delay(attempt)
		logger.Warn("partner busy, backing off", "attempt", attempt+1, "delay", delay.String())
		if err := p.sleep(ctx, delay); err != nil {
			return partner.Outcome{}, err
		}
	}
	span.SetAttributes(
		attribute.Int("partner.status_code", out.StatusCode),
		attribute.String("partner.outcome", out.Kind.String()),
	)
	return out, nil
}

func (p *Pipeline) distribute(ctx context.Context, run *Run, code, key, token string, points float64, logger *slog.Logger) models.Decision {
	site := run.Site.Name
	if !(points > run.Site.MinRewardThreshold) {
		logger.Info("reward below site threshold", "points", points, "threshold", run.Site.MinRewardThreshold)
		return p.drop(ctx, run, code, ReasonBelowThreshold, 0)
	}
	logger.Debug("selecting player", "tiers", players.TierNames(players.PolicyFor(run.Site).TiersFor(points)))
	p.refresh(ctx, run, logger)

	sel, err := p.selector.Select(site, points, run.Excludes)
	if err != nil {
		logger.Error("player selection failed", "error", err)
	}
	if sel.Unfiltered {
		logger.Warn("every player is used or locked, falling back to the whole pool")
	}
	player, ok := p.selector.Pick(sel)
	if err == nil && ok && !run.excluder(sel)(player) && !p.cooldowns.Blocked(ctx, site, player) {
		p.cooldowns.MarkTried(ctx, site, player)
		out, err := p.send(ctx, run, player, code, key, token)
		plog := logger.With("player", player)
		switch {
		case err != nil:
			plog.Warn("direct send failed", "error", err)
			run.skip[player] = true
		case out.Kind == partner.KindAccepted:
			p.recordSuccess(ctx, run, player, code, points, plog)
			return models.DecisionDone
		case out.Kind == partner.KindRetryableRejected:
			plog.Info("code already used on send")
			return p.drop(ctx, run, code, ReasonAlreadyUsed, out.StatusCode)
		case out.Kind == partner.KindRateLimited:
			plog.Warn("send rate limited, requeueing")
			return models.DecisionRequeue
		case out.Kind == partner.KindLockable:
			p.lockPlayer(ctx, run, player, out, plog)
			return models.DecisionRequeue
		default:
			plog.Info("direct send rejected", "status_code", out.StatusCode, "outcome", out.Kind.String())
			run.skip[player] = true
		}
	}

	if p.features != nil && !p.features.IsEnabled(features.FeatureFanOut) {
		return p.drop(ctx, run, code, ReasonFanOutDisabled, 0)
	}
	return p.fanOut(ctx, run, code, key, token, points, logger)
}

// fanOut tries each eligible player until one accepts the code.
func (p *Pipeline) fanOut(ctx context.Context, run *Run, code, key, token string, points float64, logger *slog.Logger) models.Decision {
	site := run.Site.Name
	sel, err := p.selector.Select(site, points, run.Excludes)
	if err != nil {
		logger.Error("player pool selection failed", "error", err)
		return p.drop(ctx, run, code, ReasonNoEligible, 0)
	}
	excluded := run.excluder(sel)

	requeue := false
	tried := 0
	for _, player := range sel.Players {
		if ctx.Err() != nil {
			return models.DecisionRequeue
		}
		if excluded(player) {
			continue
		}
		if p.cooldowns.Blocked(ctx, site, player) {
			continue
		}

		// Claimed before the call so the same player is not tried twice in one batch.
		run.locked[player] = true
		p.cooldowns.MarkTried(ctx, site, player)
		tried++

		plog := logger.With("player", player)
		out, err := p.send(ctx, run, player, code, key, token)
		if err != nil {
			plog.Warn("send failed", "error", err)
			run.skip[player] = true
			continue
		}

		switch out.Kind {
		case partner.KindAccepted:
			p.recordSuccess(ctx, run, player, code, points, plog)
			return models.DecisionDone
		case partner.KindTerminalRejected:
			run.skip[player] = true
		case partner.KindRetryableRejected:
			continue
		case partner.KindLockable:
			p.lockPlayer(ctx, run, player, out, plog)
			requeue = true
		case partner.KindRateLimited:
			plog.Warn("fan-out rate limited, requeueing and stopping")
			return models.DecisionRequeue
		default:
			plog.Info("unmapped send status", "status_code", out.StatusCode, "message", out.Message)
			run.skip[player] = true
		}
	}

	if requeue {
		return models.DecisionRequeue
	}
	logger.Info("no player accepted the code", "tried", tried)
	return p.drop(ctx, run, code, ReasonNoEligible, 0)
}

func (p *Pipeline) send(ctx context.Context, run *Run, player, code, key, token string) (partner.Outcome, error) {
	ctx, span := tracing.GetTracer().StartSiteSpan(ctx, "pipeline.send_to_player", run.Site.Name,
		attribute.String("player", player))
	defer span.End()

	resp, err := p.partner.SendToPlayer(ctx, run.Site, partner.SendRequest{
		Player:    player,
		PromoCode: code,
		Key:       key,
		Token:     token,
	})
	if err != nil {
		tracing.Fail(span, err, "send")
		return partner.Outcome{}, err
	}
	out := partner.ClassifySend(resp, run.lockTable)
	span.SetAttributes(
		attribute.Int("partner.status_code", out.StatusCode),
		attribute.String("partner.outcome", out.Kind.String()),
	)
	return out, nil
}

func (p *Pipeline) recordSuccess(ctx context.Context, run *Run, player, code string, points float64, logger *slog.Logger) {
	run.used[player] = true
	run.skip[player] = true

	rec, err := p.ledger.RecordSuccess(ctx, run.Site.Name, player, code, points)
	if err != nil {
		logger.Error("failed to record delivery", "error", err)
		return
	}
	logger.Info("promo code delivered", "points", points)
	p.events.PublishCodeRedeemed(ctx, rec)
}

func (p *Pipeline) lockPlayer(ctx context.Context, run *Run, player string, out partner.Outcome, logger *slog.Logger) {
	run.locked[player] = true

	reason := out.Message
	if reason == "" {
		reason = out.Kind.String()
	}
	lock, err := p.ledger.RecordLock(ctx, run.Site.Name, player, reason, out.LockDuration, out.StatusCode)
	if err != nil {
		logger.Error("failed to record player lock", "error", err)
		return
	}
	logger.Warn("player locked", "status_code", out.StatusCode, "duration", out.LockDuration.String())
	p.events.PublishPlayerLocked(ctx, lock)
}

func (p *Pipeline) drop(ctx context.Context, run *Run, code, reason string, statusCode int) models.Decision {
	p.events.PublishCodeDropped(ctx, run.Site.Name, code, reason, statusCode)
	return models.DecisionDrop
}

type noopPublisher struct{}

func (noopPublisher) PublishCodeRedeemed(context.Context, models.AppliedRecord) {}

func (noopPublisher) PublishPlayerLocked(context.Context, models.PlayerLock) {}

func (noopPublisher) PublishCodeDropped(context.Context, string, string, string, int) {}
