package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"promo-code-engine/internal/clock"
	"promo-code-engine/internal/models"
)

// DefaultRecordTTL is how long a successful delivery excludes its player.
const DefaultRecordTTL = 24 * time.Hour

const dayLayout = "2006-01-02"

var (
	// ErrEmptySite is returned when a call names no site.
	ErrEmptySite = errors.New("ledger: site is required")
	// ErrEmptyPlayer is returned when a record or lock names no player.
	ErrEmptyPlayer = errors.New("ledger: player is required")
	// ErrInvalidDuration is returned for non-positive lock durations.
	ErrInvalidDuration = errors.New("ledger: lock duration must be positive")
)

// Store is the durable backing for applied records, locks and ledger days.
type Store interface {
	InsertAppliedRecord(ctx context.Context, rec models.AppliedRecord) error
	ListAppliedRecords(ctx context.Context, site string) ([]models.AppliedRecord, error)
	DeleteExpiredAppliedRecords(ctx context.Context, site string, now time.Time) (int64, error)
	ClearAppliedRecords(ctx context.Context, site string) error
	UpsertPlayerLock(ctx context.Context, lock models.PlayerLock) error
	ListPlayerLocks(ctx context.Context, site string) ([]models.PlayerLock, error)
	DeleteExpiredLocks(ctx context.Context, site string, now time.Time) (int64, error)
	GetLedgerDay(ctx context.Context, site string) (string, bool, error)
	SetLedgerDay(ctx context.Context, site, day string) error
}

// Ledger records deliveries and player locks per site and answers
// who is currently excluded from selection.
type Ledger struct {
	store     Store
	clock     clock.Clock
	logger    *slog.Logger
	ttl       time.Duration
	lazyReset bool

	// locations is only written by options during New.
	locations map[string]*time.Location
	fallback  *time.Location

	mu sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTTL overrides the default 24h record lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithSites registers the calendar zone of each site.
func WithSites(sites []models.Site) Option {
	return func(l *Ledger) {
		for _, s := range sites {
			l.locations[s.Name] = s.Location()
		}
	}
}

// WithLazyReset toggles clearing a site's records the first time it is
// read on a new site-local day. Enabled by default.
func WithLazyReset(enabled bool) Option {
	return func(l *Ledger) {
		l.lazyReset = enabled
	}
}

// New creates a Ledger over store.
func New(store Store, clk clock.Clock, logger *slog.Logger, opts ...Option) *Ledger {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:     store,
		clock:     clk,
		logger:    logger.With("component", "ledger"),
		ttl:       DefaultRecordTTL,
		lazyReset: true,
		locations: make(map[string]*time.Location),
		fallback:  models.Site{}.Location(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Snapshot is the set of players excluded on a site at one instant.
type Snapshot struct {
	Used   map[string]bool
	Locked map[string]bool
}

// Excludes reports whether player is used or locked.
func (s Snapshot) Excludes(player string) bool {
	return s.Used[player] || s.Locked[player]
}

// RecordSuccess appends a delivery that expires after the ledger TTL.
func (l *Ledger) RecordSuccess(ctx context.Context, site, player, code string, points float64) (models.AppliedRecord, error) {
	now := l.clock.Now()
	return l.RecordSuccessWithExpiry(ctx, site, player, code, points, now.Add(l.ttl))
}

// RecordSuccessWithExpiry appends a delivery with an explicit expiry.
func (l *Ledger) RecordSuccessWithExpiry(ctx context.Context, site, player, code string, points float64, expiresAt time.Time) (models.AppliedRecord, error) {
	if site == "" {
		return models.AppliedRecord{}, ErrEmptySite
	}
	if player == "" {
		return models.AppliedRecord{}, ErrEmptyPlayer
	}
	now := l.clock.Now()
	if err := l.ensureDay(ctx, site, now); err != nil {
		return models.AppliedRecord{}, err
	}

	rec := models.AppliedRecord{
		ID:        uuid.NewString(),
		Site:      site,
		Player:    player,
		PromoCode: code,
		Points:    points,
		Status:    models.RecordStatusSuccess,
		AppliedAt: now,
		ExpiresAt: expiresAt.UTC(),
	}
	if err := l.store.InsertAppliedRecord(ctx, rec); err != nil {
		return models.AppliedRecord{}, fmt.Errorf("record success for %s/%s: %w", site, player, err)
	}
	return rec, nil
}

// RecordLock stores a lock for player, overwriting any earlier one.
func (l *Ledger) RecordLock(ctx context.Context, site, player, reason string, duration time.Duration, errorCode int) (models.PlayerLock, error) {
	if site == "" {
		return models.PlayerLock{}, ErrEmptySite
	}
	if player == "" {
		return models.PlayerLock{}, ErrEmptyPlayer
	}
	if duration <= 0 {
		return models.PlayerLock{}, ErrInvalidDuration
	}
	lock := models.PlayerLock{
		Site:      site,
		Player:    player,
		Reason:    reason,
		LockedAt:  l.clock.Now(),
		Duration:  duration,
		ErrorCode: errorCode,
	}
	if err := l.store.UpsertPlayerLock(ctx, lock); err != nil {
		return models.PlayerLock{}, fmt.Errorf("record lock for %s/%s: %w", site, player, err)
	}
	l.logger.Info("player locked",
		"site", site,
		"player", player,
		"error_code", errorCode,
		"duration", duration.String(),
	)
	return lock, nil
}

// Snapshot prunes expired entries and returns the players excluded right now.
func (l *Ledger) Snapshot(ctx context.Context, site string) (Snapshot, error) {
	view, err := l.View(ctx, site)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Used:   make(map[string]bool, len(view.Applied)),
		Locked: make(map[string]bool, len(view.Locks)),
	}
	for _, rec := range view.Applied {
		snap.Used[rec.Player] = true
	}
	for _, lock := range view.Locks {
		snap.Locked[lock.Player] = true
	}
	return snap, nil
}

// View returns the active records and locks for site.
func (l *Ledger) View(ctx context.Context, site string) (models.LedgerView, error) {
	if site == "" {
		return models.LedgerView{}, ErrEmptySite
	}
	now := l.clock.Now()
	if err := l.ensureDay(ctx, site, now); err != nil {
		return models.LedgerView{}, err
	}
	if _, err := l.store.DeleteExpiredAppliedRecords(ctx, site, now); err != nil {
		return models.LedgerView{}, err
	}
	if _, err := l.store.DeleteExpiredLocks(ctx, site, now); err != nil {
		return models.LedgerView{}, err
	}

	records, err := l.store.ListAppliedRecords(ctx, site)
	if err != nil {
		return models.LedgerView{}, err
	}
	locks, err := l.store.ListPlayerLocks(ctx, site)
	if err != nil {
		return models.LedgerView{}, err
	}

	view := models.LedgerView{
		Site:    site,
		Day:     l.dayOf(site, now),
		Applied: make([]models.AppliedRecord, 0, len(records)),
		Locks:   make([]models.PlayerLock, 0, len(locks)),
	}
	for _, rec := range records {
		if rec.ActiveAt(now) {
			view.Applied = append(view.Applied, rec)
		}
	}
	for _, lock := range locks {
		if lock.ActiveAt(now) {
			view.Locks = append(view.Locks, lock)
		}
	}
	sort.SliceStable(view.Locks, func(i, j int) bool {
		return view.Locks[i].LockedAt.Before(view.Locks[j].LockedAt)
	})
	return view, nil
}

// DailyReset clears the applied records of one site and stamps today's day.
// Locks carry their own expiry and survive the reset.
func (l *Ledger) DailyReset(ctx context.Context, site string) error {
	if site == "" {
		return ErrEmptySite
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetLocked(ctx, site, l.dayOf(site, l.clock.Now()))
}

func (l *Ledger) resetLocked(ctx context.Context, site, day string) error {
	if err := l.store.ClearAppliedRecords(ctx, site); err != nil {
		return fmt.Errorf("daily reset %s: %w", site, err)
	}
	if err := l.store.SetLedgerDay(ctx, site, day); err != nil {
		return fmt.Errorf("daily reset %s: %w", site, err)
	}
	l.logger.Info("ledger reset", "site", site, "day", day)
	return nil
}

// ensureDay resets site when the stored day is not today in site-local time.
func (l *Ledger) ensureDay(ctx context.Context, site string, now time.Time) error {
	if !l.lazyReset {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	today := l.dayOf(site, now)
	stored, ok, err := l.store.GetLedgerDay(ctx, site)
	if err != nil {
		return err
	}
	if !ok {
		return l.store.SetLedgerDay(ctx, site, today)
	}
	if stored == today {
		return nil
	}
	return l.resetLocked(ctx, site, today)
}

func (l *Ledger) dayOf(site string, now time.Time) string {
	loc, ok := l.locations[site]
	if !ok {
		loc = l.fallback
	}
	return now.In(loc).Format(dayLayout)
}
