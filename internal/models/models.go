package models

import (
	"math"
	"time"
	_ "time/tzdata"
)

// Tier names one bucket of a site's player pool.
type Tier string

const (
	TierVeryHigh Tier = "very_high"
	TierHigh     Tier = "high"
	TierMid      Tier = "mid"
	TierLow      Tier = "low"
	TierAll      Tier = "all"
)

// Tiers lists every pool tier from most to least valuable.
var Tiers = []Tier{TierVeryHigh, TierHigh, TierMid, TierLow, TierAll}

// Valid reports whether t is one of the five known tiers.
func (t Tier) Valid() bool {
	for _, known := range Tiers {
		if t == known {
			return true
		}
	}
	return false
}

// PlayerPool holds the five overlapping tiers of player identifiers for a site.
type PlayerPool struct {
	VeryHigh []string `json:"very_high" yaml:"very_high"`
	High     []string `json:"high" yaml:"high"`
	Mid      []string `json:"mid" yaml:"mid"`
	Low      []string `json:"low" yaml:"low"`
	All      []string `json:"all" yaml:"all"`
}

// Tier returns the players listed under t.
func (p PlayerPool) Tier(t Tier) []string {
	switch t {
	case TierVeryHigh:
		return p.VeryHigh
	case TierHigh:
		return p.High
	case TierMid:
		return p.Mid
	case TierLow:
		return p.Low
	case TierAll:
		return p.All
	default:
		return nil
	}
}

// TierRule maps a reward range onto an ordered list of tiers to try.
// A rule with neither Above nor AtLeast matches every valid reward.
type TierRule struct {
	Above   *float64 `json:"above,omitempty" yaml:"above,omitempty"`
	AtLeast *float64 `json:"at_least,omitempty" yaml:"at_least,omitempty"`
	Tiers   []Tier   `json:"tiers" yaml:"tiers"`
}

// Matches reports whether points falls inside the rule.
func (r TierRule) Matches(points float64) bool {
	if r.Above != nil && !(points > *r.Above) {
		return false
	}
	if r.AtLeast != nil && points < *r.AtLeast {
		return false
	}
	return true
}

// ValidPoints reports whether a partner-reported reward can be bucketed.
func ValidPoints(points float64) bool {
	return !math.IsNaN(points) && !math.IsInf(points, 0) && points >= 0
}

// Site is one partner site the engine redeems codes against.
type Site struct {
	Name               string                `json:"name" yaml:"name"`
	Priority           int                   `json:"priority" yaml:"priority"`
	Endpoint           string                `json:"endpoint" yaml:"endpoint"`
	HostURL            string                `json:"host_url" yaml:"host_url"`
	HostURLEnv         string                `json:"host_url_env" yaml:"host_url_env"`
	SharedSecret       string                `json:"shared_secret" yaml:"shared_secret"`
	TokenCookie        bool                  `json:"token_cookie" yaml:"token_cookie"`
	MinRewardThreshold float64               `json:"min_reward_threshold" yaml:"min_reward_threshold"`
	Keywords           []string              `json:"keywords" yaml:"keywords"`
	ChatIDs            []string              `json:"chat_ids" yaml:"chat_ids"`
	Timezone           string                `json:"timezone" yaml:"timezone"`
	ResetCron          string                `json:"reset_cron" yaml:"reset_cron"`
	LockDurations      map[int]time.Duration `json:"lock_durations" yaml:"lock_durations"`
	TierRules          []TierRule            `json:"tier_rules" yaml:"tier_rules"`
	InvalidPointTiers  []Tier                `json:"invalid_point_tiers" yaml:"invalid_point_tiers"`
	Pool               PlayerPool            `json:"pool" yaml:"pool"`
}

// DefaultTimezone is used when a site does not name one.
const DefaultTimezone = "Asia/Bangkok"

// Location returns the site-local calendar zone, falling back to UTC
// when the configured name cannot be loaded.
func (s Site) Location() *time.Location {
	name := s.Timezone
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AppliedRecord is one successful delivery of a code to a player.
type AppliedRecord struct {
	ID        string    `json:"id"`
	Site      string    `json:"site"`
	Player    string    `json:"player"`
	PromoCode string    `json:"promo_code"`
	Points    float64   `json:"points"`
	Status    string    `json:"status"`
	AppliedAt time.Time `json:"applied_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActiveAt reports whether the record still excludes its player at t.
func (r AppliedRecord) ActiveAt(t time.Time) bool {
	return t.Before(r.ExpiresAt)
}

// RecordStatusSuccess is the only outcome written to the ledger today.
const RecordStatusSuccess = "success"

// PlayerLock is a durable, time-boxed exclusion of a player on a site.
type PlayerLock struct {
	Site      string        `json:"site"`
	Player    string        `json:"player"`
	Reason    string        `json:"reason"`
	LockedAt  time.Time     `json:"locked_at"`
	Duration  time.Duration `json:"duration"`
	ErrorCode int           `json:"error_code"`
}

// ExpiresAt is the first instant the lock no longer applies.
func (l PlayerLock) ExpiresAt() time.Time {
	return l.LockedAt.Add(l.Duration)
}

// ActiveAt reports whether the lock applies at t.
func (l PlayerLock) ActiveAt(t time.Time) bool {
	return t.Before(l.ExpiresAt())
}

// Decision is what a site loop does with a code after one processing attempt.
type Decision int

const (
	// DecisionDone means the code was delivered to a player.
	DecisionDone Decision = iota
	// DecisionDrop means the code is discarded without delivery.
	DecisionDrop
	// DecisionRequeue puts the code back at the front of the site queue.
	DecisionRequeue
)

func (d Decision) String() string {
	switch d {
	case DecisionDone:
		return "done"
	case DecisionDrop:
		return "drop"
	case DecisionRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Message is one candidate message observed on a source channel.
type Message struct {
	Text      string `json:"text"`
	ChannelID string `json:"channel_id"`
}

// QueueStatus is a point-in-time view of a site queue.
type QueueStatus struct {
	Site       string   `json:"site"`
	Pending    []string `json:"pending"`
	Processing bool     `json:"processing"`
	Canceled   bool     `json:"canceled"`
}

// LedgerView is the active ledger state for one site.
type LedgerView struct {
	Site    string          `json:"site"`
	Day     string          `json:"day"`
	Applied []AppliedRecord `json:"applied"`
	Locks   []PlayerLock    `json:"locks"`
}

// IntakeResult reports what happened to a candidate message.
type IntakeResult struct {
	Site      string   `json:"site,omitempty"`
	Codes     []string `json:"codes"`
	Enqueued  int      `json:"enqueued"`
	Duplicate bool     `json:"duplicate,omitempty"`
	Ignored   string   `json:"ignored,omitempty"`
}

// EnqueueCodesRequest is the body of POST /sites/{site}/codes.
type EnqueueCodesRequest struct {
	Codes []string `json:"codes"`
}

// EnqueueCodesResponse reports how many codes were new to the queue.
type EnqueueCodesResponse struct {
	Site     string `json:"site"`
	Enqueued int    `json:"enqueued"`
	Started  bool   `json:"started"`
}

// CaptchaAnswerRequest is the body of POST /captchas/{id}.
type CaptchaAnswerRequest struct {
	Answer string `json:"answer"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageAcceptedResponse is returned when a message is queued for intake.
type MessageAcceptedResponse struct {
	Queued bool `json:"queued"`
}

// FeatureUpdateRequest is the body of PUT /features/{name}.
type FeatureUpdateRequest struct {
	Enabled bool `json:"enabled"`
}
