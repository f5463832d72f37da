package intake

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"promo-code-engine/internal/cache"
	"promo-code-engine/internal/models"
)

// DefaultDedupeWindow is how long an identical message from the same channel is ignored.
const DefaultDedupeWindow = 60 * time.Second

// Reasons a message is ignored.
const (
	IgnoredEmpty         = "empty_message"
	IgnoredChannel       = "channel_not_allowed"
	IgnoredTooFewCodes   = "too_few_codes"
	IgnoredUnknownSource = "unknown_source"
)

// Submitter enqueues codes for a site and makes sure its loop runs.
type Submitter interface {
	Submit(site string, codes []string) (models.EnqueueCodesResponse, error)
}

// Intake turns candidate messages into queued codes.
type Intake struct {
	detector  *Detector
	submitter Submitter
	cache     cache.Cache
	window    time.Duration
	allowed   map[string]bool
	logger    *slog.Logger

	mu      sync.Mutex
	shuffle func(codes []string)
}

// Option configures an Intake.
type Option func(*Intake)

// WithDedupeWindow overrides DefaultDedupeWindow.
func WithDedupeWindow(d time.Duration) Option {
	return func(in *Intake) {
		if d > 0 {
			in.window = d
		}
	}
}

// WithAllowedChannels restricts intake to the given channel ids. Empty allows all.
func WithAllowedChannels(ids []string) Option {
	return func(in *Intake) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				in.allowed[id] = true
			}
		}
	}
}

// WithShuffle replaces the random shuffle, for tests.
func WithShuffle(shuffle func(codes []string)) Option {
	return func(in *Intake) {
		in.shuffle = shuffle
	}
}

// New creates an Intake.
func New(detector *Detector, submitter Submitter, c cache.Cache, logger *slog.Logger, opts ...Option) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	in := &Intake{
		detector:  detector,
		submitter: submitter,
		cache:     c,
		window:    DefaultDedupeWindow,
		allowed:   make(map[string]bool),
		logger:    logger.With("component", "intake"),
		shuffle: func(codes []string) {
			rng.Shuffle(len(codes), func(i, j int) { codes[i], codes[j] = codes[j], codes[i] })
		},
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func dedupeKey(msg models.Message) string {
	return "intake:" + msg.ChannelID + "_" + strings.ToLower(msg.Text)
}

// OnCandidateMessage parses msg, detects its site and submits the codes.
// Messages that carry nothing actionable are reported, not treated as errors.
func (in *Intake) OnCandidateMessage(ctx context.Context, msg models.Message) (models.IntakeResult, error) {
	if strings.TrimSpace(msg.Text) == "" || msg.ChannelID == "" {
		return models.IntakeResult{Ignored: IgnoredEmpty}, nil
	}
	if len(in.allowed) > 0 && !in.allowed[msg.ChannelID] {
		return models.IntakeResult{Ignored: IgnoredChannel}, nil
	}

	if in.cache != nil {
		fresh, err := in.cache.SetNX(ctx, dedupeKey(msg), []byte("1"), in.window)
		if err != nil {
			in.logger.Warn("message dedupe unavailable", "error", err)
		} else if !fresh {
			return models.IntakeResult{Duplicate: true}, nil
		}
	}

	codes := ParseCodes(msg.Text)
	if len(codes) == 0 {
		return models.IntakeResult{Ignored: IgnoredTooFewCodes}, nil
	}

	site, ok := in.detector.Detect(msg.Text, msg.ChannelID)
	if !ok {
		in.logger.Info("unrecognized message source", "channel_id", msg.ChannelID, "codes", len(codes))
		return models.IntakeResult{Codes: codes, Ignored: IgnoredUnknownSource}, nil
	}

	in.mu.Lock()
	in.shuffle(codes)
	in.mu.Unlock()

	res, err := in.submitter.Submit(site.Name, codes)
	if err != nil {
		return models.IntakeResult{Site: site.Name, Codes: codes}, err
	}
	in.logger.Info("codes received",
		"site", site.Name,
		"channel_id", msg.ChannelID,
		"parsed", len(codes),
		"enqueued", res.Enqueued,
		"started", res.Started,
	)
	return models.IntakeResult{Site: site.Name, Codes: codes, Enqueued: res.Enqueued}, nil
}

// Run consumes the inbox until ctx ends.
func (in *Intake) Run(ctx context.Context, inbox *Inbox) error {
	for {
		msg, err := inbox.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if _, err := in.OnCandidateMessage(ctx, msg); err != nil {
			in.logger.Error("failed to handle message", "channel_id", msg.ChannelID, "error", err)
		}
	}
}
