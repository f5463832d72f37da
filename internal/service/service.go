package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"promo-code-engine/internal/captcha"
	"promo-code-engine/internal/features"
	"promo-code-engine/internal/models"
	"promo-code-engine/internal/scheduler"
	"promo-code-engine/internal/validation"
)

var (
	// ErrUnknownSite is returned for a site that is not in the registry.
	ErrUnknownSite = errors.New("unknown site")
	// ErrUnavailable is returned when the engine cannot take more work right now.
	ErrUnavailable = errors.New("engine unavailable")
)

// Queues is the per-site work queue.
type Queues interface {
	Submit(site string, codes []string) (models.EnqueueCodesResponse, error)
	Abort(site string) error
	Status(site string) (models.QueueStatus, error)
}

// Ledger exposes the applied-code ledger.
type Ledger interface {
	View(ctx context.Context, site string) (models.LedgerView, error)
	DailyReset(ctx context.Context, site string) error
}

// Sites lists the configured sites.
type Sites interface {
	Site(name string) (models.Site, bool)
	Sites() []models.Site
}

// MessageHandler processes a candidate message immediately.
type MessageHandler interface {
	OnCandidateMessage(ctx context.Context, msg models.Message) (models.IntakeResult, error)
}

// Inbox buffers candidate messages for the background consumer.
type Inbox interface {
	Submit(msg models.Message) error
}

// Captchas holds challenges waiting for an operator.
type Captchas interface {
	Pending() []captcha.Challenge
	Answer(id, answer string) error
}

// Flags toggles engine features at runtime.
type Flags interface {
	List() []features.FeatureFlag
	Set(name string, enabled bool) error
}

// Deps are the engine parts the admin API drives.
type Deps struct {
	Sites    Sites
	Queues   Queues
	Ledger   Ledger
	Intake   MessageHandler
	Inbox    Inbox
	Captchas Captchas
	Flags    Flags
	Logger   *slog.Logger
}

// Service validates admin requests and forwards them to the engine.
type Service struct {
	deps   Deps
	logger *slog.Logger
}

// NewService creates a new service instance.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, logger: logger.With("component", "service")}
}

// QueueMessage hands msg to the intake consumer without waiting.
func (s *Service) QueueMessage(msg models.Message) error {
	if err := validation.ValidateMessage(msg); err != nil {
		return err
	}
	if err := s.deps.Inbox.Submit(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// HandleMessage runs intake for msg and reports what happened to it.
func (s *Service) HandleMessage(ctx context.Context, msg models.Message) (models.IntakeResult, error) {
	if err := validation.ValidateMessage(msg); err != nil {
		return models.IntakeResult{}, err
	}
	res, err := s.deps.Intake.OnCandidateMessage(ctx, msg)
	if err != nil {
		return res, s.engineError(err)
	}
	return res, nil
}

// EnqueueCodes adds codes to a site queue and makes sure its loop runs.
func (s *Service) EnqueueCodes(site string, codes []string) (models.EnqueueCodesResponse, error) {
	if err := s.checkSite(site); err != nil {
		return models.EnqueueCodesResponse{}, err
	}
	if err := validation.ValidateCodes(codes); err != nil {
		return models.EnqueueCodesResponse{}, err
	}

	clean := make([]string, len(codes))
	for i, code := range codes {
		clean[i] = validation.SanitizeString(code)
	}

	res, err := s.deps.Queues.Submit(site, clean)
	if err != nil {
		return models.EnqueueCodesResponse{}, s.engineError(err)
	}
	s.logger.Info("codes enqueued by operator", "site", site, "enqueued", res.Enqueued, "started", res.Started)
	return res, nil
}

// QueueStatus returns the pending codes and loop state of a site.
func (s *Service) QueueStatus(site string) (models.QueueStatus, error) {
	if err := s.checkSite(site); err != nil {
		return models.QueueStatus{}, err
	}
	st, err := s.deps.Queues.Status(site)
	if err != nil {
		return models.QueueStatus{}, s.engineError(err)
	}
	return st, nil
}

// ListQueues returns the status of every site in priority order.
func (s *Service) ListQueues() ([]models.QueueStatus, error) {
	sites := s.deps.Sites.Sites()
	out := make([]models.QueueStatus, 0, len(sites))
	for _, site := range sites {
		st, err := s.deps.Queues.Status(site.Name)
		if err != nil {
			return nil, s.engineError(err)
		}
		out = append(out, st)
	}
	return out, nil
}

// AbortSite asks a site loop to stop after its current code.
func (s *Service) AbortSite(site string) error {
	if err := s.checkSite(site); err != nil {
		return err
	}
	if err := s.deps.Queues.Abort(site); err != nil {
		return s.engineError(err)
	}
	s.logger.Info("site aborted by operator", "site", site)
	return nil
}

// ResetSite clears the site's applied records ahead of the scheduled reset.
func (s *Service) ResetSite(ctx context.Context, site string) error {
	if err := s.checkSite(site); err != nil {
		return err
	}
	if err := s.deps.Ledger.DailyReset(ctx, site); err != nil {
		return fmt.Errorf("failed to reset ledger: %w", err)
	}
	return nil
}

// LedgerView returns the active applied records and locks of a site.
func (s *Service) LedgerView(ctx context.Context, site string) (models.LedgerView, error) {
	if err := s.checkSite(site); err != nil {
		return models.LedgerView{}, err
	}
	view, err := s.deps.Ledger.View(ctx, site)
	if err != nil {
		return models.LedgerView{}, fmt.Errorf("failed to read ledger: %w", err)
	}
	return view, nil
}

// PendingCaptchas lists challenges waiting for an operator.
func (s *Service) PendingCaptchas() []captcha.Challenge {
	if s.deps.Captchas == nil {
		return []captcha.Challenge{}
	}
	return s.deps.Captchas.Pending()
}

// AnswerCaptcha resolves a pending challenge.
func (s *Service) AnswerCaptcha(id, answer string) error {
	if err := validation.ValidateUUID(id, "id"); err != nil {
		return err
	}
	if err := validation.ValidateCaptchaAnswer(answer); err != nil {
		return err
	}
	if s.deps.Captchas == nil {
		return captcha.ErrUnknownChallenge
	}
	return s.deps.Captchas.Answer(validation.SanitizeString(id), validation.SanitizeString(answer))
}

// Features lists the runtime flags.
func (s *Service) Features() []features.FeatureFlag {
	return s.deps.Flags.List()
}

// SetFeature toggles one runtime flag.
func (s *Service) SetFeature(name string, enabled bool) error {
	if err := s.deps.Flags.Set(name, enabled); err != nil {
		return err
	}
	s.logger.Info("feature toggled", "feature", name, "enabled", enabled)
	return nil
}

func (s *Service) checkSite(site string) error {
	if err := validation.ValidateSiteName(site); err != nil {
		return err
	}
	if _, ok := s.deps.Sites.Site(site); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}
	return nil
}

func (s *Service) engineError(err error) error {
	switch {
	case errors.Is(err, scheduler.ErrUnknownSite):
		return fmt.Errorf("%w: %v", ErrUnknownSite, err)
	case errors.Is(err, scheduler.ErrClosed):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}
