package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"promo-code-engine/internal/captcha"
	"promo-code-engine/internal/events"
	"promo-code-engine/internal/models"
)

const defaultTimeout = 5 * time.Second

// ErrNotConfigured is returned when the bot token or chat id is missing.
var ErrNotConfigured = errors.New("notify: telegram bot token and chat id are required")

// TelegramNotifier posts one-line summaries to a Telegram chat.
type TelegramNotifier struct {
	bot     *bot.Bot
	chatID  string
	limiter *rate.Limiter
	enabled func() bool
	logger  *slog.Logger
}

type options struct {
	serverURL string
	client    *http.Client
	enabled   func() bool
}

// Option configures a TelegramNotifier.
type Option func(*options)

// WithBaseURL points the notifier at another Bot API host.
func WithBaseURL(u string) Option {
	return func(o *options) {
		o.serverURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.client = hc
	}
}

// WithEnabled gates every send on enabled.
func WithEnabled(enabled func() bool) Option {
	return func(o *options) {
		o.enabled = enabled
	}
}

// NewTelegramNotifier creates a notifier. Telegram allows about one message
// per second to a chat, so sends are spaced accordingly. The bot is never
// started: the notifier only sends.
func NewTelegramNotifier(token, chatID string, logger *slog.Logger, opts ...Option) (*TelegramNotifier, error) {
	if token == "" || chatID == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := options{client: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(&o)
	}

	botOpts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(defaultTimeout, o.client),
	}
	if o.serverURL != "" {
		botOpts = append(botOpts, bot.WithServerURL(o.serverURL))
	}
	b, err := bot.New(token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("notify: create telegram bot: %w", err)
	}

	return &TelegramNotifier{
		bot:     b,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		enabled: o.enabled,
		logger:  logger.With("component", "notify"),
	}, nil
}

// Register subscribes the notifier to redemption events.
func (n *TelegramNotifier) Register(m *events.Manager) {
	m.Subscribe(events.EventCodeRedeemed, n.handleRedeemed)
}

func (n *TelegramNotifier) handleRedeemed(ctx context.Context, e events.Event) error {
	data, ok := e.Data.(events.CodeRedeemedData)
	if !ok {
		return fmt.Errorf("notify: unexpected payload %T", e.Data)
	}
	return n.Send(ctx, FormatRedeemed(data.Record))
}

// NotifyCaptcha tells operators a captcha is waiting for an answer.
// It is shaped to be passed as the human queue's onAsk hook.
func (n *TelegramNotifier) NotifyCaptcha(c captcha.Challenge) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	text := fmt.Sprintf("Captcha needed for %s: answer %s before %s", c.Site, c.ID, c.ExpiresAt.Format(time.Kitchen))
	if err := n.Send(ctx, text); err != nil {
		n.logger.Warn("captcha notification failed", "challenge_id", c.ID, "error", err)
	}
}

// Send posts text to the configured chat.
func (n *TelegramNotifier) Send(ctx context.Context, text string) error {
	if n.enabled != nil && !n.enabled() {
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	noPreview := true
	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:             n.chatID,
		Text:               text,
		LinkPreviewOptions: &tgmodels.LinkPreviewOptions{IsDisabled: &noPreview},
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// FormatRedeemed renders a delivered code as a single line.
func FormatRedeemed(rec models.AppliedRecord) string {
	return fmt.Sprintf("%s | player %s | code %s | %s points | %s",
		rec.Site,
		MaskPlayer(rec.Player),
		rec.PromoCode,
		formatPoints(rec.Points),
		rec.AppliedAt.Format("2006-01-02 15:04:05"),
	)
}

// MaskPlayer keeps the first three and last two characters of names longer than five.
func MaskPlayer(name string) string {
	r := []rune(name)
	if len(r) <= 5 {
		return name
	}
	return string(r[:3]) + strings.Repeat("*", len(r)-5) + string(r[len(r)-2:])
}

func formatPoints(p float64) string {
	if p == float64(int64(p)) {
		return fmt.Sprintf("%d", int64(p))
	}
	return fmt.Sprintf("%.2f", p)
}
