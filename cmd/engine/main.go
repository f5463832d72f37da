package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"promo-code-engine/internal/cache"
	"promo-code-engine/internal/captcha"
	"promo-code-engine/internal/clock"
	"promo-code-engine/internal/config"
	"promo-code-engine/internal/database"
	"promo-code-engine/internal/events"
	"promo-code-engine/internal/features"
	"promo-code-engine/internal/gate"
	"promo-code-engine/internal/handler"
	"promo-code-engine/internal/intake"
	"promo-code-engine/internal/ledger"
	"promo-code-engine/internal/logging"
	"promo-code-engine/internal/middleware"
	"promo-code-engine/internal/notify"
	"promo-code-engine/internal/partner"
	"promo-code-engine/internal/pipeline"
	"promo-code-engine/internal/players"
	"promo-code-engine/internal/scheduler"
	"promo-code-engine/internal/service"
	"promo-code-engine/internal/tracing"
)

const (
	shutdownTimeout = 15 * time.Second
	sweepInterval   = time.Minute
)

func main() {
	configFile := flag.String("config", "", "Optional JSON config file")
	envFile := flag.String("env", ".env", "Optional .env file")
	flag.Parse()

	// Variables already set in the environment win over the file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Format, cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("engine stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sites, err := config.LoadSites(cfg.Engine.SitesFile)
	if err != nil {
		return err
	}
	registry, err := players.NewRegistry(sites)
	if err != nil {
		return err
	}

	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	clk := clock.NewSystem()
	sharedCache, closeCache, err := newCache(ctx, cfg.Redis, clk, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	flags := features.NewManager()
	flags.RegisterDefaults(cfg.Engine.FanOut, cfg.Engine.HumanCaptcha, cfg.Engine.Notifications)

	eventManager := events.NewManager(true, logger)
	defer eventManager.Shutdown()

	var notifier *notify.TelegramNotifier
	if cfg.Notify.Configured() {
		notifier, err = notify.NewTelegramNotifier(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID, logger,
			notify.WithEnabled(flags.Checker(features.FeatureNotifications)))
		if err != nil {
			return err
		}
		notifier.Register(eventManager)
	} else {
		logger.Info("telegram notifications disabled, bot token or chat id missing")
	}

	led := ledger.New(db, clk, logger,
		ledger.WithSites(sites),
		ledger.WithTTL(cfg.Engine.LedgerTTL.Duration),
	)
	resetter, err := ledger.NewResetter(led, sites, logger)
	if err != nil {
		return err
	}
	resetter.Start()
	defer resetter.Stop()

	humans := captcha.NewHumanQueue(cfg.Engine.HumanCaptchaTimeout.Duration, func(c captcha.Challenge) {
		logger.Warn("captcha waiting for an operator", "challenge_id", c.ID, "site", c.Site)
		if notifier != nil {
			go notifier.NotifyCaptcha(c)
		}
	})
	solver := captcha.NewOCRSolver(
		captcha.NewFetcher(&http.Client{Timeout: cfg.Engine.OCRTimeout.Duration}),
		captcha.NewOCRClient(cfg.Engine.OCRBaseURL, cfg.Engine.OCRTimeout.Duration),
		logger,
		captcha.WithHumanFallback(humans, flags.Checker(features.FeatureHumanCaptcha)),
	)

	pipe := pipeline.New(pipeline.Deps{
		Partner:   partner.NewClient(cfg.Engine.PartnerTimeout.Duration),
		Solver:    solver,
		Ledger:    led,
		Selector:  players.NewSelector(registry),
		Cooldowns: players.NewCooldownTracker(sharedCache, clk, cfg.Engine.CooldownWindow.Duration, logger),
		Gate:      gate.New(cfg.Engine.GateSpacing.Duration),
		Events:    eventManager,
		Features:  flags,
		Logger:    logger,
	})

	sched := scheduler.New(registry, pipe, logger,
		scheduler.WithMode(scheduler.Mode(cfg.Engine.SiteMode)),
		scheduler.WithDrainWait(cfg.Engine.DrainWait.Duration),
	)

	inbox := intake.NewInbox(cfg.Engine.InboxSize)
	in := intake.New(intake.NewDetector(registry.Sites()), sched, sharedCache, logger,
		intake.WithDedupeWindow(cfg.Engine.DedupeWindow.Duration),
		intake.WithAllowedChannels(cfg.Engine.AllowedChannels),
	)
	intakeDone := make(chan error, 1)
	go func() { intakeDone <- in.Run(ctx, inbox) }()

	svc := service.NewService(service.Deps{
		Sites:    registry,
		Queues:   sched,
		Ledger:   led,
		Intake:   in,
		Inbox:    inbox,
		Captchas: humans,
		Flags:    flags,
		Logger:   logger,
	})
	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Server.MaxRequestBodySize,
		Logger:      logger,
	})

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware())
	r.Use(middleware.MaxBodySize(cfg.Server.MaxRequestBodySize))

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer rateLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.Origins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h.Mount(r)

	server := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting admin API",
			"addr", server.Addr,
			"sites", len(sites),
			"site_mode", cfg.Engine.SiteMode,
			"redis", cfg.Redis.Addr != "",
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown failed", "error", err)
	}
	if err := <-intakeDone; err != nil {
		logger.Error("intake stopped with error", "error", err)
	}
	eventManager.Wait()
	return nil
}

// newCache connects to Redis when configured and otherwise keeps an
// in-memory cache swept in the background.
func newCache(ctx context.Context, cfg config.RedisConfig, clk clock.Clock, logger *slog.Logger) (cache.Cache, func(), error) {
	if cfg.Addr != "" {
		rc, err := cache.NewRedisCache(cfg.Addr, cfg.Password, cfg.DB, cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using redis cache", "addr", cfg.Addr)
		return rc, func() { rc.Close() }, nil
	}

	mem := cache.NewInMemoryCacheWithClock(clk)
	sweepCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := mem.Sweep(); n > 0 {
					logger.Debug("cache swept", "expired", n)
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()
	return mem, cancel, nil
}
