package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/proxmox-agent/internal/agent"
	"github.com/p-blackswan/proxmox-agent/internal/calendar"
	"github.com/p-blackswan/proxmox-agent/internal/config"
	"github.com/p-blackswan/proxmox-agent/internal/confirm"
	"github.com/p-blackswan/proxmox-agent/internal/health"
	"github.com/p-blackswan/proxmox-agent/internal/llm"
	"github.com/p-blackswan/proxmox-agent/internal/metrics"
	"github.com/p-blackswan/proxmox-agent/internal/mgmt"
	"github.com/p-blackswan/proxmox-agent/internal/proxmox"
	"github.com/p-blackswan/proxmox-agent/internal/scheduler"
	slackpkg "github.com/p-blackswan/proxmox-agent/internal/slack"
)

func main() {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("node", cfg.ProxmoxNode).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Dur("check_interval", cfg.CheckInterval).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Bool("classifier_enabled", cfg.ClassifierEnabled()).
		Msg("starting proxmox agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Collaborators
	pve := proxmox.NewClient(proxmox.Config{
		BaseURL:         cfg.ProxmoxAPIURL,
		TokenID:         cfg.ProxmoxTokenID,
		TokenSecret:     cfg.ProxmoxTokenSecret,
		Node:            cfg.ProxmoxNode,
		InsecureSkipTLS: cfg.ProxmoxInsecureSkipTLS,
	}, logger)

	store, err := calendar.NewStore(ctx, cfg.CalendarID, cfg.CalendarCredentialsFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init calendar store")
	}

	m := metrics.New()
	registry := confirm.NewRegistry(nil, logger)

	checker := health.NewChecker(logger)
	checker.Register("proxmox", health.Probe(func(ctx context.Context) error {
		_, err := pve.ListContainers(ctx)
		return err
	}))
	checker.Register("calendar", health.Probe(func(ctx context.Context) error {
		_, err := store.ListOpen(ctx)
		return err
	}))

	var wg sync.WaitGroup

	// Chat surface. Without Slack tokens the agent runs scheduler-only and
	// notifications land in the log.
	var notifier scheduler.Notifier = logNotifier{logger: logger}
	if cfg.SlackEnabled() {
		var classifier slackpkg.Classifier
		if cfg.ClassifierEnabled() {
			classifier = llm.NewClassifier(cfg.AnthropicAPIKey, cfg.AnthropicModel, logger)
		} else {
			logger.Info().Msg("no classifier configured; only confirm/cancel replies understood")
		}

		dispatcher := agent.New(pve, store, registry, nil, cfg.DeletionDelay, cfg.ReminderWindow, m, logger)
		handler := slackpkg.NewHandler(dispatcher, classifier, logger)

		app, err := slackpkg.NewApp(cfg.SlackBotToken, cfg.SlackAppToken, logger, handler)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init Slack app")
		}
		notifier = slackpkg.NewNotifier(app.Client(), cfg.SlackBroadcastChannel, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Slack Socket Mode error")
			}
		}()
	} else {
		logger.Info().Msg("Slack not configured; running in scheduler-only mode")
	}

	// Reconciliation loop
	reconciler := scheduler.New(scheduler.Config{
		CheckInterval:  cfg.CheckInterval,
		ErrorBackoff:   cfg.ErrorBackoff,
		ReminderWindow: cfg.ReminderWindow,
		CallTimeout:    cfg.CallTimeout,
	}, store, pve, notifier, nil, m, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()

	// Confirmation token eviction
	wg.Add(1)
	go func() {
		defer wg.Done()
		registry.RunCleanup(ctx, cfg.ConfirmationSweep, cfg.ConfirmationMaxAge)
	}()

	// Management API
	mgmtServer := mgmt.NewServer(mgmt.Config{
		ListenAddr: cfg.MgmtListenAddr,
		APIKey:     cfg.MgmtAPIKey,
	}, store, registry, checker, m, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()
	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	// Give in-flight cycles and the socket a bounded window to finish.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn().Msg("shutdown grace period elapsed; exiting")
	}
}

// logNotifier stands in for Slack in scheduler-only deployments. Reminders
// and notices still happen, they just go to the operator's log.
type logNotifier struct {
	logger zerolog.Logger
}

func (n logNotifier) NotifyUser(_ context.Context, userID, text string) error {
	n.logger.Info().Str("user", userID).Str("text", text).Msg("notification (no chat surface)")
	return nil
}

func (n logNotifier) Broadcast(_ context.Context, text string) error {
	n.logger.Info().Str("text", text).Msg("broadcast (no chat surface)")
	return nil
}
