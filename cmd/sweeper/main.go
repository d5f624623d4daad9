package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dreamforge/dreamforge-api/internal/config"
	"github.com/dreamforge/dreamforge-api/internal/domain/entitlement"
	"github.com/dreamforge/dreamforge-api/internal/domain/generation"
	"github.com/dreamforge/dreamforge-api/internal/domain/ledger"
	"github.com/dreamforge/dreamforge-api/internal/domain/notifier"
	"github.com/dreamforge/dreamforge-api/internal/domain/provider"
	"github.com/dreamforge/dreamforge-api/internal/pkg/database"
	"github.com/dreamforge/dreamforge-api/internal/pkg/push"
)

// The sweeper runs the reconciliation loop as its own process so API restarts
// and deploys never leave processing records unattended.
func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().Msg("Starting generation sweeper")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	registry := provider.NewRegistry()
	registry.Register(provider.NewReplicate(provider.ReplicateConfig{
		APIToken:   cfg.ReplicateAPIToken,
		BaseURL:    cfg.ReplicateBaseURL,
		WebhookURL: cfg.ReplicateWebhookURL,
	}), "image", "video", "text")
	registry.Register(provider.NewFal(provider.FalConfig{
		APIKey:  cfg.FalAPIKey,
		BaseURL: cfg.FalBaseURL,
	}), "music")

	// The sweeper publishes realtime events through Redis only; it holds no
	// client sockets of its own.
	hub := notifier.NewHub(redis)
	go hub.Run()
	defer hub.Shutdown()

	deviceRepo := notifier.NewDeviceRepository(db)
	fcmClient := push.NewFCMClient(push.FCMConfig{
		ServerKey: cfg.FCMServerKey,
		ProjectID: cfg.FCMProjectID,
	})
	notifierService := notifier.NewService(deviceRepo, fcmClient, hub)

	ledgerService := ledger.NewService(ledger.NewRepository(db))
	entitlementService := entitlement.NewService(entitlement.NewRepository(db))
	generationRepo := generation.NewRepository(db)

	generationService := generation.NewService(
		generationRepo,
		ledgerService,
		entitlementService,
		registry,
		notifierService,
		generation.Config{
			PollAttempts:    cfg.PollAttempts,
			PollBaseBackoff: cfg.PollBaseBackoff,
			MaxRecordAge:    cfg.MaxRecordAge,
		},
	)

	sweeper := generation.NewSweeper(generationService, generationRepo, cfg.SweepInterval, cfg.GracePeriod)
	sweeper.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sweeper.Stop()
	log.Info().Msg("Sweeper exited properly")
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}
}
