package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dreamforge/dreamforge-api/internal/config"
	"github.com/dreamforge/dreamforge-api/internal/domain/entitlement"
	"github.com/dreamforge/dreamforge-api/internal/domain/generation"
	"github.com/dreamforge/dreamforge-api/internal/domain/ledger"
	"github.com/dreamforge/dreamforge-api/internal/domain/notifier"
	"github.com/dreamforge/dreamforge-api/internal/domain/provider"
	"github.com/dreamforge/dreamforge-api/internal/middleware"
	"github.com/dreamforge/dreamforge-api/internal/pkg/database"
	"github.com/dreamforge/dreamforge-api/internal/pkg/jwt"
	"github.com/dreamforge/dreamforge-api/internal/pkg/push"
	pkgresponse "github.com/dreamforge/dreamforge-api/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting Dreamforge API")

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

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	// ---------- Repositories ----------
	ledgerRepo := ledger.NewRepository(db)
	entitlementRepo := entitlement.NewRepository(db)
	generationRepo := generation.NewRepository(db)
	deviceRepo := notifier.NewDeviceRepository(db)

	// ---------- Provider adapters ----------
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

	// ---------- WebSocket hub ----------
	hub := notifier.NewHub(redis)
	go hub.Run()
	defer hub.Shutdown()

	// ---------- Services ----------
	ledgerService := ledger.NewService(ledgerRepo)
	entitlementService := entitlement.NewService(entitlementRepo)

	fcmClient := push.NewFCMClient(push.FCMConfig{
		ServerKey: cfg.FCMServerKey,
		ProjectID: cfg.FCMProjectID,
	})
	notifierService := notifier.NewService(deviceRepo, fcmClient, hub)

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

	// ---------- Handlers ----------
	ledgerHandler := ledger.NewHandler(ledgerService)
	generationHandler := generation.NewHandler(generationService, cfg.CallbackSecrets)
	notifierHandler := notifier.NewHandler(hub, deviceRepo, cfg.AllowedOrigins)

	authMiddleware := middleware.Auth(jwtService)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	// WebSocket endpoint (before Compress)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		authMiddleware(http.HandlerFunc(notifierHandler.WebSocket)).ServeHTTP(w, r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Compress(5))

		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		r.Mount("/generations", generationHandler.Routes(authMiddleware))
		r.Mount("/credits", ledgerHandler.Routes(authMiddleware))
		r.Mount("/devices", notifierHandler.DeviceRoutes(authMiddleware))
	})

	r.Mount("/callbacks", generationHandler.CallbackRoutes())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
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
