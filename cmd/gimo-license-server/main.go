// Command gimo-license-server runs the GIMO license and entitlement service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gimo-ai/gimo-license-server/internal/api"
	"github.com/gimo-ai/gimo-license-server/internal/auth"
	"github.com/gimo-ai/gimo-license-server/internal/billing"
	"github.com/gimo-ai/gimo-license-server/internal/config"
	"github.com/gimo-ai/gimo-license-server/internal/db"
	"github.com/gimo-ai/gimo-license-server/internal/license"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	signer, err := license.NewSigner(cfg.SigningKeyPEM)
	if err != nil {
		logger.Fatal().Err(err).Msg("signing key unusable")
	}

	verifier, err := auth.NewOIDCVerifier(ctx, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID)
	if err != nil {
		logger.Fatal().Err(err).Msg("identity provider discovery failed")
	}
	gate := auth.NewGate(verifier, database, cfg.AdminEmails, logger)

	manager := license.NewManager(database, logger)
	payments := billing.NewClient(cfg.Stripe.SecretKey, logger)

	router, err := api.NewRouter(api.Dependencies{
		Config:   cfg,
		DB:       database,
		Manager:  manager,
		Signer:   signer,
		Gate:     gate,
		Payments: payments,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("router setup failed")
	}

	scheduler := startScheduler(cfg, database, manager, logger)
	if scheduler != nil {
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("license server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
}

// startScheduler runs periodic entitlement reconciliation and pending key
// cleanup when a cron expression is configured.
func startScheduler(cfg *config.ServerConfig, database *db.DB, manager *license.Manager, logger zerolog.Logger) *cron.Cron {
	if cfg.ReconcileCron == "" {
		return nil
	}

	log := logger.With().Str("component", "scheduler").Logger()
	scheduler := cron.New()

	_, err := scheduler.AddFunc(cfg.ReconcileCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if _, err := manager.Reconcile(ctx, cfg.ReconcileLimit); err != nil {
			log.Error().Err(err).Msg("scheduled reconciliation failed")
		}
		if swept, err := database.SweepExpiredPendingKeys(ctx); err != nil {
			log.Error().Err(err).Msg("pending key sweep failed")
		} else if swept > 0 {
			log.Info().Int("swept", swept).Msg("expired pending keys removed")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Str("cron", cfg.ReconcileCron).Msg("invalid reconcile schedule")
	}

	scheduler.Start()
	log.Info().Str("cron", cfg.ReconcileCron).Msg("reconciliation schedule started")
	return scheduler
}
