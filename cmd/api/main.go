package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"assistant-billing/internal/client"
	"assistant-billing/internal/config"
	"assistant-billing/internal/handler"
	"assistant-billing/internal/repository"
	"assistant-billing/internal/security"
	"assistant-billing/internal/server"
	"assistant-billing/internal/service"
	"assistant-billing/internal/tax"
	"assistant-billing/pkg/logging"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		log.Error("catalog load failed", "error", err)
		os.Exit(1)
	}

	masterKey, err := base64.StdEncoding.DecodeString(cfg.Security.MasterKey)
	if err != nil {
		log.Error("SECURITY_MASTER_KEY is not valid base64")
		os.Exit(1)
	}
	attemptWindow, err := time.ParseDuration(cfg.Security.AttemptWindow)
	if err != nil {
		log.Error("invalid SECURITY_ATTEMPT_WINDOW", "error", err)
		os.Exit(1)
	}
	dedupeTTL, err := time.ParseDuration(cfg.Webhook.DedupeTTL)
	if err != nil {
		log.Error("invalid WEBHOOK_DEDUPE_TTL", "error", err)
		os.Exit(1)
	}

	secmgr, err := security.NewManager(masterKey, cfg.Security.MasterKeyVersion,
		cfg.Security.AlertThreshold, attemptWindow, log, nil)
	if err != nil {
		log.Error("security manager init failed", "error", err)
		os.Exit(1)
	}

	// Fail fast on secrets we would otherwise only discover broken at the
	// first webhook or charge.
	if cfg.JWTSecret == "" {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}
	if _, err := secmgr.DecryptSecret(cfg.Webhook.SecretEnc); err != nil {
		log.Error("WEBHOOK_SECRET_ENC is missing or not decryptable")
		os.Exit(1)
	}
	if _, err := secmgr.DecryptSecret(cfg.Gateway.APIKeyEnc); err != nil {
		log.Error("GATEWAY_API_KEY_ENC is missing or not decryptable")
		os.Exit(1)
	}

	taxCalc, err := tax.NewCalculator(catalog)
	if err != nil {
		log.Error("tax table invalid", "error", err)
		os.Exit(1)
	}

	db := client.InitDBClient(cfg.DatabaseURL)
	gatewayClient := client.NewGatewayClient(&cfg.Gateway)

	var dedupe service.DedupeStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		dedupe = service.NewRedisDedupe(rdb, dedupeTTL)
		log.Info("using redis dedupe store", "addr", cfg.RedisAddr)
	} else {
		dedupe = service.NewMemoryDedupe(cfg.Webhook.DedupeSize, dedupeTTL)
	}

	intentRepo := repository.NewIntentRepository(db)
	methodRepo := repository.NewPaymentMethodRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	webhookEventRepo := repository.NewWebhookEventRepository(db)

	subscriptionService := service.NewSubscriptionService(catalog, subscriptionRepo, log)
	paymentService := service.NewPaymentService(
		gatewayClient, &cfg.Gateway, catalog, taxCalc, secmgr,
		intentRepo, methodRepo,
		subscriptionService, log,
	)
	webhookService := service.NewWebhookService(
		&cfg.Webhook, secmgr, dedupe, webhookEventRepo,
		paymentService, subscriptionService, log,
	)

	srv := server.NewServer(
		handler.NewPaymentHandler(paymentService),
		handler.NewSubscriptionHandler(subscriptionService),
		handler.NewWebhookHandler(webhookService, db),
		cfg.JWTSecret,
	)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runPeriodSweep(sweepCtx, subscriptionService, log)

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port
	log.Info("starting HTTP server", "addr", serverAddr)
	go func() {
		if err := srv.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	<-sigChan
	log.Info("signal received, starting graceful shutdown")
	stopSweep()

	if err := srv.Shutdown(); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
		os.Exit(1)
	}
}

// runPeriodSweep finalizes pending cancellations whose period has lapsed.
func runPeriodSweep(ctx context.Context, subs service.SubscriptionService, log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := subs.SweepDuePeriods(ctx); err != nil {
				log.Error("period sweep failed", "error", err)
			}
		}
	}
}
