package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maya-licensing/config"
	"maya-licensing/internal/api"
	"maya-licensing/internal/cache"
	"maya-licensing/internal/database"
	"maya-licensing/internal/license"
	"maya-licensing/internal/logging"
	"maya-licensing/internal/notification"
	"maya-licensing/internal/secrets"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logger.Info().Msg("maya licensing server starting")

	ctx := context.Background()

	// Overlay Vault-sourced secrets before anything consumes them
	vaultClient, err := secrets.NewClient(cfg.VaultConfig, logger.With().Str("component", "secrets").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize vault client")
	}
	if vaultClient.IsEnabled() {
		if err := vaultClient.Apply(ctx, cfg); err != nil {
			logger.Fatal().Err(err).Msg("failed to load secrets from vault")
		}
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger.With().Str("component", "database").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	repo := database.NewRepository(db)

	// Notification providers for lifecycle events
	notifyManager := notification.NewManager()
	if cfg.NotificationConfig.Enabled {
		if cfg.NotificationConfig.Webhook.Enabled {
			notifyManager.AddNotifier(notification.NewWebhookNotifier(notification.WebhookConfig{
				URL:     cfg.NotificationConfig.Webhook.URL,
				Token:   cfg.NotificationConfig.Webhook.Token,
				Enabled: true,
			}))
			logger.Info().Msg("webhook notifications enabled")
		}
		if cfg.NotificationConfig.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  true,
			}))
			logger.Info().Msg("telegram notifications enabled")
		}
	}

	policy := license.NewPolicy(cfg.LicenseConfig, cfg.ScannerConfig.WarnDays)
	engine := license.NewEngine(repo, policy, logger.With().Str("component", "engine").Logger())

	// Optional Redis verdict cache
	var verdictCache *cache.VerdictCache
	if cfg.RedisConfig.Enabled {
		verdictCache, err = cache.NewVerdictCache(cfg.RedisConfig, logger.With().Str("component", "cache").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize verdict cache")
		}
		defer verdictCache.Close()
	}

	// Expiry scanner runs on its own schedule against the same store
	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()
	if cfg.ScannerConfig.Enabled {
		scanner := license.NewScanner(repo, notifyManager, cfg.ScannerConfig.WarnDays,
			logger.With().Str("component", "scanner").Logger())
		interval := time.Duration(cfg.ScannerConfig.IntervalHrs) * time.Hour
		go scanner.Run(scanCtx, interval)
		logger.Info().Dur("interval", interval).Msg("expiry scanner started")
	}

	server := api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		ProductionMode: cfg.ServerConfig.ProductionMode,
		AllowedOrigins: cfg.ServerConfig.AllowedOrigins,
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
	}, engine, repo, verdictCache, cfg.LicenseConfig.AdminAPIKey,
		logger.With().Str("component", "api").Logger())

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	cancelScan()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
