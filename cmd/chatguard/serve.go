package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/afterlight/chatguard/internal/handlers"
	"github.com/afterlight/chatguard/internal/i18n"
	"github.com/afterlight/chatguard/internal/middleware"
	"github.com/afterlight/chatguard/internal/pipeline"
	"github.com/afterlight/chatguard/internal/rules"
	"github.com/afterlight/chatguard/internal/safety/abuse"
	"github.com/afterlight/chatguard/internal/safety/crisis"
	"github.com/afterlight/chatguard/internal/services/ai"
	"github.com/afterlight/chatguard/internal/services/cache"
	"github.com/afterlight/chatguard/internal/services/cost"
	"github.com/afterlight/chatguard/internal/services/router"
	"github.com/afterlight/chatguard/internal/services/storage"
	"github.com/afterlight/chatguard/pkg/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*configPath)
		},
	}
}

func loadRules(cfg *config.Config) (*rules.Set, error) {
	if cfg.Rules.Path == "" {
		return rules.Default(), nil
	}
	return rules.Load(cfg.Rules.Path)
}

func serve(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.WithField("version", version).Info("Starting chatguard...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Rule tables
	ruleSet, err := loadRules(cfg)
	if err != nil {
		return err
	}
	crisisDetector, err := crisis.NewDetector(ruleSet.Crisis)
	if err != nil {
		return fmt.Errorf("failed to build crisis detector: %w", err)
	}
	abuseDetector, err := abuse.NewDetector(cfg.Abuse, ruleSet, log)
	if err != nil {
		return fmt.Errorf("failed to build abuse detector: %w", err)
	}
	log.WithFields(logrus.Fields{
		"version": ruleSet.Version,
		"crisis":  len(ruleSet.Crisis),
	}).Info("Rule table loaded")

	if cfg.Rules.Watch && cfg.Rules.Path != "" {
		watcher := rules.NewWatcher(cfg.Rules.Path, log)
		watcher.OnChange(func(set *rules.Set) {
			if err := crisisDetector.Reload(set.Crisis); err != nil {
				log.WithError(err).Error("Failed to reload crisis rules")
			}
			if err := abuseDetector.Reload(set); err != nil {
				log.WithError(err).Error("Failed to reload abuse rules")
			}
		})
		if err := watcher.Start(); err != nil {
			log.WithError(err).Error("Rule hot reload disabled")
		} else {
			defer watcher.Close()
		}
	}

	// Initialize storage
	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer storageManager.Close()

	// Initialize i18n
	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		return fmt.Errorf("failed to initialize i18n: %w", err)
	}

	guardian := cost.NewGuardian(cfg.Budget, log)
	if cfg.Budget.ResetSweep {
		guardian.Start(ctx)
	}

	cacheService := cache.NewCache(cfg.Cache, log)
	metrics := middleware.NewMetrics()

	if cfg.LLM.APIKey == "" {
		log.Warn("No LLM API key configured; model calls will be rejected by the provider")
	}

	p := pipeline.New(cfg, pipeline.Components{
		Crisis:    crisisDetector,
		Abuse:     abuseDetector,
		Guardian:  guardian,
		Router:    router.NewRouter(cfg.Router, log),
		Cache:     cacheService,
		LLM:       ai.NewClient(cfg.LLM, log),
		Incidents: storageManager,
		Localizer: localizer,
		Metrics:   metrics,
	}, log)

	// Start metrics server if enabled
	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(ctx, cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	limiter := middleware.NewRateLimiter(cfg.HTTPLimit, log)
	limiter.StartCleanup(5*time.Minute, ctx.Done())

	handler := handlers.NewHandler(cfg, p, guardian, cacheService, storageManager, localizer, log)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Router(limiter, metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go startPeriodicTasks(ctx, guardian, metrics)

	errChan := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).Info("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}

	log.Info("chatguard stopped")
	return nil
}

// startPeriodicTasks keeps the budget gauges current between requests
func startPeriodicTasks(ctx context.Context, guardian *cost.Guardian, metrics *middleware.Metrics) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := guardian.Stats()
			metrics.SetBudgetUsers(stats.TrackedUsers, stats.BlockedUsers)
		}
	}
}
