package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Factory55/telegram-client/internal/config"
	"github.com/Factory55/telegram-client/internal/dispatch"
	"github.com/Factory55/telegram-client/internal/filter"
	"github.com/Factory55/telegram-client/internal/intake"
	"github.com/Factory55/telegram-client/internal/log"
	"github.com/Factory55/telegram-client/internal/metrics"
	"github.com/Factory55/telegram-client/internal/recovery"
	"github.com/Factory55/telegram-client/internal/server"
	"github.com/Factory55/telegram-client/internal/store"
	"github.com/Factory55/telegram-client/internal/webhook"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	logger = log.NewLoggerWith(cfg.LogLevel, cfg.LogFile)

	st, err := store.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	flt, err := filter.New(cfg.AllowedChatsFile, cfg.FilterReloadInterval, logger)
	if err != nil {
		logger.Fatal("Failed to initialize chat filter", zap.Error(err))
	}

	relayMetrics := metrics.NewRelayMetrics(st, cfg.MetricsAddr, logger)
	client := webhook.NewClient(cfg, logger)
	in := intake.New(flt, st, relayMetrics, logger)
	source, err := intake.NewTelegramSource(cfg.TelegramBotToken, in, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Telegram", zap.Error(err))
	}
	dispatcher := dispatch.NewDispatcher(st, client, cfg, relayMetrics, logger)
	monitor := recovery.NewMonitor(st, cfg, relayMetrics, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go flt.Run(ctx)
	go relayMetrics.Run(ctx)
	go source.Run(ctx)

	// The dispatcher and the monitor resolve store state; the process must
	// not exit while either has a cycle in progress.
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		monitor.Run(ctx)
	}()

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, st, flt, logger)
	srv := &http.Server{
		Addr:    cfg.ManagementAddr,
		Handler: r,
	}
	go func() {
		logger.Info("Management server starting", zap.String("addr", cfg.ManagementAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Management server failed", zap.Error(err))
		}
	}()

	logger.Info("Relay started",
		zap.String("database_type", cfg.DatabaseType),
		zap.String("webhook_url", cfg.WebhookURL))
	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Management server shutdown failed", zap.Error(err))
	}
	workers.Wait()
	logger.Info("Relay stopped")
}
