// Package recovery reconciles store state after crashes. A record stuck
// in_flight with no recent update means its attempt never resolved; the
// monitor is the only component allowed to requeue it.
package recovery

import (
	"context"
	"time"

	"github.com/Factory55/telegram-client/internal/config"
	"github.com/Factory55/telegram-client/internal/log"
	"github.com/Factory55/telegram-client/internal/metrics"
	"github.com/Factory55/telegram-client/internal/store"

	"go.uber.org/zap"
)

type Monitor struct {
	store   store.Store
	cfg     *config.Config
	metrics *metrics.RelayMetrics
	logger  *log.Logger
}

func NewMonitor(st store.Store, cfg *config.Config, m *metrics.RelayMetrics, logger *log.Logger) *Monitor {
	return &Monitor{
		store:   st,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Run reconciles on a fixed interval, independent of the dispatcher cycle,
// until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Recovery monitor shutting down")
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	// The threshold exceeds the delivery timeout (enforced at config
	// load), so an attempt still inside its timeout is never preempted.
	requeued, err := m.store.RequeueStaleInFlight(ctx, time.Now().Add(-m.cfg.StaleClaimThreshold))
	if err != nil {
		m.logger.Error("Failed to requeue stale in-flight records", zap.Error(err))
	} else if requeued > 0 {
		m.logger.Warn("Requeued stale in-flight records", zap.Int("count", requeued))
	}

	pruned, err := m.store.PruneSent(ctx, time.Now().Add(-m.cfg.SentRetention))
	if err != nil {
		m.logger.Error("Failed to prune sent records", zap.Error(err))
	} else if pruned > 0 {
		m.logger.Info("Pruned sent records", zap.Int("count", pruned))
	}

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Error("Failed to read store stats", zap.Error(err))
		return
	}
	m.metrics.SetQueueDepth(stats)
	m.logger.Info("Store stats",
		zap.Int("pending", stats.PendingCount),
		zap.Int("in_flight", stats.InFlightCount),
		zap.Int("sent", stats.SentCount),
		zap.Int("failed", stats.FailedCount),
		zap.String("database_type", stats.DatabaseType))
}
