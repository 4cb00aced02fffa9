// Package dispatch drains due pending records through the webhook client.
// Each cycle claims a batch, delivers claimed records concurrently through
// a bounded worker pool, and resolves every record back into the store.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/Factory55/telegram-client/internal/config"
	"github.com/Factory55/telegram-client/internal/log"
	"github.com/Factory55/telegram-client/internal/metrics"
	"github.com/Factory55/telegram-client/internal/store"
	"github.com/Factory55/telegram-client/internal/webhook"

	"go.uber.org/zap"
)

type Dispatcher struct {
	store   store.Store
	client  *webhook.Client
	cfg     *config.Config
	metrics *metrics.RelayMetrics
	logger  *log.Logger
}

func NewDispatcher(st store.Store, client *webhook.Client, cfg *config.Config, m *metrics.RelayMetrics, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		client:  client,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Run executes delivery cycles on a fixed interval until ctx is cancelled.
// The cycle in progress finishes its outbound calls before Run returns, so
// shutdown never leaves a request aborted mid-flight.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher shutting down")
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

func (d *Dispatcher) runCycle(ctx context.Context) {
	batch, err := d.store.ClaimBatch(ctx, d.cfg.BatchSize, time.Now())
	if err != nil {
		d.logger.Error("Failed to claim batch", zap.Error(err))
		return
	}
	if len(batch) == 0 {
		return
	}
	d.logger.Info("Processing pending messages", zap.Int("count", len(batch)))

	// Outbound calls run on a context detached from shutdown; the
	// per-call HTTP timeout still bounds them. Cancelling a POST halfway
	// would leave the delivery state ambiguous.
	dctx := context.WithoutCancel(ctx)

	sem := make(chan struct{}, d.cfg.DispatchWorkers)
	var wg sync.WaitGroup
	for _, rec := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func(rec store.DeliveryRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			d.deliver(dctx, rec)
		}(rec)
	}
	wg.Wait()
}

// deliver makes one attempt for a claimed record and persists the result.
// Each claimed record is independently owned, so no coordination beyond
// the store transitions is needed.
func (d *Dispatcher) deliver(ctx context.Context, rec store.DeliveryRecord) {
	key := rec.Event.Key()
	outcome := d.client.Deliver(ctx, rec.Event)

	switch outcome.Kind {
	case webhook.Success:
		if err := d.store.MarkSent(ctx, key); err != nil {
			d.logger.Error("Failed to mark record sent", zap.Error(err), zap.String("key", key))
			return
		}
		d.metrics.IncDelivered()
		d.logger.Info("Message delivered",
			zap.String("key", key), zap.Int("attempts", rec.Attempts+1))

	case webhook.PermanentFailure:
		d.fail(ctx, key, outcome.Reason)

	case webhook.RetryableFailure:
		// The attempt that just failed counts toward the bound.
		if rec.Attempts+1 >= d.cfg.MaxAttempts {
			d.fail(ctx, key, outcome.Reason+" (retry attempts exhausted)")
			return
		}
		backoff := Backoff(d.cfg.RetryBackoff, d.cfg.RetryBackoffCap, rec.Attempts)
		if err := d.store.MarkRetry(ctx, key, outcome.Reason, backoff); err != nil {
			d.logger.Error("Failed to schedule retry", zap.Error(err), zap.String("key", key))
			return
		}
		d.metrics.IncRetried()
		d.logger.Warn("Delivery failed, retry scheduled",
			zap.String("key", key),
			zap.String("reason", outcome.Reason),
			zap.Int("attempts", rec.Attempts+1),
			zap.Duration("backoff", backoff))
	}
}

func (d *Dispatcher) fail(ctx context.Context, key, reason string) {
	if err := d.store.MarkFailed(ctx, key, reason); err != nil {
		d.logger.Error("Failed to mark record failed", zap.Error(err), zap.String("key", key))
		return
	}
	d.metrics.IncFailed()
	d.logger.Error("Message permanently failed",
		zap.String("key", key), zap.String("reason", reason))
}

// Backoff computes min(base * 2^attempts, cap) where attempts counts the
// deliveries already made for the record.
func Backoff(base, cap time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	// 2^63 overflows long before this; beyond 62 doublings the cap wins.
	if attempts > 62 {
		return cap
	}
	backoff := base << uint(attempts)
	if backoff > cap || backoff < base {
		return cap
	}
	return backoff
}
