// Package intake is the admission path: filter check, then durable
// enqueue. Nothing is silently discarded except events the filter rejects.
package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/Factory55/telegram-client/internal/filter"
	"github.com/Factory55/telegram-client/internal/log"
	"github.com/Factory55/telegram-client/internal/metrics"
	"github.com/Factory55/telegram-client/internal/store"

	"go.uber.org/zap"
)

type Intake struct {
	filter  *filter.Filter
	store   store.Store
	metrics *metrics.RelayMetrics
	logger  *log.Logger
}

func New(flt *filter.Filter, st store.Store, m *metrics.RelayMetrics, logger *log.Logger) *Intake {
	return &Intake{
		filter:  flt,
		store:   st,
		metrics: m,
		logger:  logger,
	}
}

// Handle admits one event. Filter rejections are dropped without error; a
// full queue is surfaced to the caller as store.ErrQueueFull so an
// unreachable sink cannot grow unbounded local state.
func (i *Intake) Handle(ctx context.Context, ev store.Event) error {
	if !i.filter.IsAllowed(ev.ChatTitle) {
		i.metrics.IncBlocked()
		i.logger.Debug("Ignoring message from non-allowed chat",
			zap.String("chat_title", ev.ChatTitle))
		return nil
	}

	res, err := i.store.Enqueue(ctx, ev)
	if err != nil {
		if errors.Is(err, store.ErrQueueFull) {
			i.metrics.IncRejected()
			i.logger.Error("Intake rejected, queue is full", zap.String("key", ev.Key()))
		}
		return fmt.Errorf("enqueue %s: %w", ev.Key(), err)
	}
	if res == store.EnqueueAlreadyExists {
		i.logger.Debug("Duplicate message ignored", zap.String("key", ev.Key()))
		return nil
	}

	i.metrics.IncIntake()
	i.logger.Info("Message queued",
		zap.String("key", ev.Key()),
		zap.String("message_type", string(ev.Kind)),
		zap.String("username", ev.Username))
	return nil
}
