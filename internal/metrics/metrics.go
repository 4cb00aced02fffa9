package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/Factory55/telegram-client/internal/log"
	"github.com/Factory55/telegram-client/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RelayMetrics struct {
	IntakeTotal    prometheus.Counter
	BlockedTotal   prometheus.Counter
	RejectedTotal  prometheus.Counter
	DeliveredTotal prometheus.Counter
	RetriedTotal   prometheus.Counter
	FailedTotal    prometheus.Counter

	PendingDepth  prometheus.Gauge
	InFlightDepth prometheus.Gauge
	FailedRecords prometheus.Gauge

	store  store.Store
	addr   string
	logger *log.Logger
}

func NewRelayMetrics(st store.Store, addr string, logger *log.Logger) *RelayMetrics {
	m := &RelayMetrics{
		IntakeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_intake_total",
			Help: "Total number of events admitted by the filter and enqueued",
		}),
		BlockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_blocked_total",
			Help: "Total number of events rejected by the chat filter",
		}),
		RejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_queue_rejected_total",
			Help: "Total number of events rejected because the queue was full",
		}),
		DeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_delivered_total",
			Help: "Total number of events delivered to the webhook",
		}),
		RetriedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_retried_total",
			Help: "Total number of delivery attempts scheduled for retry",
		}),
		FailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_failed_total",
			Help: "Total number of events that reached the terminal failed state",
		}),
		PendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending",
			Help: "Number of records waiting for delivery",
		}),
		InFlightDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_in_flight",
			Help: "Number of records claimed for an ongoing delivery attempt",
		}),
		FailedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_failed_records",
			Help: "Number of records in the terminal failed state",
		}),
		store:  st,
		addr:   addr,
		logger: logger,
	}

	prometheus.MustRegister(
		m.IntakeTotal,
		m.BlockedTotal,
		m.RejectedTotal,
		m.DeliveredTotal,
		m.RetriedTotal,
		m.FailedTotal,
		m.PendingDepth,
		m.InFlightDepth,
		m.FailedRecords,
	)
	return m
}

// Run serves /metrics and polls store stats into the depth gauges until
// ctx is cancelled.
func (m *RelayMetrics) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    m.addr,
		Handler: mux,
	}

	go m.collect(ctx)

	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", m.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *RelayMetrics) collect(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := m.store.Stats(ctx)
			if err != nil {
				m.logger.Error("Failed to collect store stats", zap.Error(err))
				continue
			}
			m.SetQueueDepth(stats)
		}
	}
}

func (m *RelayMetrics) SetQueueDepth(stats store.Stats) {
	if m == nil {
		return
	}
	m.PendingDepth.Set(float64(stats.PendingCount))
	m.InFlightDepth.Set(float64(stats.InFlightCount))
	m.FailedRecords.Set(float64(stats.FailedCount))
}

// Nil-safe counter helpers so components can run without a registry in
// tests.

func (m *RelayMetrics) IncIntake() {
	if m != nil {
		m.IntakeTotal.Inc()
	}
}

func (m *RelayMetrics) IncBlocked() {
	if m != nil {
		m.BlockedTotal.Inc()
	}
}

func (m *RelayMetrics) IncRejected() {
	if m != nil {
		m.RejectedTotal.Inc()
	}
}

func (m *RelayMetrics) IncDelivered() {
	if m != nil {
		m.DeliveredTotal.Inc()
	}
}

func (m *RelayMetrics) IncRetried() {
	if m != nil {
		m.RetriedTotal.Inc()
	}
}

func (m *RelayMetrics) IncFailed() {
	if m != nil {
		m.FailedTotal.Inc()
	}
}
