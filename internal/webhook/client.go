// Package webhook performs the outbound HTTP call for one event and
// classifies the result. The classification keeps retry budget away from
// requests that can never succeed: 4xx (except 429) is permanent, while
// 429, 5xx, connection errors and timeouts are retryable.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Factory55/telegram-client/internal/config"
	"github.com/Factory55/telegram-client/internal/log"
	"github.com/Factory55/telegram-client/internal/store"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const userAgent = "TelegramClient/1.0"

type OutcomeKind int

const (
	Success OutcomeKind = iota
	RetryableFailure
	PermanentFailure
)

type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	StatusCode int
}

type Client struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

type httpError struct {
	code int
	body string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

type response struct {
	code int
	body string
}

func NewClient(cfg *config.Config, logger *log.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Client{
		url: cfg.WebhookURL,
		http: &http.Client{
			Timeout: cfg.WebhookTimeout,
		},
		breaker: cb,
		logger:  logger,
	}
}

// Deliver POSTs one event to the sink and classifies the result. It makes
// exactly one attempt; scheduling of retries belongs to the dispatcher.
func (c *Client) Deliver(ctx context.Context, ev store.Event) Outcome {
	payload, err := ev.WebhookPayload()
	if err != nil {
		return Outcome{Kind: PermanentFailure, Reason: fmt.Sprintf("marshal payload: %v", err)}
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Outcome{Kind: RetryableFailure, Reason: "circuit breaker open"}
		}
		var he *httpError
		if errors.As(err, &he) {
			c.logger.Warn("Webhook returned retryable status",
				zap.Int("status", he.code), zap.String("message_key", ev.Key()))
			return Outcome{Kind: RetryableFailure, Reason: he.Error(), StatusCode: he.code}
		}
		// connection error or timeout
		c.logger.Warn("Webhook request failed", zap.Error(err), zap.String("message_key", ev.Key()))
		return Outcome{Kind: RetryableFailure, Reason: err.Error()}
	}

	r := res.(response)
	if r.code >= 200 && r.code < 300 {
		return Outcome{Kind: Success, StatusCode: r.code}
	}
	c.logger.Warn("Webhook rejected message",
		zap.Int("status", r.code), zap.String("message_key", ev.Key()))
	return Outcome{
		Kind:       PermanentFailure,
		Reason:     fmt.Sprintf("HTTP %d: %s", r.code, r.body),
		StatusCode: r.code,
	}
}

// post returns an error for retryable statuses so the circuit breaker
// counts them as failures; permanent rejections count as successes since
// the sink itself is reachable.
func (c *Client) post(ctx context.Context, payload []byte) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &httpError{code: resp.StatusCode, body: string(body)}
	}
	return response{code: resp.StatusCode, body: string(body)}, nil
}

// TestConnection reports whether the sink answers at all, for the
// management health surface. Any HTTP response counts as reachable.
func (c *Client) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
