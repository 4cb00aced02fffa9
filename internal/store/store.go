package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Factory55/telegram-client/internal/config"
	"github.com/Factory55/telegram-client/internal/log"
)

var (
	// ErrQueueFull signals the intake ceiling (pending + in-flight) has
	// been reached. Callers surface it rather than dropping the event.
	ErrQueueFull = errors.New("queue full")
	// ErrNotFound signals the record key does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals the record exists but is not in the status the
	// transition requires (e.g. mark_sent on a record nobody claimed).
	ErrConflict = errors.New("record not in expected status")
)

type EnqueueResult int

const (
	EnqueueCreated EnqueueResult = iota
	EnqueueAlreadyExists
)

// Store persists delivery records. All operations are atomic with respect
// to concurrent callers; the dispatcher and the recovery monitor run
// against the same instance.
type Store interface {
	// Enqueue inserts a new pending record keyed by (chat_id, message_id).
	// Duplicate keys are a no-op reported as EnqueueAlreadyExists.
	Enqueue(ctx context.Context, ev Event) (EnqueueResult, error)
	// ClaimBatch atomically moves up to maxN due pending records to
	// in_flight and returns them ordered by next_attempt_at, then created_at.
	ClaimBatch(ctx context.Context, maxN int, now time.Time) ([]DeliveryRecord, error)
	// MarkSent transitions in_flight -> sent, counting the successful
	// attempt and clearing the last error.
	MarkSent(ctx context.Context, key string) error
	// MarkRetry transitions in_flight -> pending, increments attempts and
	// schedules the next attempt after backoff.
	MarkRetry(ctx context.Context, key, lastError string, backoff time.Duration) error
	// MarkFailed transitions in_flight -> failed (terminal), counting the
	// attempt that just failed.
	MarkFailed(ctx context.Context, key, lastError string) error
	// RequeueStaleInFlight returns any in_flight record whose updated_at
	// predates olderThan back to pending, due immediately.
	RequeueStaleInFlight(ctx context.Context, olderThan time.Time) (int, error)
	// PruneSent removes sent records older than olderThan. Backends with
	// native expiry may report zero.
	PruneSent(ctx context.Context, olderThan time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// New selects the backend from DATABASE_TYPE.
func New(cfg *config.Config, logger *log.Logger) (Store, error) {
	switch cfg.DatabaseType {
	case config.DatabaseRedis:
		return NewRedisStore(cfg, logger)
	case config.DatabaseSQLite:
		return NewSQLiteStore(cfg.SQLiteDBPath, cfg.MaxQueueSize, logger)
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.DatabaseType)
	}
}
