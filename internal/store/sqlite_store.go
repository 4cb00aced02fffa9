package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Factory55/telegram-client/internal/log"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore is the embedded file-based backend. A single connection
// serializes all writers, so every operation observes a consistent state
// without SQLITE_BUSY handling at call sites.
type SQLiteStore struct {
	db           *sql.DB
	maxQueueSize int
	logger       *log.Logger
}

func NewSQLiteStore(path string, maxQueueSize int, logger *log.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{
		db:           db,
		maxQueueSize: maxQueueSize,
		logger:       logger,
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Connected to SQLite database", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	_, err := s.db.Exec(`
        CREATE TABLE IF NOT EXISTS delivery_records (
            key             TEXT PRIMARY KEY,
            chat_id         TEXT NOT NULL,
            message_id      TEXT NOT NULL,
            event           TEXT NOT NULL,
            status          TEXT NOT NULL,
            attempts        INTEGER NOT NULL DEFAULT 0,
            next_attempt_at INTEGER NOT NULL,
            last_error      TEXT NOT NULL DEFAULT '',
            created_at      INTEGER NOT NULL,
            updated_at      INTEGER NOT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_records_due
            ON delivery_records(status, next_attempt_at, created_at);
    `)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, ev Event) (EnqueueResult, error) {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var depth int
	err = tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM delivery_records WHERE status IN (?, ?)
    `, StatusPending, StatusInFlight).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("count queue depth: %w", err)
	}
	if depth >= s.maxQueueSize {
		return 0, ErrQueueFull
	}

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
        INSERT OR IGNORE INTO delivery_records
            (key, chat_id, message_id, event, status, attempts, next_attempt_at, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, 0, ?, '', ?, ?)
    `, ev.Key(), ev.ChatID, ev.ID, string(eventJSON), StatusPending, now, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return EnqueueAlreadyExists, nil
	}
	return EnqueueCreated, nil
}

func (s *SQLiteStore) ClaimBatch(ctx context.Context, maxN int, now time.Time) ([]DeliveryRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	nowMs := now.UnixMilli()
	rows, err := tx.QueryContext(ctx, `
        SELECT key, event, attempts, next_attempt_at, last_error, created_at
        FROM delivery_records
        WHERE status = ? AND next_attempt_at <= ?
        ORDER BY next_attempt_at ASC, created_at ASC
        LIMIT ?
    `, StatusPending, nowMs, maxN)
	if err != nil {
		return nil, fmt.Errorf("select due records: %w", err)
	}

	var records []DeliveryRecord
	var keys []string
	for rows.Next() {
		var (
			key, eventJSON, lastError  string
			attempts                   int
			nextAttemptMs, createdAtMs int64
		)
		if err := rows.Scan(&key, &eventJSON, &attempts, &nextAttemptMs, &lastError, &createdAtMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshal event %s: %w", key, err)
		}
		records = append(records, DeliveryRecord{
			Event:         ev,
			Status:        StatusInFlight,
			Attempts:      attempts,
			NextAttemptAt: time.UnixMilli(nextAttemptMs),
			LastError:     lastError,
			CreatedAt:     time.UnixMilli(createdAtMs),
			UpdatedAt:     now,
		})
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	rows.Close()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `
            UPDATE delivery_records SET status = ?, updated_at = ? WHERE key = ?
        `, StatusInFlight, nowMs, key); err != nil {
			return nil, fmt.Errorf("claim record %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) MarkSent(ctx context.Context, key string) error {
	return s.transition(ctx, key, `
        UPDATE delivery_records
        SET status = ?, attempts = attempts + 1, last_error = '', updated_at = ?
        WHERE key = ? AND status = ?
    `, StatusSent, time.Now().UnixMilli(), key, StatusInFlight)
}

func (s *SQLiteStore) MarkRetry(ctx context.Context, key, lastError string, backoff time.Duration) error {
	now := time.Now()
	return s.transition(ctx, key, `
        UPDATE delivery_records
        SET status = ?, attempts = attempts + 1, next_attempt_at = ?, last_error = ?, updated_at = ?
        WHERE key = ? AND status = ?
    `, StatusPending, now.Add(backoff).UnixMilli(), lastError, now.UnixMilli(), key, StatusInFlight)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, key, lastError string) error {
	return s.transition(ctx, key, `
        UPDATE delivery_records
        SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
        WHERE key = ? AND status = ?
    `, StatusFailed, lastError, time.Now().UnixMilli(), key, StatusInFlight)
}

func (s *SQLiteStore) transition(ctx context.Context, key, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM delivery_records WHERE key = ?`, key).Scan(&exists); err != nil {
			return fmt.Errorf("check record %s: %w", key, err)
		}
		if exists == 0 {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("%s: %w", key, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleInFlight(ctx context.Context, olderThan time.Time) (int, error) {
	nowMs := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
        UPDATE delivery_records
        SET status = ?, next_attempt_at = ?, updated_at = ?
        WHERE status = ? AND updated_at < ?
    `, StatusPending, nowMs, nowMs, StatusInFlight, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("requeue stale records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) PruneSent(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM delivery_records WHERE status = ? AND updated_at < ?
    `, StatusSent, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune sent records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{DatabaseType: "sqlite"}
	rows, err := s.db.QueryContext(ctx, `
        SELECT status, COUNT(*) FROM delivery_records GROUP BY status
    `)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case StatusPending:
			stats.PendingCount = count
		case StatusInFlight:
			stats.InFlightCount = count
		case StatusSent:
			stats.SentCount = count
		case StatusFailed:
			stats.FailedCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
