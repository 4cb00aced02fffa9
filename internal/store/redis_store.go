package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Factory55/telegram-client/internal/config"
	"github.com/Factory55/telegram-client/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisRecordPrefix = "relay:record:"
	redisPendingKey   = "relay:pending"
	redisInFlightKey  = "relay:inflight"
	redisFailedKey    = "relay:failed"
	redisSentCountKey = "relay:sent_count"
)

// Lua keeps each state transition atomic; go-redis runs scripts in a single
// Redis command so concurrent dispatcher/recovery calls never interleave.
var (
	enqueueScript = redis.NewScript(`
        local record = KEYS[1]
        if redis.call('EXISTS', record) == 1 then return 'exists' end
        local depth = redis.call('ZCARD', KEYS[2]) + redis.call('ZCARD', KEYS[3])
        if depth >= tonumber(ARGV[3]) then return 'full' end
        redis.call('HSET', record,
            'event', ARGV[1], 'status', 'pending', 'attempts', 0,
            'next_attempt_at', ARGV[2], 'last_error', '',
            'created_at', ARGV[2], 'updated_at', ARGV[2])
        redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[4])
        return 'created'
    `)

	claimScript = redis.NewScript(`
        local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
        for _, member in ipairs(due) do
            redis.call('ZREM', KEYS[1], member)
            redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), member)
            redis.call('HSET', ARGV[3] .. member, 'status', 'in_flight', 'updated_at', ARGV[1])
        end
        return due
    `)

	// resolve transitions an in_flight record: ARGV[1] selects the target
	// status, the remaining arguments depend on it.
	resolveScript = redis.NewScript(`
        local member = ARGV[2]
        local record = ARGV[3] .. member
        if redis.call('EXISTS', record) == 0 then return 'missing' end
        if redis.call('HGET', record, 'status') ~= 'in_flight' then return 'conflict' end
        redis.call('ZREM', KEYS[1], member)
        if ARGV[1] == 'sent' then
            redis.call('HSET', record, 'status', 'sent', 'last_error', '', 'updated_at', ARGV[4])
            redis.call('HINCRBY', record, 'attempts', 1)
            redis.call('PEXPIRE', record, tonumber(ARGV[5]))
            redis.call('INCR', KEYS[4])
        elseif ARGV[1] == 'pending' then
            redis.call('HSET', record, 'status', 'pending',
                'last_error', ARGV[5], 'next_attempt_at', ARGV[6], 'updated_at', ARGV[4])
            redis.call('HINCRBY', record, 'attempts', 1)
            redis.call('ZADD', KEYS[2], tonumber(ARGV[6]), member)
        else
            redis.call('HSET', record, 'status', 'failed', 'last_error', ARGV[5], 'updated_at', ARGV[4])
            redis.call('HINCRBY', record, 'attempts', 1)
            redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), member)
        end
        return 'ok'
    `)

	requeueStaleScript = redis.NewScript(`
        local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, -1)
        for _, member in ipairs(stale) do
            redis.call('ZREM', KEYS[1], member)
            redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), member)
            redis.call('HSET', ARGV[3] .. member,
                'status', 'pending', 'next_attempt_at', ARGV[2], 'updated_at', ARGV[2])
        end
        return #stale
    `)
)

// RedisStore is the external key/value backend. Connection loss surfaces
// as operation errors the caller retries on its own cadence; the scripts
// guarantee no partial state is ever written.
type RedisStore struct {
	client        *redis.Client
	maxQueueSize  int
	sentRetention time.Duration
	logger        *log.Logger
}

func NewRedisStore(cfg *config.Config, logger *log.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("Connected to Redis database", zap.String("addr", cfg.RedisAddr))
	return &RedisStore{
		client:        client,
		maxQueueSize:  cfg.MaxQueueSize,
		sentRetention: cfg.SentRetention,
		logger:        logger,
	}, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, ev Event) (EnqueueResult, error) {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	key := ev.Key()
	nowMs := time.Now().UnixMilli()
	res, err := enqueueScript.Run(ctx, s.client,
		[]string{redisRecordPrefix + key, redisPendingKey, redisInFlightKey},
		string(eventJSON), nowMs, s.maxQueueSize, key).Text()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", key, err)
	}
	switch res {
	case "created":
		return EnqueueCreated, nil
	case "exists":
		return EnqueueAlreadyExists, nil
	case "full":
		return 0, ErrQueueFull
	default:
		return 0, fmt.Errorf("enqueue %s: unexpected result %q", key, res)
	}
}

func (s *RedisStore) ClaimBatch(ctx context.Context, maxN int, now time.Time) ([]DeliveryRecord, error) {
	nowMs := now.UnixMilli()
	members, err := claimScript.Run(ctx, s.client,
		[]string{redisPendingKey, redisInFlightKey},
		nowMs, maxN, redisRecordPrefix).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, member := range members {
		cmds[i] = pipe.HGetAll(ctx, redisRecordPrefix+member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("fetch claimed records: %w", err)
	}

	records := make([]DeliveryRecord, 0, len(members))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			return nil, fmt.Errorf("fetch claimed record %s: %w", members[i], err)
		}
		rec, err := recordFromHash(fields)
		if err != nil {
			return nil, fmt.Errorf("decode record %s: %w", members[i], err)
		}
		records = append(records, rec)
	}
	// ZRANGEBYSCORE breaks score ties lexicographically; re-apply the
	// documented (next_attempt_at, created_at) order within the batch.
	sort.Slice(records, func(i, j int) bool {
		if !records[i].NextAttemptAt.Equal(records[j].NextAttemptAt) {
			return records[i].NextAttemptAt.Before(records[j].NextAttemptAt)
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func recordFromHash(fields map[string]string) (DeliveryRecord, error) {
	var ev Event
	if err := json.Unmarshal([]byte(fields["event"]), &ev); err != nil {
		return DeliveryRecord{}, fmt.Errorf("unmarshal event: %w", err)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	nextMs, _ := strconv.ParseInt(fields["next_attempt_at"], 10, 64)
	createdMs, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	updatedMs, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return DeliveryRecord{
		Event:         ev,
		Status:        Status(fields["status"]),
		Attempts:      attempts,
		NextAttemptAt: time.UnixMilli(nextMs),
		LastError:     fields["last_error"],
		CreatedAt:     time.UnixMilli(createdMs),
		UpdatedAt:     time.UnixMilli(updatedMs),
	}, nil
}

func (s *RedisStore) MarkSent(ctx context.Context, key string) error {
	return s.resolve(ctx, key, string(StatusSent), key, redisRecordPrefix,
		time.Now().UnixMilli(), s.sentRetention.Milliseconds())
}

func (s *RedisStore) MarkRetry(ctx context.Context, key, lastError string, backoff time.Duration) error {
	now := time.Now()
	return s.resolve(ctx, key, string(StatusPending), key, redisRecordPrefix,
		now.UnixMilli(), lastError, now.Add(backoff).UnixMilli())
}

func (s *RedisStore) MarkFailed(ctx context.Context, key, lastError string) error {
	return s.resolve(ctx, key, string(StatusFailed), key, redisRecordPrefix,
		time.Now().UnixMilli(), lastError)
}

func (s *RedisStore) resolve(ctx context.Context, key string, argv ...any) error {
	res, err := resolveScript.Run(ctx, s.client,
		[]string{redisInFlightKey, redisPendingKey, redisFailedKey, redisSentCountKey},
		argv...).Text()
	if err != nil {
		return fmt.Errorf("resolve %s: %w", key, err)
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	case "conflict":
		return fmt.Errorf("%s: %w", key, ErrConflict)
	default:
		return fmt.Errorf("resolve %s: unexpected result %q", key, res)
	}
}

func (s *RedisStore) RequeueStaleInFlight(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := requeueStaleScript.Run(ctx, s.client,
		[]string{redisInFlightKey, redisPendingKey},
		olderThan.UnixMilli(), time.Now().UnixMilli(), redisRecordPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue stale records: %w", err)
	}
	return n, nil
}

// PruneSent is a no-op: sent records expire via PEXPIRE set at MarkSent.
func (s *RedisStore) PruneSent(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	pipe := s.client.Pipeline()
	pending := pipe.ZCard(ctx, redisPendingKey)
	inFlight := pipe.ZCard(ctx, redisInFlightKey)
	failed := pipe.ZCard(ctx, redisFailedKey)
	sent := pipe.Get(ctx, redisSentCountKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	sentCount, _ := strconv.Atoi(sent.Val())
	return Stats{
		PendingCount:  int(pending.Val()),
		InFlightCount: int(inFlight.Val()),
		SentCount:     sentCount,
		FailedCount:   int(failed.Val()),
		DatabaseType:  "redis",
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
