package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// ErrEventInProgress means another delivery holds the claim and has not finished yet.
var ErrEventInProgress = errors.New("event is being processed")

const (
	ledgerProcessing = "processing"
	ledgerDone       = "done"
)

type redisLedgerAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisEventLedger records event ids with SETNX so every replica shares one view. A claim
// holds the id for processingTTL; Confirm keeps it for the full ttl.
type RedisEventLedger struct {
	client        redisLedgerAPI
	processingTTL time.Duration
	ttl           time.Duration
}

func NewRedisEventLedger(client redisLedgerAPI, processingTTL, ttl time.Duration) *RedisEventLedger {
	return &RedisEventLedger{client: client, processingTTL: processingTTL, ttl: ttl}
}

func (l *RedisEventLedger) key(eventID string) string {
	return fmt.Sprintf("stripe:event:%s", eventID)
}

func (l *RedisEventLedger) Claim(ctx context.Context, eventID string) (bool, error) {
	key := l.key(eventID)
	ok, err := l.client.SetNX(ctx, key, ledgerProcessing, l.processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if ok {
		return true, nil
	}

	state, err := l.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// the other claim expired between SETNX and GET
		return false, ErrEventInProgress
	case err != nil:
		return false, fmt.Errorf("read event %s: %w", eventID, err)
	case state == ledgerDone:
		return false, nil
	default:
		return false, ErrEventInProgress
	}
}

func (l *RedisEventLedger) Confirm(ctx context.Context, eventID string) error {
	if err := l.client.Set(ctx, l.key(eventID), ledgerDone, l.ttl).Err(); err != nil {
		return fmt.Errorf("confirm event %s: %w", eventID, err)
	}
	return nil
}

func (l *RedisEventLedger) Release(ctx context.Context, eventID string) error {
	if err := l.client.Del(ctx, l.key(eventID)).Err(); err != nil {
		return fmt.Errorf("release event %s: %w", eventID, err)
	}
	return nil
}

type ledgerEntry struct {
	done    bool
	expires time.Time
}

// MemoryEventLedger is the single-process ledger used when REDIS_URL is unset.
type MemoryEventLedger struct {
	mu            sync.Mutex
	processingTTL time.Duration
	ttl           time.Duration
	now           func() time.Time
	seen          map[string]ledgerEntry
}

func NewMemoryEventLedger(processingTTL, ttl time.Duration) *MemoryEventLedger {
	return &MemoryEventLedger{
		processingTTL: processingTTL,
		ttl:           ttl,
		now:           time.Now,
		seen:          make(map[string]ledgerEntry),
	}
}

func (l *MemoryEventLedger) Claim(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, e := range l.seen {
		if now.After(e.expires) {
			delete(l.seen, id)
		}
	}
	if e, ok := l.seen[eventID]; ok {
		if e.done {
			return false, nil
		}
		return false, ErrEventInProgress
	}
	l.seen[eventID] = ledgerEntry{expires: now.Add(l.processingTTL)}
	return true, nil
}

func (l *MemoryEventLedger) Confirm(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[eventID] = ledgerEntry{done: true, expires: l.now().Add(l.ttl)}
	return nil
}

func (l *MemoryEventLedger) Release(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, eventID)
	return nil
}
