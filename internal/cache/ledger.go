// Package cache keeps a short-lived record of webhook deliveries that were
// already applied so redeliveries skip the document store.
//
// The ledger is an optimisation only: order state transitions are idempotent
// on their own, so a lost or unavailable ledger never changes the outcome.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type WebhookLedger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	// Remember records a delivery that was fully applied.
	Remember(ctx context.Context, eventID string) error
}

const keyPrefix = "notemart:webhook:"

type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(url string, ttl time.Duration) (*RedisLedger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return &RedisLedger{client: redis.NewClient(opts), ttl: ttl}, nil
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, keyPrefix+eventID).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists")
	}
	return n > 0, nil
}

func (l *RedisLedger) Remember(ctx context.Context, eventID string) error {
	err := l.client.Set(ctx, keyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), l.ttl).Err()
	return errors.Wrap(err, "redis set")
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

// MemoryLedger is the in-process ledger used when no Redis is configured.
type MemoryLedger struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (l *MemoryLedger) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	at, ok := l.seen[eventID]
	if !ok {
		return false, nil
	}
	if l.now().Sub(at) > l.ttl {
		delete(l.seen, eventID)
		return false, nil
	}
	return true, nil
}

func (l *MemoryLedger) Remember(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, at := range l.seen {
		if now.Sub(at) > l.ttl {
			delete(l.seen, id)
		}
	}
	l.seen[eventID] = now
	return nil
}
