package token

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter is the issuance rate-limit hook. Keys are opaque, e.g. "magic:<email>".
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// AllowAll never limits.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, string) (bool, error) { return true, nil }

// MemoryLimiter is a per-key token bucket refilling perHour tokens every hour.
type MemoryLimiter struct {
	mu      sync.Mutex
	perHour int
	ttl     time.Duration
	now     func() time.Time
	buckets map[string]*bucket
	sweeps  int
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewMemoryLimiter(perHour int, now func() time.Time) *MemoryLimiter {
	if perHour <= 0 {
		perHour = 5
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		perHour: perHour,
		ttl:     2 * time.Hour,
		now:     now,
		buckets: make(map[string]*bucket),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweeps++
	if m.sweeps%1024 == 0 {
		for k, b := range m.buckets {
			if now.Sub(b.seen) > m.ttl {
				delete(m.buckets, k)
			}
		}
	}

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(time.Hour/time.Duration(m.perHour)), m.perHour)}
		m.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1), nil
}

// RedisLimiter is a fixed-window counter shared by every API replica.
type RedisLimiter struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.Cmdable, perHour int) *RedisLimiter {
	if perHour <= 0 {
		perHour = 5
	}
	return &RedisLimiter{
		client: client,
		limit:  int64(perHour),
		window: time.Hour,
		prefix: "dealroom:rl:",
		now:    time.Now,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := r.now().UTC().Truncate(r.window).Unix()
	k := r.prefix + key + ":" + strconv.FormatInt(slot, 10)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return incr.Val() <= r.limit, nil
}
