package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
)

// Optimistic-lock conflicts are retried until the context gives up, paced
// by a jittered growing pause so racing instances stop invalidating each
// other's WATCH.
const (
	casBackoffMin = time.Millisecond
	casBackoffMax = 20 * time.Millisecond
)

const globalKey = "__global__"

// RedisLimiter implements Limiter with bucket state in Redis, shared across
// service instances. Each bucket is a hash updated under WATCH/MULTI so
// concurrent admissions for the same key are a compare-and-retry loop, never
// a lost update.
type RedisLimiter struct {
	logger *zap.Logger
	client *redis.Client
	cfg    config.RateLimitConfig
	prefix string

	now func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a new Redis-backed limiter
func NewRedisLimiter(logger *zap.Logger, cfg config.RateLimitConfig) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "skychat"
	}

	return &RedisLimiter{
		logger: logger.Named("ratelimit.redis"),
		client: client,
		cfg:    cfg,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Admit implements Limiter.Admit
func (l *RedisLimiter) Admit(ctx context.Context, key string) (Decision, error) {
	d, err := l.take(ctx, l.key(key), float64(l.cfg.Capacity), l.cfg.RefillRate)
	if err != nil || !d.Allowed {
		return d, err
	}

	if l.cfg.GlobalCapacity > 0 {
		gd, err := l.take(ctx, l.key(globalKey), float64(l.cfg.GlobalCapacity), l.cfg.GlobalRefillRate)
		if err != nil || !gd.Allowed {
			return gd, err
		}
	}
	return d, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

func (l *RedisLimiter) key(k string) string {
	return l.prefix + ":rl:" + k
}

// take runs one lazy-refill-and-deduct round trip under optimistic locking.
func (l *RedisLimiter) take(ctx context.Context, redisKey string, capacity, rate float64) (Decision, error) {
	var decision Decision

	wait := casBackoffMin
	for {
		err := l.client.Watch(ctx, func(tx *redis.Tx) error {
			// HGetAll reports an absent key as an empty map, not an error.
			vals, err := tx.HGetAll(ctx, redisKey).Result()
			if err != nil {
				return err
			}

			now := l.now()
			// Absent bucket starts full.
			tokens := capacity
			if raw, ok := vals["tokens"]; ok {
				tokens, err = strconv.ParseFloat(raw, 64)
				if err != nil {
					return fmt.Errorf("corrupt bucket %s: %w", redisKey, err)
				}
				if raw, ok := vals["last_refill"]; ok {
					ns, err := strconv.ParseInt(raw, 10, 64)
					if err != nil {
						return fmt.Errorf("corrupt bucket %s: %w", redisKey, err)
					}
					if elapsed := now.Sub(time.Unix(0, ns)); elapsed > 0 {
						tokens += elapsed.Seconds() * rate
						if tokens > capacity {
							tokens = capacity
						}
					}
				}
			}

			allowed := tokens >= 1
			if allowed {
				tokens--
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, redisKey,
					"tokens", strconv.FormatFloat(tokens, 'f', -1, 64),
					"last_refill", strconv.FormatInt(now.UnixNano(), 10))
				pipe.Expire(ctx, redisKey, l.bucketTTL(capacity, rate))
				return nil
			})
			if err != nil {
				return err
			}

			if allowed {
				decision = Decision{Allowed: true}
			} else {
				decision = Decision{RetryAfter: retryAfter(tokens, rate)}
			}
			return nil
		}, redisKey)

		if err == nil {
			return decision, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return Decision{}, err
		}

		// Another instance touched the bucket between WATCH and EXEC.
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-time.After(wait/2 + time.Duration(rand.Int63n(int64(wait)))):
		}
		if wait *= 2; wait > casBackoffMax {
			wait = casBackoffMax
		}
	}
}

// bucketTTL keeps idle buckets around just long enough to refill fully, so
// an expired key and a full bucket are indistinguishable.
func (l *RedisLimiter) bucketTTL(capacity, rate float64) time.Duration {
	if rate <= 0 {
		return time.Hour
	}
	return time.Duration(capacity/rate*float64(time.Second)) + time.Minute
}
