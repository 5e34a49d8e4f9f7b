package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
)

// MemoryLimiter implements Limiter with in-process buckets.
//
// The bucket map is guarded by a RWMutex; each bucket carries its own mutex
// so admissions for independent sessions never contend.
type MemoryLimiter struct {
	logger *zap.Logger
	cfg    config.RateLimitConfig

	mu      sync.RWMutex
	buckets map[string]*bucket
	global  *bucket // nil unless a global capacity is configured

	now func() time.Time
}

var _ Limiter = (*MemoryLimiter)(nil)

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
}

// NewMemoryLimiter creates a new in-process limiter
func NewMemoryLimiter(logger *zap.Logger, cfg config.RateLimitConfig) *MemoryLimiter {
	l := &MemoryLimiter{
		logger:  logger.Named("ratelimit.memory"),
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	if cfg.GlobalCapacity > 0 {
		l.global = &bucket{
			tokens:     float64(cfg.GlobalCapacity),
			capacity:   float64(cfg.GlobalCapacity),
			rate:       cfg.GlobalRefillRate,
			lastRefill: l.now(),
		}
	}
	return l
}

// Admit implements Limiter.Admit
func (l *MemoryLimiter) Admit(_ context.Context, key string) (Decision, error) {
	b := l.bucket(key)

	d := b.take(l.now())
	if !d.Allowed {
		return d, nil
	}

	if l.global != nil {
		gd := l.global.take(l.now())
		if !gd.Allowed {
			// The per-session token stays spent; refunding it would let one
			// session convert global pressure into extra local budget.
			return gd, nil
		}
	}
	return d, nil
}

func (l *MemoryLimiter) Close() error { return nil }

func (l *MemoryLimiter) bucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	// New buckets start full so a fresh session keeps its burst budget.
	b = &bucket{
		tokens:     float64(l.cfg.Capacity),
		capacity:   float64(l.cfg.Capacity),
		rate:       l.cfg.RefillRate,
		lastRefill: l.now(),
	}
	l.buckets[key] = b
	return b
}

// take refills from elapsed time, then attempts to deduct one token.
func (b *bucket) take(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}
	}
	return Decision{RetryAfter: retryAfter(b.tokens, b.rate)}
}
