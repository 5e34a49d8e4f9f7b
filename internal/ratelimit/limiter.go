package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // how long until one token is available, zero when allowed
}

// Limiter admits or throttles traffic per key using a token bucket.
//
// Refill is computed lazily from elapsed time at check time; there are no
// background timers. Implementations must keep tokens within [0, capacity].
type Limiter interface {
	// Admit attempts to take one token for key. When a global bucket is
	// configured, both the per-key and the global check must pass.
	Admit(ctx context.Context, key string) (Decision, error)

	Close() error
}

// NewLimiter creates a limiter based on the configured type
func NewLimiter(logger *zap.Logger, cfg config.RateLimitConfig) (Limiter, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryLimiter(logger, cfg), nil
	case "redis":
		return NewRedisLimiter(logger, cfg)
	default:
		return nil, fmt.Errorf("unsupported rate limit type: %s", cfg.Type)
	}
}

// retryAfter computes how long until a full token accrues, given the current
// fractional token count and refill rate.
func retryAfter(tokens, rate float64) time.Duration {
	missing := 1 - tokens
	if missing <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(missing / rate * float64(time.Second))
}
