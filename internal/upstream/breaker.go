package upstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
	"github.com/skychat-io/skychat/internal/store"
)

// Breaker wraps a Completer with a circuit breaker: after the configured
// number of consecutive failures it opens and fails fast with
// ErrUpstreamUnavailable until the cooldown elapses. The first call after
// the cooldown is a trial; its outcome closes or re-opens the circuit.
type Breaker struct {
	logger *zap.Logger
	inner  Completer
	cfg    config.BreakerConfig

	mu        sync.Mutex
	failures  int
	openUntil time.Time

	now func() time.Time
}

var _ Completer = (*Breaker)(nil)

// NewBreaker wraps a completer with circuit breaking
func NewBreaker(logger *zap.Logger, inner Completer, cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		logger: logger.Named("upstream.breaker"),
		inner:  inner,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Complete implements Completer.Complete
func (b *Breaker) Complete(ctx context.Context, msgs []store.Message, onChunk func(string) error) (*Result, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}

	res, err := b.inner.Complete(ctx, msgs, onChunk)
	b.record(err)
	return res, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.openUntil) {
		return ErrUpstreamUnavailable
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Caller cancellation says nothing about upstream health, in either
	// direction: it neither counts as a failure nor clears the streak.
	if errors.Is(err, context.Canceled) {
		return
	}
	if err == nil {
		b.failures = 0
		b.openUntil = time.Time{}
		return
	}

	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.openUntil = b.now().Add(b.cfg.Cooldown)
		b.logger.Warn("circuit opened",
			zap.Int("consecutive_failures", b.failures),
			zap.Time("until", b.openUntil))
	}
}
