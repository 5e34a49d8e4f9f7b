package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// retryingStore wraps a Store with bounded exponential backoff on transient
// failures. Business outcomes (ErrSessionExpired, ErrCacheMiss) and context
// cancellation are never retried.
type retryingStore struct {
	logger *zap.Logger
	inner  Store
}

var _ Store = (*retryingStore)(nil)

func newRetryingStore(logger *zap.Logger, inner Store) *retryingStore {
	return &retryingStore{
		logger: logger.Named("store.retry"),
		inner:  inner,
	}
}

func newStoreBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !transient(err) {
			var zero T
			return zero, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(newStoreBackOff()), backoff.WithMaxTries(3))
}

func transient(err error) bool {
	switch {
	case errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrCacheMiss),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (s *retryingStore) CreateSession(ctx context.Context, customer Customer) (*Session, error) {
	return withRetry(ctx, func() (*Session, error) {
		return s.inner.CreateSession(ctx, customer)
	})
}

func (s *retryingStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return withRetry(ctx, func() (*Session, error) {
		return s.inner.GetSession(ctx, id)
	})
}

func (s *retryingStore) GetContext(ctx context.Context, id string) ([]Message, error) {
	return withRetry(ctx, func() ([]Message, error) {
		return s.inner.GetContext(ctx, id)
	})
}

func (s *retryingStore) AppendMessages(ctx context.Context, id string, msgs ...Message) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, s.inner.AppendMessages(ctx, id, msgs...)
	})
	return err
}

func (s *retryingStore) Touch(ctx context.Context, id string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, s.inner.Touch(ctx, id)
	})
	return err
}

func (s *retryingStore) GetCachedResponse(ctx context.Context, fingerprint string) (*CachedResponse, error) {
	return withRetry(ctx, func() (*CachedResponse, error) {
		return s.inner.GetCachedResponse(ctx, fingerprint)
	})
}

func (s *retryingStore) PutCachedResponse(ctx context.Context, fingerprint string, resp *CachedResponse) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, s.inner.PutCachedResponse(ctx, fingerprint, resp)
	})
	return err
}

func (s *retryingStore) SessionCount(ctx context.Context) (int, error) {
	return s.inner.SessionCount(ctx)
}

func (s *retryingStore) Close() error {
	return s.inner.Close()
}
