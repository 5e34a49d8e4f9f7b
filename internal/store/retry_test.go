package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
)

// flakyStore fails a configured number of calls before delegating.
type flakyStore struct {
	Store
	failures int
	calls    int
	err      error
}

func (f *flakyStore) GetCachedResponse(ctx context.Context, fp string) (*CachedResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.Store.GetCachedResponse(ctx, fp)
}

func (f *flakyStore) AppendMessages(ctx context.Context, id string, msgs ...Message) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.Store.AppendMessages(ctx, id, msgs...)
}

func newFlaky(t *testing.T, failures int, err error) (*flakyStore, *MemoryStore) {
	t.Helper()
	mem := NewMemoryStore(zap.NewNop(), config.StoreConfig{
		SessionTTL:    time.Minute,
		CacheTTL:      time.Minute,
		ContextWindow: 10,
	})
	t.Cleanup(func() { _ = mem.Close() })
	return &flakyStore{Store: mem, failures: failures, err: err}, mem
}

func TestRetryingStore_RetriesTransient(t *testing.T) {
	flaky, mem := newFlaky(t, 2, errors.New("connection reset"))
	s := newRetryingStore(zap.NewNop(), flaky)
	ctx := context.Background()

	sess, err := mem.CreateSession(ctx, Customer{})
	require.NoError(t, err)

	err = s.AppendMessages(ctx, sess.ID, Message{Role: RoleUser, Text: "hi"})
	assert.NoError(t, err, "two transient failures are absorbed by three attempts")
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingStore_GivesUpAfterMaxTries(t *testing.T) {
	flaky, mem := newFlaky(t, 10, errors.New("connection reset"))
	s := newRetryingStore(zap.NewNop(), flaky)
	ctx := context.Background()

	sess, err := mem.CreateSession(ctx, Customer{})
	require.NoError(t, err)

	err = s.AppendMessages(ctx, sess.ID, Message{Role: RoleUser, Text: "hi"})
	assert.Error(t, err)
	assert.Equal(t, 3, flaky.calls, "bounded to three attempts")
}

func TestRetryingStore_DoesNotRetryBusinessErrors(t *testing.T) {
	flaky, _ := newFlaky(t, 0, nil)
	s := newRetryingStore(zap.NewNop(), flaky)
	ctx := context.Background()

	_, err := s.GetCachedResponse(ctx, "unknown")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, 1, flaky.calls, "a miss is an outcome, not a failure")

	flaky.calls = 0
	err = s.AppendMessages(ctx, "missing", Message{Role: RoleUser, Text: "hi"})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 1, flaky.calls)
}
