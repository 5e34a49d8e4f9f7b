package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
)

// Append retry pacing. Optimistic-lock conflicts are retried until the
// context gives up, with a jittered growing pause so contending appenders
// stop invalidating each other's WATCH.
const (
	appendBackoffMin = time.Millisecond
	appendBackoffMax = 50 * time.Millisecond
)

// RedisStore implements Store on Redis so session context and cached
// completions are shared across service instances. Session keys carry a
// sliding TTL refreshed on activity; cache keys a fixed TTL from creation.
// Appends use WATCH/MULTI optimistic locking so concurrent appends to the
// same session are serialized without a global lock.
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
	cfg    config.StoreConfig
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis-based session store
func NewRedisStore(logger *zap.Logger, cfg config.StoreConfig) (*RedisStore, error) {
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

	return &RedisStore{
		logger: logger.Named("store.redis"),
		client: client,
		cfg:    cfg,
		prefix: prefix,
	}, nil
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + ":sess:" + id }
func (s *RedisStore) cacheKey(fp string) string   { return s.prefix + ":cache:" + fp }

// CreateSession implements Store.CreateSession
func (s *RedisStore) CreateSession(ctx context.Context, customer Customer) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		Customer:     customer,
		Context:      []Message{},
		CreatedAt:    now,
		LastActiveAt: now,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(sess.ID), data, s.cfg.SessionTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return sess, nil
}

// GetSession implements Store.GetSession
func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	key := s.sessionKey(id)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	// Sliding TTL: any read counts as activity.
	if err := s.client.Expire(ctx, key, s.cfg.SessionTTL).Err(); err != nil {
		s.logger.Warn("failed to renew session TTL",
			zap.String("id", id),
			zap.Error(err))
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// GetContext implements Store.GetContext
func (s *RedisStore) GetContext(ctx context.Context, id string) ([]Message, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Context, nil
}

// AppendMessages implements Store.AppendMessages
func (s *RedisStore) AppendMessages(ctx context.Context, id string, msgs ...Message) error {
	key := s.sessionKey(id)

	wait := appendBackoffMin
	for {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrSessionExpired
				}
				return err
			}

			var sess Session
			if err := json.Unmarshal(data, &sess); err != nil {
				return fmt.Errorf("corrupt session %s: %w", id, err)
			}

			sess.Context = trimWindow(append(sess.Context, msgs...), s.cfg.ContextWindow)
			sess.LastActiveAt = time.Now()

			updated, err := json.Marshal(&sess)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, s.cfg.SessionTTL)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		// A concurrent append won the race; every conflict means another
		// writer made progress, so pausing and reloading loses no turn.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait/2 + time.Duration(rand.Int63n(int64(wait)))):
		}
		if wait *= 2; wait > appendBackoffMax {
			wait = appendBackoffMax
		}
	}
}

// Touch implements Store.Touch
func (s *RedisStore) Touch(ctx context.Context, id string) error {
	ok, err := s.client.Expire(ctx, s.sessionKey(id), s.cfg.SessionTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if !ok {
		return ErrSessionExpired
	}
	return nil
}

// GetCachedResponse implements Store.GetCachedResponse
func (s *RedisStore) GetCachedResponse(ctx context.Context, fingerprint string) (*CachedResponse, error) {
	data, err := s.client.Get(ctx, s.cacheKey(fingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}

	// No Expire here: cache TTL is fixed from creation, not sliding.
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", fingerprint, err)
	}
	return &resp, nil
}

// PutCachedResponse implements Store.PutCachedResponse
func (s *RedisStore) PutCachedResponse(ctx context.Context, fingerprint string, resp *CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.cacheKey(fingerprint), data, s.cfg.CacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// SessionCount implements Store.SessionCount
func (s *RedisStore) SessionCount(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":sess:*", 256).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan sessions: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
