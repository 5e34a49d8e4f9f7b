package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
)

// MemoryStore implements Store with in-process maps. Expiry is enforced by
// per-record deadlines checked on access plus a janitor sweep, so behavior
// matches the Redis driver without background timers per key.
type MemoryStore struct {
	logger *zap.Logger
	cfg    config.StoreConfig

	mu       sync.RWMutex
	sessions map[string]*memSession
	cache    map[string]*memCacheEntry

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

var _ Store = (*MemoryStore)(nil)

type memSession struct {
	mu        sync.Mutex // serializes appends per session
	data      Session
	expiresAt time.Time
}

type memCacheEntry struct {
	resp      CachedResponse
	expiresAt time.Time // fixed from creation
}

// NewMemoryStore creates a new in-process session store
func NewMemoryStore(logger *zap.Logger, cfg config.StoreConfig) *MemoryStore {
	s := &MemoryStore{
		logger:   logger.Named("store.memory"),
		cfg:      cfg,
		sessions: make(map[string]*memSession),
		cache:    make(map[string]*memCacheEntry),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

// CreateSession implements Store.CreateSession
func (s *MemoryStore) CreateSession(_ context.Context, customer Customer) (*Session, error) {
	now := s.now()
	sess := Session{
		ID:           uuid.NewString(),
		Customer:     customer,
		Context:      []Message{},
		CreatedAt:    now,
		LastActiveAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &memSession{data: sess, expiresAt: now.Add(s.cfg.SessionTTL)}
	s.mu.Unlock()

	out := sess
	return &out, nil
}

// GetSession implements Store.GetSession
func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	ms, err := s.live(id)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.expiresAt = s.now().Add(s.cfg.SessionTTL)
	out := ms.data
	out.Context = append([]Message(nil), ms.data.Context...)
	return &out, nil
}

// GetContext implements Store.GetContext
func (s *MemoryStore) GetContext(ctx context.Context, id string) ([]Message, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Context, nil
}

// AppendMessages implements Store.AppendMessages
func (s *MemoryStore) AppendMessages(_ context.Context, id string, msgs ...Message) error {
	ms, err := s.live(id)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	now := s.now()
	ms.data.Context = trimWindow(append(ms.data.Context, msgs...), s.cfg.ContextWindow)
	ms.data.LastActiveAt = now
	ms.expiresAt = now.Add(s.cfg.SessionTTL)
	return nil
}

// Touch implements Store.Touch
func (s *MemoryStore) Touch(_ context.Context, id string) error {
	ms, err := s.live(id)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	now := s.now()
	ms.data.LastActiveAt = now
	ms.expiresAt = now.Add(s.cfg.SessionTTL)
	return nil
}

// GetCachedResponse implements Store.GetCachedResponse
func (s *MemoryStore) GetCachedResponse(_ context.Context, fingerprint string) (*CachedResponse, error) {
	s.mu.RLock()
	entry, ok := s.cache[fingerprint]
	s.mu.RUnlock()
	if !ok || s.now().After(entry.expiresAt) {
		return nil, ErrCacheMiss
	}
	out := entry.resp
	return &out, nil
}

// PutCachedResponse implements Store.PutCachedResponse
func (s *MemoryStore) PutCachedResponse(_ context.Context, fingerprint string, resp *CachedResponse) error {
	s.mu.Lock()
	s.cache[fingerprint] = &memCacheEntry{resp: *resp, expiresAt: resp.CreatedAt.Add(s.cfg.CacheTTL)}
	s.mu.Unlock()
	return nil
}

// SessionCount implements Store.SessionCount
func (s *MemoryStore) SessionCount(_ context.Context) (int, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ms := range s.sessions {
		ms.mu.Lock()
		alive := !now.After(ms.expiresAt)
		ms.mu.Unlock()
		if alive {
			n++
		}
	}
	return n, nil
}

// Close stops the janitor
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// live returns the session record if it has not expired. Expired records
// are removed eagerly so GetSession and the janitor agree. The deadline is
// written under the record's own lock, so it must be read under it too.
func (s *MemoryStore) live(id string) (*memSession, error) {
	s.mu.RLock()
	ms, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionExpired
	}
	ms.mu.Lock()
	expired := s.now().After(ms.expiresAt)
	ms.mu.Unlock()
	if expired {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, ErrSessionExpired
	}
	return ms, nil
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			for id, ms := range s.sessions {
				ms.mu.Lock()
				expired := now.After(ms.expiresAt)
				ms.mu.Unlock()
				if expired {
					delete(s.sessions, id)
				}
			}
			for fp, entry := range s.cache {
				if now.After(entry.expiresAt) {
					delete(s.cache, fp)
				}
			}
			s.mu.Unlock()
		}
	}
}
