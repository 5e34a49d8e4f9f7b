package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
	"github.com/skychat-io/skychat/internal/wire"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a session's conversation window.
type Message struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Customer holds the metadata captured when a session is created.
type Customer struct {
	Name      string `json:"name"`
	Contact   string `json:"contact"`
	FlightRef string `json:"flight_ref"`
}

// Session is a logical conversation. The context window is bounded to the
// last W turns and the whole record expires on a sliding TTL.
type Session struct {
	ID           string    `json:"id"`
	Customer     Customer  `json:"customer"`
	Context      []Message `json:"context"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// CachedResponse is a completed generation stored under its fingerprint
// with a fixed TTL from creation.
type CachedResponse struct {
	Text      string     `json:"text"`
	Usage     wire.Usage `json:"usage"`
	CreatedAt time.Time  `json:"created_at"`
}

var (
	// ErrSessionExpired is returned when a session is absent or past its TTL.
	ErrSessionExpired = errors.New("session expired")
	// ErrCacheMiss is returned when no cached response exists for a fingerprint.
	ErrCacheMiss = errors.New("cache miss")
)

// Store holds session context and cached completions. Both are TTL-bounded
// and shared across service instances when backed by Redis.
type Store interface {
	// CreateSession creates a new session with an empty context window.
	CreateSession(ctx context.Context, customer Customer) (*Session, error)

	// GetSession returns the session and refreshes its sliding TTL.
	GetSession(ctx context.Context, id string) (*Session, error)

	// GetContext returns the session's conversation window.
	GetContext(ctx context.Context, id string) ([]Message, error)

	// AppendMessages appends under per-session mutual exclusion, trims the
	// window to the last W turns (drop-oldest) and refreshes the sliding TTL.
	// Concurrent appends to the same session are serialized; none are lost.
	AppendMessages(ctx context.Context, id string, msgs ...Message) error

	// Touch refreshes the sliding TTL without reading the session.
	Touch(ctx context.Context, id string) error

	// GetCachedResponse looks up a cached completion by fingerprint.
	GetCachedResponse(ctx context.Context, fingerprint string) (*CachedResponse, error)

	// PutCachedResponse stores a completion with the fixed cache TTL.
	PutCachedResponse(ctx context.Context, fingerprint string, resp *CachedResponse) error

	// SessionCount reports live sessions, for the health surface.
	SessionCount(ctx context.Context) (int, error)

	Close() error
}

// NewStore creates a session store based on the configured type. Either
// driver is wrapped with bounded-backoff retries for transient failures.
func NewStore(logger *zap.Logger, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Type {
	case "memory":
		s = NewMemoryStore(logger, cfg)
	case "redis":
		s, err = NewRedisStore(logger, cfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
	return newRetryingStore(logger, s), nil
}

// trimWindow keeps the last w turns of a context window.
func trimWindow(msgs []Message, w int) []Message {
	if w <= 0 || len(msgs) <= w {
		return msgs
	}
	return msgs[len(msgs)-w:]
}
