package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
	"github.com/skychat-io/skychat/internal/wire"
)

// ErrMaxConnectionsExceeded is returned when a session already holds the
// configured maximum number of live connections.
var ErrMaxConnectionsExceeded = errors.New("max connections per session exceeded")

// Registry tracks live connections and multiplexes one session to N of
// them. The top-level map is guarded by a RWMutex only for entry lookup;
// each session entry carries its own lock, so operations on independent
// sessions never contend.
type Registry struct {
	logger *zap.Logger
	cfg    config.RegistryConfig

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	// onSessionEmpty fires when a session's last connection goes away.
	// The pipeline registers its cancellation hook here.
	onSessionEmpty func(sessionID string)

	onConnChange func(delta int) // metrics hook, may be nil
}

type sessionEntry struct {
	mu    sync.Mutex
	conns map[string]*Connection // keyed by client id
}

// NewRegistry creates a new connection registry
func NewRegistry(logger *zap.Logger, cfg config.RegistryConfig) *Registry {
	return &Registry{
		logger:   logger.Named("registry"),
		cfg:      cfg,
		sessions: make(map[string]*sessionEntry),
	}
}

// OnSessionEmpty registers the callback fired when a session loses its last
// connection. Must be set before traffic starts.
func (r *Registry) OnSessionEmpty(fn func(sessionID string)) {
	r.onSessionEmpty = fn
}

// OnConnectionChange registers a hook invoked with +1/-1 per connection.
func (r *Registry) OnConnectionChange(fn func(delta int)) {
	r.onConnChange = fn
}

// Register binds a websocket to (sessionID, clientID). Re-registering the
// same pair replaces the stale transport (a browser tab reconnecting) rather
// than counting it against the limit.
func (r *Registry) Register(sessionID, clientID string, ws *websocket.Conn) (*Connection, error) {
	entry := r.entry(sessionID)

	entry.mu.Lock()
	old := entry.conns[clientID]
	if old == nil && len(entry.conns) >= r.cfg.MaxConnectionsPerSession {
		entry.mu.Unlock()
		return nil, ErrMaxConnectionsExceeded
	}
	conn := newConnection(sessionID, clientID, ws, r.cfg.WriteTimeout)
	entry.conns[clientID] = conn
	entry.mu.Unlock()

	if old != nil {
		old.Close()
		r.logger.Debug("replaced stale connection",
			zap.String("session_id", sessionID),
			zap.String("client_id", clientID))
	} else if r.onConnChange != nil {
		r.onConnChange(1)
	}

	r.logger.Info("connection registered",
		zap.String("session_id", sessionID),
		zap.String("client_id", clientID))
	return conn, nil
}

// Unregister removes a connection; it is idempotent and no-ops when absent.
func (r *Registry) Unregister(sessionID, clientID string) {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	conn, ok := entry.conns[clientID]
	if ok {
		delete(entry.conns, clientID)
	}
	empty := len(entry.conns) == 0
	entry.mu.Unlock()

	if !ok {
		return
	}
	conn.Close()
	if r.onConnChange != nil {
		r.onConnChange(-1)
	}
	r.logger.Info("connection unregistered",
		zap.String("session_id", sessionID),
		zap.String("client_id", clientID))

	if empty {
		r.dropEntry(sessionID)
		if r.onSessionEmpty != nil {
			r.onSessionEmpty(sessionID)
		}
	}
}

// Broadcast delivers a frame to every live connection of the session. A
// delivery failure to one peer does not abort delivery to the others; the
// failed peer is closed and unregistered.
func (r *Registry) Broadcast(sessionID string, f *wire.Frame) {
	for _, conn := range r.snapshot(sessionID) {
		if err := conn.WriteFrame(f); err != nil {
			r.logger.Warn("broadcast write failed, evicting peer",
				zap.String("session_id", sessionID),
				zap.String("client_id", conn.ClientID),
				zap.Error(err))
			r.Unregister(sessionID, conn.ClientID)
		}
	}
}

// SendTo delivers a frame to a single connection of the session.
func (r *Registry) SendTo(sessionID, clientID string, f *wire.Frame) error {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	conn := entry.conns[clientID]
	entry.mu.Unlock()
	if conn == nil {
		return nil
	}

	if err := conn.WriteFrame(f); err != nil {
		r.Unregister(sessionID, clientID)
		return err
	}
	return nil
}

// Sweep closes connections that have missed more than the configured number
// of consecutive heartbeats and pings the rest.
func (r *Registry) Sweep(now time.Time) {
	deadline := time.Duration(r.cfg.MaxMissedHeartbeats) * r.cfg.HeartbeatInterval

	for _, sessionID := range r.sessionIDs() {
		for _, conn := range r.snapshot(sessionID) {
			if now.Sub(conn.lastSeen()) > deadline {
				r.logger.Info("closing dead connection",
					zap.String("session_id", sessionID),
					zap.String("client_id", conn.ClientID),
					zap.Time("last_seen", conn.lastSeen()))
				r.Unregister(sessionID, conn.ClientID)
				continue
			}
			if err := conn.ping(); err != nil {
				r.Unregister(sessionID, conn.ClientID)
			}
		}
	}
}

// Run drives periodic sweeps until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// ConnectionCount reports live connections across all sessions.
func (r *Registry) ConnectionCount() int {
	n := 0
	for _, sessionID := range r.sessionIDs() {
		n += len(r.snapshot(sessionID))
	}
	return n
}

// SessionCount reports sessions with at least one live connection.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every connection, for shutdown.
func (r *Registry) CloseAll() {
	for _, sessionID := range r.sessionIDs() {
		for _, conn := range r.snapshot(sessionID) {
			r.Unregister(sessionID, conn.ClientID)
		}
	}
}

func (r *Registry) entry(sessionID string) *sessionEntry {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return entry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok = r.sessions[sessionID]; ok {
		return entry
	}
	entry = &sessionEntry{conns: make(map[string]*Connection)}
	r.sessions[sessionID] = entry
	return entry
}

// dropEntry removes a session entry once it has no connections left.
func (r *Registry) dropEntry(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sessionID]; ok {
		entry.mu.Lock()
		empty := len(entry.conns) == 0
		entry.mu.Unlock()
		if empty {
			delete(r.sessions, sessionID)
		}
	}
}

func (r *Registry) sessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// snapshot copies the session's connections so writes happen outside locks.
func (r *Registry) snapshot(sessionID string) []*Connection {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	conns := make([]*Connection, 0, len(entry.conns))
	for _, c := range entry.conns {
		conns = append(conns, c)
	}
	return conns
}
