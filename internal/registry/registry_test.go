package registry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
	"github.com/skychat-io/skychat/internal/wire"
)

func testRegistryConfig() config.RegistryConfig {
	return config.RegistryConfig{
		MaxConnectionsPerSession: 2,
		HeartbeatInterval:        time.Second,
		MaxMissedHeartbeats:      3,
		WriteTimeout:             time.Second,
	}
}

// wsPair dials a throwaway server and returns both ends of a websocket.
func wsPair(t *testing.T) (serverSide, clientSide *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientSide, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	serverSide = <-connCh
	t.Cleanup(func() {
		_ = clientSide.Close()
		_ = serverSide.Close()
	})
	return serverSide, clientSide
}

func readFrame(t *testing.T, c *websocket.Conn) *wire.Frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var f wire.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return &f
}

func TestRegistry_RegisterLimit(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testRegistryConfig())

	ws1, _ := wsPair(t)
	ws2, _ := wsPair(t)
	ws3, _ := wsPair(t)

	_, err := r.Register("s1", "a", ws1)
	require.NoError(t, err)
	_, err = r.Register("s1", "b", ws2)
	require.NoError(t, err)

	_, err = r.Register("s1", "c", ws3)
	assert.ErrorIs(t, err, ErrMaxConnectionsExceeded)
	assert.Equal(t, 2, r.ConnectionCount())
}

func TestRegistry_ReplaceOnReconnect(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testRegistryConfig())

	ws1, _ := wsPair(t)
	ws2, client2 := wsPair(t)

	_, err := r.Register("s1", "a", ws1)
	require.NoError(t, err)
	_, err = r.Register("s1", "a", ws2)
	require.NoError(t, err, "same (session, client) replaces the stale transport")
	assert.Equal(t, 1, r.ConnectionCount())

	r.Broadcast("s1", wire.Chunk(1, "x"))
	f := readFrame(t, client2)
	assert.Equal(t, wire.TypeChunk, f.Type)
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testRegistryConfig())

	ws1, _ := wsPair(t)
	_, err := r.Register("s1", "a", ws1)
	require.NoError(t, err)

	r.Unregister("s1", "a")
	r.Unregister("s1", "a")
	r.Unregister("s2", "nope")
	assert.Equal(t, 0, r.ConnectionCount())
}

func TestRegistry_BroadcastToAllConnections(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testRegistryConfig())

	wsA, clientA := wsPair(t)
	wsB, clientB := wsPair(t)
	_, err := r.Register("s1", "a", wsA)
	require.NoError(t, err)
	_, err = r.Register("s1", "b", wsB)
	require.NoError(t, err)

	r.Broadcast("s1", wire.Chunk(1, "hel"))
	r.Broadcast("s1", wire.Chunk(2, "lo"))

	for _, client := range []*websocket.Conn{clientA, clientB} {
		f1 := readFrame(t, client)
		f2 := readFrame(t, client)
		assert.Equal(t, int64(1), f1.Seq)
		assert.Equal(t, "hel", f1.Data)
		assert.Equal(t, int64(2), f2.Seq)
		assert.Equal(t, "lo", f2.Data)
	}
}

func TestRegistry_BroadcastEvictsFailedPeer(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testRegistryConfig())

	wsA, clientA := wsPair(t)
	wsB, _ := wsPair(t)
	_, err := r.Register("s1", "a", wsA)
	require.NoError(t, err)
	_, err = r.Register("s1", "b", wsB)
	require.NoError(t, err)

	// Kill b's transport; the write fails, b is evicted, a still receives.
	require.NoError(t, wsB.Close())
	r.Broadcast("s1", wire.Chunk(1, "x"))

	f := readFrame(t, clientA)
	assert.Equal(t, "x", f.Data)
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestRegistry_OnSessionEmpty(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testRegistryConfig())
	emptied := make(chan string, 1)
	r.OnSessionEmpty(func(id string) { emptied <- id })

	ws1, _ := wsPair(t)
	ws2, _ := wsPair(t)
	_, err := r.Register("s1", "a", ws1)
	require.NoError(t, err)
	_, err = r.Register("s1", "b", ws2)
	require.NoError(t, err)

	r.Unregister("s1", "a")
	select {
	case <-emptied:
		t.Fatal("callback fired while a connection remained")
	default:
	}

	r.Unregister("s1", "b")
	select {
	case id := <-emptied:
		assert.Equal(t, "s1", id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session-empty callback")
	}
	assert.Equal(t, 0, r.SessionCount())
}

func TestRegistry_SweepClosesDeadPeers(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testRegistryConfig())
	emptied := make(chan string, 1)
	r.OnSessionEmpty(func(id string) { emptied <- id })

	ws1, _ := wsPair(t)
	_, err := r.Register("s1", "a", ws1)
	require.NoError(t, err)

	// Within the allowance nothing happens.
	r.Sweep(time.Now())
	assert.Equal(t, 1, r.ConnectionCount())

	// Past K missed heartbeats the peer is closed and the session drained.
	r.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 0, r.ConnectionCount())
	select {
	case id := <-emptied:
		assert.Equal(t, "s1", id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session-empty callback")
	}
}

func TestRegistry_ConnectionChangeHook(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testRegistryConfig())
	total := 0
	r.OnConnectionChange(func(d int) { total += d })

	ws1, _ := wsPair(t)
	_, err := r.Register("s1", "a", ws1)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	r.Unregister("s1", "a")
	assert.Equal(t, 0, total)
}
