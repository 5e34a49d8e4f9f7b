package server

import (
	"bytes"
	"context"
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
	"github.com/skychat-io/skychat/internal/health"
	"github.com/skychat-io/skychat/internal/pipeline"
	"github.com/skychat-io/skychat/internal/ratelimit"
	"github.com/skychat-io/skychat/internal/registry"
	"github.com/skychat-io/skychat/internal/store"
	"github.com/skychat-io/skychat/internal/upstream"
	"github.com/skychat-io/skychat/internal/wire"
	"github.com/skychat-io/skychat/pkg/metrics"
)

type echoCompleter struct{}

func (echoCompleter) Complete(_ context.Context, msgs []store.Message, onChunk func(string) error) (*upstream.Result, error) {
	reply := "echo: " + msgs[len(msgs)-1].Text
	for _, word := range strings.SplitAfter(reply, " ") {
		if err := onChunk(word); err != nil {
			return nil, err
		}
	}
	return &upstream.Result{Text: reply, Usage: wire.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:            ":0",
			MaxMessageBytes: 4096,
		},
		Store: config.StoreConfig{
			Type:          "memory",
			SessionTTL:    time.Minute,
			CacheTTL:      time.Minute,
			ContextWindow: 20,
		},
		RateLimit: config.RateLimitConfig{
			Type:       "memory",
			Capacity:   100,
			RefillRate: 10,
		},
		Registry: config.RegistryConfig{
			MaxConnectionsPerSession: 4,
			HeartbeatInterval:        time.Second,
			MaxMissedHeartbeats:      3,
			WriteTimeout:             time.Second,
		},
		Pipeline: config.PipelineConfig{
			ReplayChunkChars: 8,
			CancelGrace:      time.Second,
		},
		Metrics: config.MetricsConfig{Namespace: "skychat_test"},
	}
}

func newTestServer(t *testing.T, comp upstream.Completer) (*httptest.Server, store.Store) {
	t.Helper()
	logger := zap.NewNop()
	cfg := testConfig()

	st, err := store.NewStore(logger, cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	limiter, err := ratelimit.NewLimiter(logger, cfg.RateLimit)
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })

	reg := registry.NewRegistry(logger, cfg.Registry)
	t.Cleanup(reg.CloseAll)

	p := pipeline.NewPipeline(logger, cfg.Pipeline, limiter, st, comp, reg, nil)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	reg.OnSessionEmpty(p.CancelSession)

	hc := health.NewCollector(reg.ConnectionCount, func() int {
		n, _ := st.SessionCount(context.Background())
		return n
	})
	m := metrics.New(cfg.Metrics)

	srv := NewServer(logger, cfg, st, p, reg, hc, m)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"name": "Dana", "flight_ref": "SK451"})
	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.SessionID)
	return out.SessionID
}

func dialWS(t *testing.T, ts *httptest.Server, sessionID, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session_id=" + sessionID + "&client_id=" + clientID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *wire.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wire.Frame
	require.NoError(t, ws.ReadJSON(&f))
	return &f
}

func TestSessionLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, echoCompleter{})
	sid := createSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/sessions/" + sid)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info struct {
		SessionID     string `json:"session_id"`
		ContextLength int    `json:"context_length"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, sid, info.SessionID)
	assert.Zero(t, info.ContextLength)

	resp, err = http.Get(ts.URL + "/api/sessions/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPostMessage_Sync(t *testing.T) {
	ts, _ := newTestServer(t, echoCompleter{})
	sid := createSession(t, ts)

	body, _ := json.Marshal(map[string]string{"client_id": "c1", "message": "hello there"})
	resp, err := http.Post(ts.URL+"/api/sessions/"+sid+"/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Reply string     `json:"reply"`
		Usage wire.Usage `json:"usage"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "echo: hello there", out.Reply)
	assert.Equal(t, 7, out.Usage.TotalTokens)
}

func TestPostMessage_Validation(t *testing.T) {
	ts, _ := newTestServer(t, echoCompleter{})
	sid := createSession(t, ts)

	body, _ := json.Marshal(map[string]string{"message": "   "})
	resp, err := http.Post(ts.URL+"/api/sessions/"+sid+"/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ = json.Marshal(map[string]string{"message": "hi"})
	resp, err = http.Post(ts.URL+"/api/sessions/expired-id/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_StreamsReply(t *testing.T) {
	ts, _ := newTestServer(t, echoCompleter{})
	sid := createSession(t, ts)
	ws := dialWS(t, ts, sid, "c1")

	require.NoError(t, ws.WriteJSON(map[string]string{"message": "hi"}))

	var concat strings.Builder
	var lastSeq int64
	for {
		f := readFrame(t, ws)
		if f.Type == wire.TypeComplete {
			assert.Equal(t, "echo: hi", f.FullText)
			assert.Equal(t, concat.String(), f.FullText)
			require.NotNil(t, f.Usage)
			assert.Equal(t, 7, f.Usage.TotalTokens)
			return
		}
		require.Equal(t, wire.TypeChunk, f.Type)
		assert.Greater(t, f.Seq, lastSeq)
		lastSeq = f.Seq
		concat.WriteString(f.Data)
	}
}

func TestWebSocket_InvalidPayload(t *testing.T) {
	ts, _ := newTestServer(t, echoCompleter{})
	sid := createSession(t, ts)
	ws := dialWS(t, ts, sid, "c1")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"nope": 1}`)))
	f := readFrame(t, ws)
	assert.Equal(t, wire.TypeError, f.Type)
	assert.Equal(t, wire.CodeInvalidPayload, f.Code)

	// Connection survives a bad payload.
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	f = readFrame(t, ws)
	assert.Equal(t, wire.TypePong, f.Type)
}

func TestWebSocket_UnknownSessionRejected(t *testing.T) {
	ts, _ := newTestServer(t, echoCompleter{})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session_id=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_BroadcastToAllClients(t *testing.T) {
	ts, _ := newTestServer(t, echoCompleter{})
	sid := createSession(t, ts)
	wsA := dialWS(t, ts, sid, "agent-a")
	wsB := dialWS(t, ts, sid, "agent-b")

	require.NoError(t, wsA.WriteJSON(map[string]string{"message": "hi"}))

	for _, ws := range []*websocket.Conn{wsA, wsB} {
		for {
			f := readFrame(t, ws)
			if f.Type == wire.TypeComplete {
				assert.Equal(t, "echo: hi", f.FullText)
				break
			}
			require.Equal(t, wire.TypeChunk, f.Type)
		}
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, echoCompleter{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap health.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "ok", snap.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, echoCompleter{})
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
