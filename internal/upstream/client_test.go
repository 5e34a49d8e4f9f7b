package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
	"github.com/skychat-io/skychat/internal/store"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(zap.NewNop(), config.UpstreamConfig{
		BaseURL:          srv.URL,
		APIKey:           "sk-test",
		Model:            "gpt-4o-mini",
		Timeout:          5 * time.Second,
		ChunkIdleTimeout: time.Second,
	})
}

func writeEvent(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	w.(http.Flusher).Flush()
}

func TestClient_StreamsChunksAndAssemblesText(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, `{"choices":[{"delta":{"content":"Hel"}}]}`)
		writeEvent(w, `{"choices":[{"delta":{"content":"lo"}}]}`)
		writeEvent(w, `{"choices":[{"delta":{"content":" there"}}]}`)
		writeEvent(w, `{"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":3,"total_tokens":7}}`)
		writeEvent(w, `[DONE]`)
	})

	var chunks []string
	res, err := c.Complete(context.Background(), []store.Message{{Role: store.RoleUser, Text: "hi"}}, func(delta string) error {
		chunks = append(chunks, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", " there"}, chunks)
	assert.Equal(t, "Hello there", res.Text)
	assert.Equal(t, 7, res.Usage.TotalTokens)
}

func TestClient_IdleTimeout(t *testing.T) {
	stall := make(chan struct{})
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, `{"choices":[{"delta":{"content":"Hel"}}]}`)
		<-stall
	})
	c.cfg.ChunkIdleTimeout = 100 * time.Millisecond
	defer close(stall)

	start := time.Now()
	_, err := c.Complete(context.Background(), []store.Message{{Role: store.RoleUser, Text: "hi"}}, func(string) error { return nil })
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
	assert.Less(t, time.Since(start), time.Second, "aborted by the idle watchdog, not the overall deadline")
}

func TestClient_Cancellation(t *testing.T) {
	stall := make(chan struct{})
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, `{"choices":[{"delta":{"content":"Hel"}}]}`)
		<-stall
	})
	defer close(stall)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() {
		_, err := c.Complete(ctx, []store.Message{{Role: store.RoleUser, Text: "hi"}}, func(string) error { return nil })
		got <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-got:
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrUpstreamTimeout)
	case <-time.After(time.Second):
		t.Fatal("cancel did not terminate the call within the grace period")
	}
}

func TestClient_StatusError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.Complete(context.Background(), []store.Message{{Role: store.RoleUser, Text: "hi"}}, func(string) error { return nil })
	assert.ErrorContains(t, err, "upstream status 503")
}

func TestScanStream_JoinsMultilineData(t *testing.T) {
	var events []string
	input := "data: part1\ndata: part2\n\ndata: [DONE]\n\n"
	err := scanStream(strings.NewReader(input), func(b []byte) error {
		events = append(events, string(b))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"part1\npart2"}, events)
}
