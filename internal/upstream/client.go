package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
	"github.com/skychat-io/skychat/internal/store"
	"github.com/skychat-io/skychat/internal/wire"
)

var (
	// ErrUpstreamTimeout is returned when no chunk arrives within the
	// configured idle window.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnavailable is returned when the circuit breaker is open.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Result is a fully assembled completion.
type Result struct {
	Text  string
	Usage wire.Usage
}

// Completer streams a chat completion for a context window. onChunk is
// invoked for every incremental segment in arrival order; returning an error
// from it aborts the stream.
type Completer interface {
	Complete(ctx context.Context, msgs []store.Message, onChunk func(delta string) error) (*Result, error)
}

// Client talks to an OpenAI-compatible streaming chat-completions endpoint.
type Client struct {
	logger  *zap.Logger
	cfg     config.UpstreamConfig
	baseURL string
	client  *http.Client
}

var _ Completer = (*Client)(nil)

// NewClient creates a new streaming completion client
func NewClient(logger *zap.Logger, cfg config.UpstreamConfig) *Client {
	return &Client{
		logger:  logger.Named("upstream"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		// No client-level timeout: it would cut streams short. The overall
		// deadline and the per-chunk idle window are enforced via context.
		client: &http.Client{},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete implements Completer.Complete
func (c *Client) Complete(ctx context.Context, msgs []store.Message, onChunk func(string) error) (*Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if c.cfg.Timeout > 0 {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancelDeadline()
	}

	payload := chatRequest{
		Model:    c.cfg.Model,
		Messages: make([]chatMessage, 0, len(msgs)),
		Stream:   true,
	}
	for _, m := range msgs {
		payload.Messages = append(payload.Messages, chatMessage{Role: string(m.Role), Content: m.Text})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	// The idle watchdog aborts the call when the stream stalls between
	// chunks; every received event pushes the deadline out again.
	idle := time.AfterFunc(c.cfg.ChunkIdleTimeout, func() {
		cancel(ErrUpstreamTimeout)
	})
	defer idle.Stop()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var (
		text  strings.Builder
		usage wire.Usage
	)
	err = scanStream(resp.Body, func(data []byte) error {
		idle.Reset(c.cfg.ChunkIdleTimeout)

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return fmt.Errorf("upstream: decode chunk: %w", err)
		}
		if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 {
			usage = wire.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			return nil
		}
		text.WriteString(delta)
		return onChunk(delta)
	})
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	return &Result{Text: text.String(), Usage: usage}, nil
}

// classify maps transport errors triggered by the idle watchdog back to
// ErrUpstreamTimeout so callers can tell a stall from a cancel.
func (c *Client) classify(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrUpstreamTimeout) {
		return ErrUpstreamTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && errors.Is(err, context.Canceled) {
		return cause
	}
	return err
}
