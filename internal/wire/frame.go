package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Frame types sent to clients.
const (
	TypeChunk     = "chunk"
	TypeComplete  = "complete"
	TypeError     = "error"
	TypeThrottled = "throttled"
	TypePong      = "pong"
)

// Inbound frame types accepted from clients.
const (
	TypeMessage = "message"
	TypeClose   = "close"
	TypePing    = "ping"
)

// Error codes carried by error frames.
const (
	CodeInvalidPayload      = "invalid_payload"
	CodeSessionExpired      = "session_expired"
	CodeConnectionLimit     = "connection_limit_exceeded"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeSuperseded          = "superseded"
	CodeInternal            = "internal"
)

// Usage carries token accounting reported by the upstream provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Frame is the single outbound envelope; Type selects which fields are set.
type Frame struct {
	Type       string  `json:"type"`
	Seq        int64   `json:"seq,omitempty"`
	Data       string  `json:"data,omitempty"`
	FullText   string  `json:"full_text,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
	Code       string  `json:"code,omitempty"`
	Message    string  `json:"message,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// Chunk builds a chunk frame carrying one streamed segment.
func Chunk(seq int64, data string) *Frame {
	return &Frame{Type: TypeChunk, Seq: seq, Data: data}
}

// Complete builds the terminal frame of a successful generation.
func Complete(fullText string, usage *Usage) *Frame {
	return &Frame{Type: TypeComplete, FullText: fullText, Usage: usage}
}

// Error builds the terminal frame of a failed generation.
func Error(code, message string) *Frame {
	return &Frame{Type: TypeError, Code: code, Message: message}
}

// Throttled builds the frame returned to a rate-limited sender.
// retry_after is seconds, fractional.
func Throttled(retryAfter time.Duration) *Frame {
	return &Frame{Type: TypeThrottled, RetryAfter: retryAfter.Seconds()}
}

// Pong answers an application-level ping frame.
func Pong() *Frame {
	return &Frame{Type: TypePong}
}

// Inbound is a client-to-server frame. Type defaults to "message" so a bare
// {"message": "..."} payload remains valid.
type Inbound struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ValidationError reports a malformed inbound payload. It is rejected at the
// boundary before any state is touched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + e.Reason
}

// ParseInbound validates and decodes a raw inbound frame. Unknown fields are
// rejected so payload mistakes surface immediately instead of being ignored.
func ParseInbound(raw []byte, maxMessageBytes int) (*Inbound, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Reason: "empty frame"}
	}
	if len(raw) > maxMessageBytes {
		return nil, &ValidationError{Reason: fmt.Sprintf("frame exceeds %d bytes", maxMessageBytes)}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var in Inbound
	if err := dec.Decode(&in); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if in.Type == "" {
		in.Type = TypeMessage
	}

	switch in.Type {
	case TypeMessage:
		if strings.TrimSpace(in.Message) == "" {
			return nil, &ValidationError{Reason: "message must not be empty"}
		}
	case TypeClose, TypePing:
		// control frames carry no payload
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown frame type %q", in.Type)}
	}
	return &in, nil
}
