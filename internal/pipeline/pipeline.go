package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
	"github.com/skychat-io/skychat/internal/ratelimit"
	"github.com/skychat-io/skychat/internal/store"
	"github.com/skychat-io/skychat/internal/upstream"
	"github.com/skychat-io/skychat/internal/wire"
	"github.com/skychat-io/skychat/pkg/trace"
)

// ErrSuperseded is returned to a queued sender whose message was replaced by
// a newer one before it ran.
var ErrSuperseded = errors.New("superseded by a newer message")

// ThrottledError is returned by HandleSync when admission fails.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled, retry after %s", e.RetryAfter)
}

// Broadcaster delivers frames to a session's live connections. The registry
// implements it; tests substitute a recorder.
type Broadcaster interface {
	Broadcast(sessionID string, f *wire.Frame)
	SendTo(sessionID, clientID string, f *wire.Frame) error
}

// Observer receives pipeline state transitions for metrics and health.
type Observer interface {
	Admitted()
	Throttled()
	CacheHit()
	CacheMiss()
	GenerationDone(outcome string, d time.Duration)
	UpstreamError(kind string)
}

type nopObserver struct{}

func (nopObserver) Admitted()                            {}
func (nopObserver) Throttled()                           {}
func (nopObserver) CacheHit()                            {}
func (nopObserver) CacheMiss()                           {}
func (nopObserver) GenerationDone(string, time.Duration) {}
func (nopObserver) UpstreamError(string)                 {}

// Pipeline drives a message from admission through caching, streaming and
// persistence. It holds one generation slot per session: a second message
// arriving while a generation is active is queued depth-1, superseding any
// message already waiting there.
type Pipeline struct {
	logger    *zap.Logger
	cfg       config.PipelineConfig
	limiter   ratelimit.Limiter
	store     store.Store
	completer upstream.Completer
	bcast     Broadcaster
	obs       Observer
	tracer    *trace.Builder

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	owner  *request
	cancel context.CancelFunc
	queued *request
}

type request struct {
	sessionID string
	clientID  string
	text      string
	done      chan result // buffered; nil for fire-and-forget sends
}

type result struct {
	res *upstream.Result
	err error
}

func NewPipeline(logger *zap.Logger, cfg config.PipelineConfig, limiter ratelimit.Limiter, st store.Store, completer upstream.Completer, bcast Broadcaster, obs Observer) *Pipeline {
	if obs == nil {
		obs = nopObserver{}
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Pipeline{
		logger:     logger.Named("pipeline"),
		cfg:        cfg,
		limiter:    limiter,
		store:      st,
		completer:  completer,
		bcast:      bcast,
		obs:        obs,
		tracer:     trace.Tracer("pipeline"),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		slots:      make(map[string]*slot),
	}
}

// HandleMessage admits a message and schedules its generation. It returns
// once the message is admitted (or throttled); streaming happens on a
// separate goroutine so the caller's read loop is never blocked.
func (p *Pipeline) HandleMessage(ctx context.Context, sessionID, clientID, text string) error {
	dec, err := p.limiter.Admit(ctx, sessionID)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		p.obs.Throttled()
		return p.bcast.SendTo(sessionID, clientID, wire.Throttled(dec.RetryAfter))
	}
	p.obs.Admitted()

	p.submit(&request{sessionID: sessionID, clientID: clientID, text: text})
	return nil
}

// HandleSync runs the same flow as HandleMessage but waits for the final
// result, for the REST fallback. Listeners on the session still receive the
// streamed frames.
func (p *Pipeline) HandleSync(ctx context.Context, sessionID, clientID, text string) (*upstream.Result, error) {
	dec, err := p.limiter.Admit(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		p.obs.Throttled()
		return nil, &ThrottledError{RetryAfter: dec.RetryAfter}
	}
	p.obs.Admitted()

	req := &request{sessionID: sessionID, clientID: clientID, text: text, done: make(chan result, 1)}
	p.submit(req)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-req.done:
		return out.res, out.err
	}
}

// CancelSession aborts the session's active generation and drops anything
// queued behind it. Wired to the registry's last-connection-gone hook and to
// explicit client close.
func (p *Pipeline) CancelSession(sessionID string) {
	p.mu.Lock()
	s := p.slots[sessionID]
	var queued *request
	if s != nil {
		s.cancel()
		queued = s.queued
		s.queued = nil
	}
	p.mu.Unlock()

	if queued != nil && queued.done != nil {
		queued.done <- result{err: context.Canceled}
	}
}

// Shutdown cancels all generations and waits for them to drain, bounded by
// the configured cancel grace.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.rootCancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := p.cfg.CancelGrace
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return errors.New("generations did not drain within cancel grace")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit places a request into the session's slot, queueing it when a
// generation is already running.
func (p *Pipeline) submit(req *request) {
	p.mu.Lock()
	if s, ok := p.slots[req.sessionID]; ok {
		old := s.queued
		s.queued = req
		p.mu.Unlock()
		if old != nil {
			p.supersede(old)
		}
		return
	}
	p.startLocked(req)
	p.mu.Unlock()
}

// startLocked creates the slot and launches the generation. Caller holds mu.
func (p *Pipeline) startLocked(req *request) {
	gctx, cancel := context.WithCancel(p.rootCtx)
	p.slots[req.sessionID] = &slot{owner: req, cancel: cancel}
	p.wg.Add(1)
	go p.runAndRelease(gctx, cancel, req)
}

func (p *Pipeline) runAndRelease(ctx context.Context, cancel context.CancelFunc, req *request) {
	defer p.wg.Done()
	defer cancel()

	res, err := p.run(ctx, req)
	if req.done != nil {
		req.done <- result{res: res, err: err}
	}

	p.mu.Lock()
	if s, ok := p.slots[req.sessionID]; ok && s.owner == req {
		next := s.queued
		delete(p.slots, req.sessionID)
		if next != nil {
			p.startLocked(next)
		}
	}
	p.mu.Unlock()
}

func (p *Pipeline) supersede(old *request) {
	_ = p.bcast.SendTo(old.sessionID, old.clientID, wire.Error(wire.CodeSuperseded, "superseded by a newer message"))
	if old.done != nil {
		old.done <- result{err: ErrSuperseded}
	}
}

// run executes one generation end to end.
func (p *Pipeline) run(ctx context.Context, req *request) (*upstream.Result, error) {
	start := time.Now()
	scope := p.tracer.Start(ctx, "generation").WithAttrs(
		attribute.String("session.id", req.sessionID),
		attribute.String("client.id", req.clientID),
	)
	ctx = scope.Ctx
	defer scope.End()

	window, err := p.store.GetContext(ctx, req.sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionExpired) {
			p.bcast.Broadcast(req.sessionID, wire.Error(wire.CodeSessionExpired, "session expired"))
			p.obs.GenerationDone("failed", time.Since(start))
			return nil, err
		}
		// Transient store failure: answer from an empty window rather than
		// refusing the customer.
		p.logger.Warn("context read failed, generating without history",
			zap.String("session_id", req.sessionID), zap.Error(err))
		window = nil
	}

	fp := Fingerprint(req.text, window)
	scope.WithAttrs(attribute.String("cache.fingerprint", fp))

	cached, err := p.store.GetCachedResponse(ctx, fp)
	switch {
	case err == nil:
		p.obs.CacheHit()
		p.replay(ctx, req, cached)
		p.persistTurns(ctx, req, cached.Text)
		p.obs.GenerationDone("cache_hit", time.Since(start))
		return &upstream.Result{Text: cached.Text, Usage: cached.Usage}, nil
	case errors.Is(err, store.ErrCacheMiss):
		p.obs.CacheMiss()
	default:
		p.logger.Warn("cache lookup failed, treating as miss",
			zap.String("session_id", req.sessionID), zap.Error(err))
		p.obs.CacheMiss()
	}

	msgs := make([]store.Message, 0, len(window)+1)
	msgs = append(msgs, window...)
	msgs = append(msgs, store.Message{Role: store.RoleUser, Text: req.text, At: time.Now()})

	var seq int64
	onChunk := func(delta string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		seq++
		p.bcast.Broadcast(req.sessionID, wire.Chunk(seq, delta))
		return nil
	}

	res, err := p.completer.Complete(ctx, msgs, onChunk)
	if errors.Is(err, upstream.ErrUpstreamTimeout) && seq == 0 && ctx.Err() == nil {
		// Retry once, but only when nothing has streamed yet: replaying a
		// second attempt after delivered chunks would corrupt the sequence.
		p.logger.Warn("upstream stalled before first chunk, retrying",
			zap.String("session_id", req.sessionID))
		res, err = p.completer.Complete(ctx, msgs, onChunk)
	}
	if err != nil {
		return nil, p.fail(ctx, req, err, start)
	}

	p.persistTurns(ctx, req, res.Text)
	if err := p.store.PutCachedResponse(ctx, fp, &store.CachedResponse{
		Text:      res.Text,
		Usage:     res.Usage,
		CreatedAt: time.Now(),
	}); err != nil {
		p.logger.Warn("cache write failed",
			zap.String("session_id", req.sessionID), zap.Error(err))
	}

	p.bcast.Broadcast(req.sessionID, wire.Complete(res.Text, &res.Usage))
	p.obs.GenerationDone("success", time.Since(start))
	return res, nil
}

// replay streams a cached completion as synthetic chunks followed by the
// terminal frame. The chunk concatenation is byte-identical to the original.
func (p *Pipeline) replay(ctx context.Context, req *request, cached *store.CachedResponse) {
	var seq int64
	for _, part := range chunkText(cached.Text, p.cfg.ReplayChunkChars) {
		if ctx.Err() != nil {
			return
		}
		seq++
		p.bcast.Broadcast(req.sessionID, wire.Chunk(seq, part))
	}
	if ctx.Err() != nil {
		return
	}
	usage := cached.Usage
	p.bcast.Broadcast(req.sessionID, wire.Complete(cached.Text, &usage))
}

// persistTurns appends the user and assistant turns. On persistent store
// failure the turns are dropped and the conversation degrades to whatever
// context the store still holds.
func (p *Pipeline) persistTurns(ctx context.Context, req *request, reply string) {
	now := time.Now()
	err := p.store.AppendMessages(ctx, req.sessionID,
		store.Message{Role: store.RoleUser, Text: req.text, At: now},
		store.Message{Role: store.RoleAssistant, Text: reply, At: now},
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("context append failed, turns not persisted",
			zap.String("session_id", req.sessionID), zap.Error(err))
	}
}

// fail emits the terminal error frame unless the generation was cancelled;
// a cancelled session must see no further frames.
func (p *Pipeline) fail(ctx context.Context, req *request, err error, start time.Time) error {
	if ctx.Err() != nil {
		p.obs.GenerationDone("cancelled", time.Since(start))
		return err
	}

	code, kind, msg := classifyError(err)
	p.obs.UpstreamError(kind)
	p.bcast.Broadcast(req.sessionID, wire.Error(code, msg))
	p.obs.GenerationDone("failed", time.Since(start))
	p.logger.Error("generation failed",
		zap.String("session_id", req.sessionID),
		zap.String("code", code),
		zap.Error(err))
	return err
}

func classifyError(err error) (code, kind, msg string) {
	switch {
	case errors.Is(err, upstream.ErrUpstreamTimeout):
		return wire.CodeUpstreamTimeout, "timeout", "the assistant took too long to respond"
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		return wire.CodeUpstreamUnavailable, "unavailable", "the assistant is temporarily unavailable"
	default:
		return wire.CodeInternal, "error", "internal error"
	}
}
