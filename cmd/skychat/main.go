package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
	"github.com/skychat-io/skychat/internal/health"
	"github.com/skychat-io/skychat/internal/pipeline"
	"github.com/skychat-io/skychat/internal/ratelimit"
	"github.com/skychat-io/skychat/internal/registry"
	"github.com/skychat-io/skychat/internal/server"
	"github.com/skychat-io/skychat/internal/store"
	"github.com/skychat-io/skychat/internal/upstream"
	"github.com/skychat-io/skychat/pkg/logger"
	"github.com/skychat-io/skychat/pkg/metrics"
	"github.com/skychat-io/skychat/pkg/trace"
)

var configPath = flag.String("conf", "", "path to configuration file")

func getConfigPath() string {
	if *configPath != "" {
		return *configPath
	}
	if envPath := os.Getenv("SKYCHAT_CONF"); envPath != "" {
		return envPath
	}
	return "configs/skychat.yaml"
}

// engineObserver fans pipeline transitions out to metrics and health.
type engineObserver struct {
	m *metrics.Metrics
	h *health.Collector
}

func (o *engineObserver) Admitted()  { o.m.Admitted(); o.h.Admitted() }
func (o *engineObserver) Throttled() { o.m.Throttled(); o.h.Throttled() }
func (o *engineObserver) CacheHit()  { o.m.CacheHit(); o.h.CacheHit() }
func (o *engineObserver) CacheMiss() { o.m.CacheMiss(); o.h.CacheMiss() }

func (o *engineObserver) GenerationDone(outcome string, d time.Duration) {
	o.m.GenerationDone(outcome, d)
	o.h.ObserveGeneration(d)
}

func (o *engineObserver) UpstreamError(kind string) { o.m.UpstreamError(kind) }

func main() {
	flag.Parse()

	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		panic("failed to load configuration from " + path + ": " + err.Error())
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer lg.Sync()
	lg.Info("configuration loaded", zap.String("path", path))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
		if err != nil {
			lg.Fatal("failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				lg.Warn("tracing shutdown failed", zap.Error(err))
			}
		}()
	}

	st, err := store.NewStore(lg, cfg.Store)
	if err != nil {
		lg.Fatal("failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	limiter, err := ratelimit.NewLimiter(lg, cfg.RateLimit)
	if err != nil {
		lg.Fatal("failed to initialize rate limiter", zap.Error(err))
	}
	defer limiter.Close()

	completer := upstream.NewBreaker(lg, upstream.NewClient(lg, cfg.Upstream), cfg.Upstream.Breaker)

	reg := registry.NewRegistry(lg, cfg.Registry)

	m := metrics.New(cfg.Metrics)
	hc := health.NewCollector(reg.ConnectionCount, func() int {
		n, err := st.SessionCount(context.Background())
		if err != nil {
			return 0
		}
		return n
	})

	p := pipeline.NewPipeline(lg, cfg.Pipeline, limiter, st, completer, reg, &engineObserver{m: m, h: hc})
	reg.OnSessionEmpty(p.CancelSession)
	reg.OnConnectionChange(m.ConnectionsAdd)

	go reg.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	srv := server.NewServer(lg, cfg, st, p, reg, hc, m)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		lg.Fatal("server failed", zap.Error(err))
	case <-ctx.Done():
	}

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("server shutdown incomplete", zap.Error(err))
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		lg.Warn("pipeline shutdown incomplete", zap.Error(err))
	}
	reg.CloseAll()
	lg.Info("goodbye")
}
