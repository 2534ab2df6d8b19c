package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"chatfuse/internal/admin"
	"chatfuse/internal/bridge"
	"chatfuse/internal/bus"
	"chatfuse/internal/config"
	"chatfuse/internal/ingest"
	"chatfuse/internal/ingest/twitch"
	"chatfuse/internal/logger"
	"chatfuse/pkg/health"
	"chatfuse/pkg/metrics"
	"chatfuse/pkg/middleware"
)

// App owns the wiring: construct, attach sources, run, shut down. The bus
// is an explicit instance handed to whatever needs it, never a global.
type App struct {
	cfg *config.Config
	log logger.Logger

	bus       *bus.Bus
	bridgeSrv *bridge.Server
	ingestors []ingest.Ingestor
	adminSrv  *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{cfg: cfg, log: log}
}

func (a *App) Initialize(ctx context.Context) error {
	metrics.RegisterBusMetrics()
	metrics.RegisterIngestMetrics()
	metrics.RegisterBridgeMetrics()

	a.bus = bus.New(bus.Config{
		DedupCapacity: a.cfg.Bus.DedupCacheSize,
		RatePerSecond: a.cfg.Bus.RatePerSecond,
		StatsInterval: time.Duration(a.cfg.Bus.StatsIntervalSeconds) * time.Second,
		CircuitBreaker: bus.BreakerConfig{
			Enabled:     a.cfg.Bus.CircuitBreaker.Enabled,
			MaxRequests: a.cfg.Bus.CircuitBreaker.MaxRequests,
			Interval:    a.cfg.Bus.CircuitBreaker.Interval,
			Timeout:     a.cfg.Bus.CircuitBreaker.Timeout,
		},
	}, a.log)

	a.bridgeSrv = bridge.NewServer(bridge.Config{
		Addr:         a.cfg.Bridge.Addr,
		PingInterval: time.Duration(a.cfg.Bridge.PingIntervalSec) * time.Second,
		PongTimeout:  time.Duration(a.cfg.Bridge.PongTimeoutSec) * time.Second,
		FramesPerSec: a.cfg.Bridge.FramesPerSecond,
		FrameBurst:   a.cfg.Bridge.FrameBurst,
	}, a.log)
	a.ingestors = append(a.ingestors, a.bridgeSrv)

	if a.cfg.Twitch.Enabled {
		a.ingestors = append(a.ingestors, twitch.New(
			twitch.Config{
				Username: a.cfg.Twitch.Username,
				OAuth:    a.cfg.Twitch.OAuth,
				Channels: a.cfg.Twitch.Channels,
			},
			ingest.RetryPolicy{
				InitialInterval: a.cfg.Twitch.Retry.InitialInterval,
				MaxInterval:     a.cfg.Twitch.Retry.MaxInterval,
				Multiplier:      a.cfg.Twitch.Retry.Multiplier,
				MaxRetries:      a.cfg.Twitch.Retry.MaxRetries,
			},
			a.log,
		))
	}

	for _, ing := range a.ingestors {
		a.bus.Attach(ing)
	}

	a.initAdminServer()
	return nil
}

func (a *App) initAdminServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Logger(a.log), middleware.Recovery(a.log))

	handler := admin.NewHandler(a.bus, func() []ingest.Ingestor {
		return a.ingestors
	}, a.log)
	handler.RegisterRoutes(router)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewHTTPChecker("bridge", "http://"+a.cfg.Bridge.Addr+"/"))

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		status := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, h)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.adminSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: router,
	}
}

func (a *App) Run(ctx context.Context) error {
	// The bridge binds synchronously; a bind failure aborts startup.
	for _, ing := range a.ingestors {
		if err := ing.Start(ctx); err != nil {
			return fmt.Errorf("start %s ingestor: %w", ing.Platform(), err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Infow("admin server starting", "port", a.cfg.Server.Port)
		if err := a.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown stops sources first, then the bus, so no ingestor delivers into
// a closed bus. Idempotent.
func (a *App) Shutdown() error {
	a.log.Infow("shutting down")

	for _, ing := range a.ingestors {
		if err := ing.Stop(); err != nil {
			a.log.Warnw("ingestor stop", "platform", ing.Platform().String(), "error", err)
		}
		a.bus.Detach(ing)
	}
	a.bus.Close()

	if a.adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.adminSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin server shutdown: %w", err)
		}
	}
	return nil
}
