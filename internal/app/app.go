// Package app wires the relay components together and supervises their
// lifecycle: bus subscriber, event router, streaming buffer, broadcast hub,
// upstream connection pool, and the HTTP/WebSocket surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/marketpulse/eventrelay/internal/broadcast"
	"github.com/marketpulse/eventrelay/internal/buffer"
	"github.com/marketpulse/eventrelay/internal/config"
	"github.com/marketpulse/eventrelay/internal/event"
	"github.com/marketpulse/eventrelay/internal/httpapi"
	"github.com/marketpulse/eventrelay/internal/pool"
	"github.com/marketpulse/eventrelay/internal/router"
	"github.com/marketpulse/eventrelay/internal/stats"
	"github.com/marketpulse/eventrelay/internal/subscriber"
	"github.com/marketpulse/eventrelay/internal/universe"
)

// shutdownTimeout bounds the drain of each component during shutdown.
const shutdownTimeout = 10 * time.Second

// App owns every long-lived component of the relay.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	collector *stats.Collector
	bus       *redis.Client
	pgUnis    *universe.PostgresResolver

	sub      *subscriber.Subscriber
	hub      *broadcast.Hub
	buf      *buffer.StreamingBuffer
	provider pool.Provider
	rtr      router.Router
	server   *httpapi.Server
}

// New builds the full component graph from config. Nothing is dialed or
// started here except the Postgres universe pool, which validates its
// connection eagerly.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		collector: stats.NewCollector(),
	}

	a.bus = redis.NewClient(&redis.Options{
		Addr:     cfg.Bus.Addr,
		Password: cfg.Bus.Password,
		DB:       cfg.Bus.DB,
	})

	a.sub = subscriber.New(subscriber.Config{
		Channels:             cfg.Subscriber.Channels,
		ReceiveTimeout:       cfg.Subscriber.ReceiveTimeout,
		MaxReconnectAttempts: cfg.Subscriber.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Subscriber.HeartbeatInterval,
		QueueSize:            cfg.Subscriber.QueueSize,
	}, subscriber.NewRedisBus(a.bus), a.collector, logger)

	a.hub = broadcast.NewHub(broadcast.Config{
		BatchWindow:      cfg.Broadcast.BatchWindow,
		BatchMaxSize:     cfg.Broadcast.BatchMaxSize,
		RateLimitPerUser: cfg.Broadcast.RateLimitPerUser,
		OfflineQueueSize: cfg.Broadcast.OfflineQueueSize,
		MetricsInterval:  cfg.Broadcast.MetricsInterval,
		SendBufferSize:   cfg.Broadcast.SendBufferSize,
	}, a.collector, logger)

	a.buf = buffer.New(buffer.Config{
		Enabled:  cfg.Buffer.IsEnabled(),
		Interval: cfg.Buffer.Interval,
		MaxSize:  cfg.Buffer.MaxSize,
	}, func(t event.Type, payload map[string]any) {
		a.hub.BroadcastAll(t, payload, event.PriorityFor(t))
	}, logger)

	resolver, err := a.buildResolver(ctx)
	if err != nil {
		return nil, err
	}

	provider, err := a.buildPool(resolver)
	if err != nil {
		return nil, err
	}
	a.provider = provider

	var ticks <-chan pool.Tick
	if a.provider != nil {
		ticks = a.provider.Ticks()
	}
	a.rtr = router.New(a.sub.Events(), ticks, a.buf, a.hub, a.collector, logger)

	a.server = httpapi.New(httpapi.Config{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
	}, httpapi.Deps{
		Collector: a.collector,
		Hub:       a.hub,
		Pool:      a.provider,
		Router:    a.rtr,
		Buffer:    a.buf,
	}, logger)

	a.hub.SetMetricsSource(a.metrics)

	return a, nil
}

// buildResolver chains the static universe table with the optional Postgres
// lookup. Static entries win because the chain consults them first.
func (a *App) buildResolver(ctx context.Context) (universe.Resolver, error) {
	var chain universe.Chain
	if len(a.cfg.Universe.Static) > 0 {
		chain = append(chain, universe.NewStaticResolver(a.cfg.Universe.Static))
	}
	if a.cfg.Universe.Postgres.Configured() {
		pg, err := universe.NewPostgresResolver(ctx, a.cfg.Universe.Postgres)
		if err != nil {
			return nil, fmt.Errorf("universe database: %w", err)
		}
		a.pgUnis = pg
		chain = append(chain, pg)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

// buildPool constructs the upstream provider from the enabled connection
// entries, capped at the configured maximum. A relay with no upstream
// configured runs bus-only.
func (a *App) buildPool(resolver universe.Resolver) (pool.Provider, error) {
	up := a.cfg.Upstream
	if up.WSURL == "" {
		return nil, nil
	}

	var conns []pool.ConnConfig
	for _, c := range up.Connections {
		if !c.IsEnabled() {
			continue
		}
		conns = append(conns, pool.ConnConfig{
			Name:     c.Name,
			Universe: c.Universe,
			Symbols:  c.Symbols,
		})
		if len(conns) == up.MaxConnections {
			break
		}
	}
	if len(conns) == 0 {
		return nil, nil
	}

	return pool.New(pool.Config{
		WSURL:             up.WSURL,
		AuthToken:         up.AuthToken,
		MaxTickersPerConn: up.MaxTickersPerConnection,
		ReconnectBaseWait: up.ReconnectBaseDelay,
		ReconnectMaxWait:  up.ReconnectMaxDelay,
		Connections:       conns,
	}, resolver, a.collector, a.logger)
}

// metrics assembles the periodic metrics_update payload pushed to sessions.
func (a *App) metrics() map[string]any {
	m := map[string]any{
		"instance":  a.cfg.Instance.ID,
		"pipeline":  a.collector.Snapshot(),
		"broadcast": a.hub.Stats(),
		"router":    a.rtr.Stats(),
		"buffer":    a.buf.Stats(),
	}
	if a.provider != nil {
		m["pool"] = a.provider.HealthStatus()
	}
	return m
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails, then shuts the pipeline down in reverse order.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	a.collector.MarkRunning()
	defer a.collector.MarkStopped()

	if err := a.startPipeline(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Start(gctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Stop(stopCtx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.stopPipeline()
		return gctx.Err()
	})

	a.logger.Info("relay running", "instance", a.cfg.Instance.ID)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startPipeline brings components up consumer-first so nothing produces
// into a sink that is not yet running.
func (a *App) startPipeline(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("broadcast hub: %w", err)
	}
	if err := a.buf.Start(ctx); err != nil {
		return fmt.Errorf("streaming buffer: %w", err)
	}
	if a.provider != nil {
		if err := a.provider.Start(ctx); err != nil {
			return fmt.Errorf("upstream pool: %w", err)
		}
	}
	if err := a.rtr.Start(ctx); err != nil {
		return fmt.Errorf("event router: %w", err)
	}
	if a.provider != nil {
		a.rtr.SetAssignments(a.provider)
	}
	if err := a.sub.Start(ctx); err != nil {
		return fmt.Errorf("bus subscriber: %w", err)
	}
	return nil
}

// stopPipeline shuts down producer-first, giving each stage a bounded drain.
func (a *App) stopPipeline() {
	stop := func(name string, fn func(context.Context) error) {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := fn(stopCtx); err != nil {
			a.logger.Warn("component stop failed", "component", name, "error", err)
		}
	}

	stop("bus subscriber", a.sub.Stop)
	if a.provider != nil {
		stop("upstream pool", a.provider.Stop)
	}
	stop("event router", a.rtr.Stop)
	stop("streaming buffer", a.buf.Stop)
	stop("broadcast hub", a.hub.Stop)
}

// cleanup releases connections that outlive the pipeline.
func (a *App) cleanup() {
	if a.pgUnis != nil {
		a.pgUnis.Close()
	}
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("redis close failed", "error", err)
	}
}
