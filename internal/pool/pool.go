package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/marketpulse/eventrelay/internal/stats"
	"github.com/marketpulse/eventrelay/internal/universe"
)

// Provider is the upstream connection surface consumed by the router and the
// health endpoint. Implemented by Pool and Single.
type Provider interface {
	// Start resolves ticker assignments and connects all configured
	// connections. Partial connect failure is not fatal.
	Start(ctx context.Context) error

	// Stop releases all connections.
	Stop(ctx context.Context) error

	// Subscribe assigns tickers to connections at runtime and sends the
	// corresponding subscribe commands upstream.
	Subscribe(tickers []string) error

	// TickerAssignment reports which connection owns a ticker.
	TickerAssignment(ticker string) (string, bool)

	// ConnectionTickers lists the tickers assigned to a connection.
	ConnectionTickers(id string) []string

	// Ticks returns the stream of raw market-data messages, each tagged
	// with its owning connection id.
	Ticks() <-chan Tick

	// HealthStatus returns a consistent snapshot of all connection state.
	HealthStatus() HealthStatus

	// Ready reports whether at least one connection is live.
	Ready() bool
}

// conn pairs a Client with its tracked state. All fields other than client
// are guarded by the pool mutex.
type conn struct {
	id      string
	client  Client
	info    ConnectionInfo
	tickers map[string]struct{}
}

// Pool manages multiple upstream connections with per-connection ticker
// ownership.
type Pool struct {
	cfg      Config
	resolver universe.Resolver
	stats    *stats.Collector
	logger   *slog.Logger

	// overridable for tests
	newClient func(cfg ClientConfig, logger *slog.Logger) Client

	ticks chan Tick

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	conns        []*conn
	tickerToConn map[string]string
}

// New constructs a Provider from config. One configured connection yields a
// Single, more yield a Pool. The resolver may be nil when every connection
// carries an explicit symbol list.
func New(cfg Config, resolver universe.Resolver, collector *stats.Collector, logger *slog.Logger) (Provider, error) {
	if len(cfg.Connections) == 0 {
		return nil, ErrNoConnections
	}

	p := newPool(cfg, resolver, collector, logger)
	if len(cfg.Connections) == 1 {
		return &Single{pool: p}, nil
	}
	return p, nil
}

func newPool(cfg Config, resolver universe.Resolver, collector *stats.Collector, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Pool{
		cfg:          cfg,
		resolver:     resolver,
		stats:        collector,
		logger:       logger.With("component", "pool"),
		newClient:    NewClient,
		ticks:        make(chan Tick, cfg.QueueSize),
		tickerToConn: make(map[string]string),
	}
}

// Start resolves assignments and connects everything.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.initConnections(ctx); err != nil {
		return err
	}

	p.connectAll()

	hs := p.HealthStatus()
	p.logger.Info("connection pool started",
		"total_connections", hs.TotalConnections,
		"connected", hs.ConnectedCount,
	)

	return nil
}

// initConnections builds conn state and resolves ticker assignments. A ticker
// named by two connections stays with the first; the duplicate is logged and
// skipped so tickerToConn remains a function.
func (p *Pool) initConnections(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, cc := range p.cfg.Connections {
		id := fmt.Sprintf("conn-%d", i+1)
		name := cc.Name
		if name == "" {
			name = id
		}

		symbols := cc.Symbols
		if cc.Universe != "" {
			if p.resolver == nil {
				return fmt.Errorf("connection %s names universe %q but no resolver is configured", id, cc.Universe)
			}
			resolved, err := p.resolver.Resolve(ctx, cc.Universe)
			if err != nil {
				return fmt.Errorf("resolve universe %q for %s: %w", cc.Universe, id, err)
			}
			symbols = resolved
		}

		c := &conn{
			id:      id,
			tickers: make(map[string]struct{}),
			info: ConnectionInfo{
				ID:          id,
				DisplayName: name,
				Status:      StatusDisconnected,
			},
		}

		for _, sym := range symbols {
			if owner, taken := p.tickerToConn[sym]; taken {
				p.logger.Warn("ticker already assigned, keeping first owner",
					"ticker", sym,
					"owner", owner,
					"requested_by", id,
				)
				continue
			}
			p.tickerToConn[sym] = id
			c.tickers[sym] = struct{}{}
		}

		p.conns = append(p.conns, c)
	}

	return nil
}

// connectAll attempts every connection; failures leave the connection in the
// error state and the rest of the pool running.
// clientConfig builds the per-connection client settings, wiring discarded
// frames into the pipeline drop counter.
func (p *Pool) clientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = p.cfg.WSURL
	cfg.AuthToken = p.cfg.AuthToken
	if p.stats != nil {
		cfg.OnDrop = p.stats.EventDropped
	}
	return cfg
}

func (p *Pool) connectAll() {
	clientCfg := p.clientConfig()

	for _, c := range p.conns {
		p.mu.Lock()
		c.info.Status = StatusConnecting
		c.client = p.newClient(clientCfg, p.logger.With("conn_id", c.id))
		p.mu.Unlock()

		if err := c.client.Connect(p.ctx); err != nil {
			p.mu.Lock()
			c.info.Status = StatusError
			c.info.ErrorCount++
			p.mu.Unlock()

			if p.stats != nil {
				p.stats.ConnectionError()
			}
			p.logger.Warn("upstream connect failed",
				"conn_id", c.id,
				"error", err,
			)
			continue
		}

		p.mu.Lock()
		c.info.Status = StatusConnected
		p.mu.Unlock()

		p.sendSubscribe(c)

		p.wg.Add(1)
		go p.readLoop(c)
	}
}

// Stop shuts down all connections.
func (p *Pool) Stop(ctx context.Context) error {
	p.logger.Info("stopping connection pool")

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown timeout, forcing close")
	}

	p.mu.Lock()
	for _, c := range p.conns {
		if c.client != nil {
			c.client.Close()
		}
		c.info.Status = StatusDisconnected
	}
	p.mu.Unlock()

	close(p.ticks)

	p.logger.Info("connection pool stopped")
	return nil
}

// Ticks returns the output channel.
func (p *Pool) Ticks() <-chan Tick {
	return p.ticks
}

// Subscribe assigns unowned tickers to the first connection with spare
// capacity, then sends one subscribe command per touched connection.
func (p *Pool) Subscribe(tickers []string) error {
	touched := make(map[*conn][]string)

	p.mu.Lock()
	for _, t := range tickers {
		if _, taken := p.tickerToConn[t]; taken {
			continue
		}

		var target *conn
		for _, c := range p.conns {
			if len(c.tickers) < p.cfg.MaxTickersPerConn {
				target = c
				break
			}
		}
		if target == nil {
			p.mu.Unlock()
			return fmt.Errorf("assign %s: %w", t, ErrNoCapacity)
		}

		p.tickerToConn[t] = target.id
		target.tickers[t] = struct{}{}
		touched[target] = append(touched[target], t)
	}
	p.mu.Unlock()

	for c, syms := range touched {
		if err := p.sendSubscribeSymbols(c, syms); err != nil {
			p.logger.Warn("subscribe command failed",
				"conn_id", c.id,
				"symbols", len(syms),
				"error", err,
			)
		}
	}

	return nil
}

// TickerAssignment reports the connection owning a ticker.
func (p *Pool) TickerAssignment(ticker string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.tickerToConn[ticker]
	return id, ok
}

// ConnectionTickers lists the tickers on a connection, sorted.
func (p *Pool) ConnectionTickers(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.conns {
		if c.id != id {
			continue
		}
		out := make([]string, 0, len(c.tickers))
		for t := range c.tickers {
			out = append(out, t)
		}
		sort.Strings(out)
		return out
	}
	return nil
}

// HealthStatus snapshots all connection state under one lock acquisition.
func (p *Pool) HealthStatus() HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	hs := HealthStatus{
		TotalConnections: len(p.conns),
		Connections:      make([]ConnectionInfo, 0, len(p.conns)),
	}

	for _, c := range p.conns {
		info := c.info
		info.AssignedTickers = make([]string, 0, len(c.tickers))
		for t := range c.tickers {
			info.AssignedTickers = append(info.AssignedTickers, t)
		}
		sort.Strings(info.AssignedTickers)

		if info.Status == StatusConnected {
			hs.ConnectedCount++
		}
		hs.TotalTicksReceived += info.MessageCount
		hs.TotalErrors += info.ErrorCount
		hs.Connections = append(hs.Connections, info)
	}

	return hs
}

// Ready reports whether any connection is live.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.conns {
		if c.info.Status == StatusConnected {
			return true
		}
	}
	return false
}

// sendSubscribe subscribes a connection to all of its assigned tickers.
func (p *Pool) sendSubscribe(c *conn) {
	p.mu.Lock()
	syms := make([]string, 0, len(c.tickers))
	for t := range c.tickers {
		syms = append(syms, t)
	}
	p.mu.Unlock()

	if len(syms) == 0 {
		return
	}
	sort.Strings(syms)

	if err := p.sendSubscribeSymbols(c, syms); err != nil {
		p.logger.Warn("subscribe command failed",
			"conn_id", c.id,
			"symbols", len(syms),
			"error", err,
		)
	}
}

func (p *Pool) sendSubscribeSymbols(c *conn, symbols []string) error {
	cmd := subscribeCommand{
		Action:  "subscribe",
		Symbols: symbols,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.client.Send(data)
}

// readLoop drains one connection, tagging each message with the connection id.
func (p *Pool) readLoop(c *conn) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return

		case err := <-c.client.Errors():
			p.mu.Lock()
			c.info.Status = StatusError
			c.info.ErrorCount++
			p.mu.Unlock()

			if p.stats != nil {
				p.stats.ConnectionError()
			}
			p.logger.Warn("connection error",
				"conn_id", c.id,
				"error", err,
			)

			p.wg.Add(1)
			go p.reconnect(c)
			return

		case msg, ok := <-c.client.Messages():
			if !ok {
				return
			}

			p.mu.Lock()
			c.info.MessageCount++
			c.info.LastMessageTime = msg.ReceivedAt
			p.mu.Unlock()

			tick := Tick{
				ConnID:     c.id,
				Data:       msg.Data,
				ReceivedAt: msg.ReceivedAt,
			}

			select {
			case p.ticks <- tick:
			case <-p.ctx.Done():
				return
			default:
				if p.stats != nil {
					p.stats.EventDropped()
				}
				p.logger.Warn("tick buffer full, dropping",
					"conn_id", c.id,
				)
			}
		}
	}
}

// reconnect retries a failed connection with capped exponential backoff, then
// resubscribes its tickers and restarts the read loop.
func (p *Pool) reconnect(c *conn) {
	defer p.wg.Done()

	wait := p.cfg.ReconnectBaseWait
	maxWait := p.cfg.ReconnectMaxWait

	clientCfg := p.clientConfig()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(wait):
		}

		p.logger.Info("attempting reconnection", "conn_id", c.id)

		c.client.Close()

		p.mu.Lock()
		c.info.Status = StatusConnecting
		c.client = p.newClient(clientCfg, p.logger.With("conn_id", c.id))
		p.mu.Unlock()

		if err := c.client.Connect(p.ctx); err != nil {
			p.mu.Lock()
			c.info.Status = StatusError
			c.info.ErrorCount++
			p.mu.Unlock()

			if p.stats != nil {
				p.stats.ConnectionError()
			}
			p.logger.Warn("reconnection failed",
				"conn_id", c.id,
				"error", err,
			)

			wait *= 2
			if wait > maxWait {
				wait = maxWait
			}
			continue
		}

		p.mu.Lock()
		c.info.Status = StatusConnected
		p.mu.Unlock()

		p.logger.Info("reconnected", "conn_id", c.id)

		p.sendSubscribe(c)

		p.wg.Add(1)
		go p.readLoop(c)

		return
	}
}
