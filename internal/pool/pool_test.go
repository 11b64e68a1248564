package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marketpulse/eventrelay/internal/stats"
	"github.com/marketpulse/eventrelay/internal/universe"
)

// fakeClient satisfies Client without a network.
type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	sent       [][]byte

	messages chan TimestampedMessage
	errors   chan error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messages: make(chan TimestampedMessage, 100),
		errors:   make(chan error, 1),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.messages }
func (f *fakeClient) Errors() <-chan error                { return f.errors }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeFactory hands out pre-built clients in connection order.
type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	next    int
}

func (ff *fakeFactory) new(cfg ClientConfig, logger *slog.Logger) Client {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.next >= len(ff.clients) {
		c := newFakeClient()
		ff.clients = append(ff.clients, c)
	}
	c := ff.clients[ff.next]
	ff.next++
	return c
}

func testPool(t *testing.T, cfg Config, factory *fakeFactory) *Pool {
	t.Helper()
	p := newPool(cfg, nil, stats.NewCollector(), slog.Default())
	p.newClient = factory.new
	return p
}

func TestPartialConnectFailureIsNotFatal(t *testing.T) {
	good := newFakeClient()
	bad := newFakeClient()
	bad.connectErr = errors.New("dial refused")

	cfg := Config{
		WSURL: "ws://example.test/feed",
		Connections: []ConnConfig{
			{Name: "primary", Symbols: []string{"NVDA", "AAPL"}},
			{Name: "secondary", Symbols: []string{"TSLA"}},
		},
	}
	p := testPool(t, cfg, &fakeFactory{clients: []*fakeClient{good, bad}})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	hs := p.HealthStatus()
	if hs.TotalConnections != 2 {
		t.Errorf("totalConnections = %d, want 2", hs.TotalConnections)
	}
	if hs.ConnectedCount != 1 {
		t.Errorf("connectedCount = %d, want 1", hs.ConnectedCount)
	}
	if hs.Connections[0].Status != StatusConnected {
		t.Errorf("conn-1 status = %s, want connected", hs.Connections[0].Status)
	}
	if hs.Connections[1].Status != StatusError {
		t.Errorf("conn-2 status = %s, want error", hs.Connections[1].Status)
	}

	// Assignments survive the failed connection.
	if id, ok := p.TickerAssignment("TSLA"); !ok || id != "conn-2" {
		t.Errorf("TSLA assignment = %q, %v", id, ok)
	}
	if hs.TotalErrors != 1 {
		t.Errorf("totalErrors = %d, want 1", hs.TotalErrors)
	}
}

func TestDuplicateTickerKeepsFirstOwner(t *testing.T) {
	cfg := Config{
		WSURL: "ws://example.test/feed",
		Connections: []ConnConfig{
			{Name: "a", Symbols: []string{"NVDA"}},
			{Name: "b", Symbols: []string{"NVDA", "AMD"}},
		},
	}
	p := testPool(t, cfg, &fakeFactory{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	if id, _ := p.TickerAssignment("NVDA"); id != "conn-1" {
		t.Errorf("NVDA owner = %s, want conn-1", id)
	}
	if got := p.ConnectionTickers("conn-2"); len(got) != 1 || got[0] != "AMD" {
		t.Errorf("conn-2 tickers = %v, want [AMD]", got)
	}
}

func TestUniverseResolution(t *testing.T) {
	res := universe.NewStaticResolver(map[string][]string{
		"megacap": {"NVDA", "AAPL", "MSFT"},
	})

	cfg := Config{
		WSURL: "ws://example.test/feed",
		Connections: []ConnConfig{
			{Name: "megacap feed", Universe: "megacap"},
			{Name: "extras", Symbols: []string{"TSLA"}},
		},
	}
	p := newPool(cfg, res, nil, slog.Default())
	p.newClient = (&fakeFactory{}).new

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	got := p.ConnectionTickers("conn-1")
	if len(got) != 3 {
		t.Fatalf("conn-1 tickers = %v, want 3 symbols", got)
	}
	if id, _ := p.TickerAssignment("MSFT"); id != "conn-1" {
		t.Errorf("MSFT owner = %s, want conn-1", id)
	}
}

func TestUnknownUniverseFailsStart(t *testing.T) {
	res := universe.NewStaticResolver(nil)
	cfg := Config{
		WSURL:       "ws://example.test/feed",
		Connections: []ConnConfig{{Universe: "nope"}, {Symbols: []string{"A"}}},
	}
	p := newPool(cfg, res, nil, slog.Default())
	p.newClient = (&fakeFactory{}).new

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail on unknown universe")
	}
}

func TestTicksTaggedWithConnectionID(t *testing.T) {
	c1 := newFakeClient()
	c2 := newFakeClient()

	cfg := Config{
		WSURL: "ws://example.test/feed",
		Connections: []ConnConfig{
			{Symbols: []string{"NVDA"}},
			{Symbols: []string{"TSLA"}},
		},
	}
	p := testPool(t, cfg, &fakeFactory{clients: []*fakeClient{c1, c2}})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	c2.messages <- TimestampedMessage{Data: []byte(`{"symbol":"TSLA"}`), ReceivedAt: time.Now()}

	select {
	case tick := <-p.Ticks():
		if tick.ConnID != "conn-2" {
			t.Errorf("tick.ConnID = %s, want conn-2", tick.ConnID)
		}
		if string(tick.Data) != `{"symbol":"TSLA"}` {
			t.Errorf("tick.Data = %s", tick.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for tick")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if hs := p.HealthStatus(); hs.TotalTicksReceived == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tick count never incremented")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscribeFirstAvailableCapacity(t *testing.T) {
	c1 := newFakeClient()
	c2 := newFakeClient()

	cfg := Config{
		WSURL:             "ws://example.test/feed",
		MaxTickersPerConn: 2,
		Connections: []ConnConfig{
			{Symbols: []string{"NVDA"}},
			{Symbols: []string{"TSLA"}},
		},
	}
	p := testPool(t, cfg, &fakeFactory{clients: []*fakeClient{c1, c2}})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	// conn-1 has one slot left; the second new ticker spills to conn-2.
	if err := p.Subscribe([]string{"AAPL", "AMD"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if id, _ := p.TickerAssignment("AAPL"); id != "conn-1" {
		t.Errorf("AAPL owner = %s, want conn-1", id)
	}
	if id, _ := p.TickerAssignment("AMD"); id != "conn-2" {
		t.Errorf("AMD owner = %s, want conn-2", id)
	}

	// Both connections are now full.
	if err := p.Subscribe([]string{"MSFT"}); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity, got %v", err)
	}

	// Already assigned tickers are a no-op.
	if err := p.Subscribe([]string{"NVDA"}); err != nil {
		t.Errorf("resubscribe existing: %v", err)
	}
}

func TestSubscribeCommandSentOnConnect(t *testing.T) {
	c1 := newFakeClient()

	cfg := Config{
		WSURL:       "ws://example.test/feed",
		Connections: []ConnConfig{{Symbols: []string{"NVDA", "AAPL"}}, {Symbols: []string{"TSLA"}}},
	}
	p := testPool(t, cfg, &fakeFactory{clients: []*fakeClient{c1}})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	if got := c1.sentCount(); got != 1 {
		t.Fatalf("sent commands = %d, want 1", got)
	}
	c1.mu.Lock()
	cmd := string(c1.sent[0])
	c1.mu.Unlock()
	want := `{"action":"subscribe","symbols":["AAPL","NVDA"]}`
	if cmd != want {
		t.Errorf("command = %s, want %s", cmd, want)
	}
}

func TestSingleTakesAllTickers(t *testing.T) {
	c1 := newFakeClient()

	cfg := Config{
		WSURL:             "ws://example.test/feed",
		MaxTickersPerConn: 2,
		Connections:       []ConnConfig{{Symbols: []string{"NVDA", "AAPL"}}},
	}
	prov, err := New(cfg, nil, nil, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	single, ok := prov.(*Single)
	if !ok {
		t.Fatalf("expected *Single for one connection, got %T", prov)
	}
	single.pool.newClient = (&fakeFactory{clients: []*fakeClient{c1}}).new

	if err := single.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer single.Stop(context.Background())

	// Capacity does not apply when there is only one place to go.
	if err := single.Subscribe([]string{"TSLA", "AMD", "MSFT"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if got := len(single.ConnectionTickers("conn-1")); got != 5 {
		t.Errorf("conn-1 ticker count = %d, want 5", got)
	}
}

func TestNewSelectsPoolVariant(t *testing.T) {
	cfg := Config{
		WSURL: "ws://example.test/feed",
		Connections: []ConnConfig{
			{Symbols: []string{"A"}},
			{Symbols: []string{"B"}},
		},
	}
	prov, err := New(cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := prov.(*Pool); !ok {
		t.Errorf("expected *Pool for two connections, got %T", prov)
	}

	if _, err := New(Config{}, nil, nil, nil); !errors.Is(err, ErrNoConnections) {
		t.Errorf("expected ErrNoConnections, got %v", err)
	}
}

func TestConcurrentReadersDoNotRace(t *testing.T) {
	c1 := newFakeClient()

	cfg := Config{
		WSURL:       "ws://example.test/feed",
		Connections: []ConnConfig{{Symbols: []string{"NVDA"}}, {Symbols: []string{"TSLA"}}},
	}
	p := testPool(t, cfg, &fakeFactory{clients: []*fakeClient{c1}})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.HealthStatus()
				p.TickerAssignment("NVDA")
				p.ConnectionTickers("conn-1")
			}
		}()
	}
	for i := 0; i < 50; i++ {
		c1.messages <- TimestampedMessage{Data: []byte("{}"), ReceivedAt: time.Now()}
	}
	wg.Wait()

	p.Stop(context.Background())
}

func TestFullTickBufferDropsAreCounted(t *testing.T) {
	c1 := newFakeClient()

	cfg := Config{
		WSURL:     "ws://example.test/feed",
		QueueSize: 1,
		Connections: []ConnConfig{
			{Symbols: []string{"AAPL"}},
		},
	}
	p := testPool(t, cfg, &fakeFactory{clients: []*fakeClient{c1}})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	// Nobody reads Ticks(), so only the first message fits the queue.
	for i := 0; i < 3; i++ {
		c1.messages <- TimestampedMessage{Data: []byte(`{"symbol":"AAPL","price":1}`), ReceivedAt: time.Now()}
	}

	deadline := time.Now().Add(time.Second)
	for {
		if p.stats.Snapshot().EventsDropped == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("eventsDropped = %d, want 2", p.stats.Snapshot().EventsDropped)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
