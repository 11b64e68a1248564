package pool

import "context"

// Single is the one-connection Provider. It shares the Pool machinery but
// every subscribed ticker lands on its only connection regardless of the
// capacity limit, since there is nowhere else to put it.
type Single struct {
	pool *Pool
}

func (s *Single) Start(ctx context.Context) error { return s.pool.Start(ctx) }
func (s *Single) Stop(ctx context.Context) error  { return s.pool.Stop(ctx) }
func (s *Single) Ticks() <-chan Tick              { return s.pool.Ticks() }
func (s *Single) HealthStatus() HealthStatus      { return s.pool.HealthStatus() }
func (s *Single) Ready() bool                     { return s.pool.Ready() }

func (s *Single) TickerAssignment(ticker string) (string, bool) {
	return s.pool.TickerAssignment(ticker)
}

func (s *Single) ConnectionTickers(id string) []string {
	return s.pool.ConnectionTickers(id)
}

// Subscribe assigns everything to the single connection.
func (s *Single) Subscribe(tickers []string) error {
	p := s.pool

	p.mu.Lock()
	if len(p.conns) == 0 {
		p.mu.Unlock()
		return ErrNoConnections
	}
	c := p.conns[0]

	var added []string
	for _, t := range tickers {
		if _, taken := p.tickerToConn[t]; taken {
			continue
		}
		p.tickerToConn[t] = c.id
		c.tickers[t] = struct{}{}
		added = append(added, t)
	}
	p.mu.Unlock()

	if len(added) == 0 {
		return nil
	}
	return p.sendSubscribeSymbols(c, added)
}
