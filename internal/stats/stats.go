// Package stats provides the cross-cutting pipeline counters: written by the
// subscriber, router, buffer and broadcaster, read by the health endpoint and
// the periodic metrics broadcast.
package stats

import (
	"sync"
	"time"
)

// Health status values reported to the UI layer.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// Thresholds for status derivation.
const (
	degradedConnectionErrors = 5
	warningDropRatio         = 0.10
)

// Collector accumulates pipeline counters. All methods are safe for
// concurrent use; writes are cheap increments under a single mutex.
type Collector struct {
	mu sync.Mutex

	running   bool
	startedAt time.Time

	eventsReceived   int64
	eventsProcessed  int64
	eventsForwarded  int64
	eventsDropped    int64
	connectionErrors int64
	rateLimited      int64
	lastEventTime    time.Time
}

// NewCollector creates a Collector. The runtime clock starts at MarkRunning.
func NewCollector() *Collector {
	return &Collector{}
}

// MarkRunning records service start.
func (c *Collector) MarkRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		c.running = true
		c.startedAt = time.Now()
	}
}

// MarkStopped records service stop.
func (c *Collector) MarkStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

// EventReceived counts one raw bus message and stamps the last-event time.
func (c *Collector) EventReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventsReceived++
	c.lastEventTime = time.Now()
}

// EventProcessed counts one successfully normalized event.
func (c *Collector) EventProcessed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventsProcessed++
}

// EventForwarded counts one event handed to the delivery layer.
func (c *Collector) EventForwarded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventsForwarded++
}

// EventDropped counts one dropped event. Every drop must be logged with a
// reason at the call site; this only keeps the tally.
func (c *Collector) EventDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventsDropped++
}

// ConnectionError counts one transport-level failure.
func (c *Collector) ConnectionError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionErrors++
}

// RateLimited counts one event withheld by a per-user rate limiter. Tracked
// separately from drops: the event was delivered to other recipients.
func (c *Collector) RateLimited() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimited++
}

// Snapshot is a consistent copy of all counters.
type Snapshot struct {
	EventsReceived   int64   `json:"eventsReceived"`
	EventsProcessed  int64   `json:"eventsProcessed"`
	EventsForwarded  int64   `json:"eventsForwarded"`
	EventsDropped    int64   `json:"eventsDropped"`
	ConnectionErrors int64   `json:"connectionErrors"`
	RateLimited      int64   `json:"rateLimited"`
	LastEventTime    int64   `json:"lastEventTime"` // ms since epoch, 0 if none
	RuntimeSeconds   float64 `json:"runtimeSeconds"`
	EventsPerSecond  float64 `json:"eventsPerSecond"`
}

// Snapshot returns the current counters. Repeated calls without intervening
// writes return identical counter values.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() Snapshot {
	s := Snapshot{
		EventsReceived:   c.eventsReceived,
		EventsProcessed:  c.eventsProcessed,
		EventsForwarded:  c.eventsForwarded,
		EventsDropped:    c.eventsDropped,
		ConnectionErrors: c.connectionErrors,
		RateLimited:      c.rateLimited,
	}
	if !c.lastEventTime.IsZero() {
		s.LastEventTime = c.lastEventTime.UnixMilli()
	}
	if c.running {
		runtime := time.Since(c.startedAt).Seconds()
		s.RuntimeSeconds = runtime
		if runtime > 0 {
			s.EventsPerSecond = float64(c.eventsProcessed) / runtime
		}
	}
	return s
}

// Health combines counters with a derived status.
type Health struct {
	Status         string   `json:"status"`
	Stats          Snapshot `json:"stats"`
	UpstreamOnline bool     `json:"upstreamOnline"`
}

// Health derives the service status from the counters. End users only ever
// see this surface; raw internal errors stay in the logs.
func (c *Collector) Health(upstreamOnline bool) Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.snapshotLocked()
	status := StatusHealthy
	switch {
	case !c.running:
		status = StatusError
	case c.connectionErrors > degradedConnectionErrors:
		status = StatusDegraded
	case s.EventsReceived > 0 && float64(s.EventsDropped)/float64(s.EventsReceived) > warningDropRatio:
		status = StatusWarning
	case !upstreamOnline:
		status = StatusWarning
	}

	return Health{
		Status:         status,
		Stats:          s,
		UpstreamOnline: upstreamOnline,
	}
}
