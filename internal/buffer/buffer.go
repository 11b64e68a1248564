// Package buffer implements time-windowed deduplication for high-frequency
// event classes. Only the most recent message per (symbol, subtype) key
// survives a flush window; intermediate values are intentionally lost.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marketpulse/eventrelay/internal/event"
)

// ForwardFunc delivers a message to the fan-out layer. Used both for flushed
// batches and for the direct path when buffering is disabled.
type ForwardFunc func(t event.Type, payload map[string]any)

// Config holds streaming-buffer settings.
type Config struct {
	Enabled  bool
	Interval time.Duration
	MaxSize  int
}

// Stats is a snapshot of buffer activity.
type Stats struct {
	Flushes    int64
	Overwrites int64
	Bypassed   int64
	Pending    int
}

// key identifies one deduplication slot.
type key struct {
	symbol  string
	subtype string
}

// kind is one high-frequency event class with its own dedup map.
type kind struct {
	eventType  event.Type // direct-forward type
	batchType  event.Type // flushed batch type
	field      string     // batch payload list field
	subtypeKey string     // payload key holding the subtype

	entries map[key]map[string]any
	order   []key
}

func (k *kind) reset() {
	k.entries = make(map[key]map[string]any)
	k.order = k.order[:0]
}

// StreamingBuffer batches pattern and indicator streams. Add calls never
// block on the flush timer.
type StreamingBuffer struct {
	cfg     Config
	forward ForwardFunc
	logger  *slog.Logger

	mu         sync.Mutex
	patterns   *kind
	indicators *kind
	flushes    int64
	overwrites int64
	bypassed   int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a StreamingBuffer delivering through forward.
func New(cfg Config, forward ForwardFunc, logger *slog.Logger) *StreamingBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 500
	}

	s := &StreamingBuffer{
		cfg:     cfg,
		forward: forward,
		logger:  logger.With("component", "buffer"),
		patterns: &kind{
			eventType:  event.TypePatternStreaming,
			batchType:  event.TypePatternBatch,
			field:      "patterns",
			subtypeKey: "pattern",
		},
		indicators: &kind{
			eventType:  event.TypeIndicatorStreaming,
			batchType:  event.TypeIndicatorBatch,
			field:      "indicators",
			subtypeKey: "indicator",
		},
	}
	s.patterns.reset()
	s.indicators.reset()
	return s
}

// buffering reports whether the dedup path is active at all.
func (s *StreamingBuffer) buffering() bool {
	return s.cfg.Enabled && s.cfg.Interval > 0
}

// Start launches the flush timer. A disabled buffer needs no goroutine.
func (s *StreamingBuffer) Start(ctx context.Context) error {
	if !s.buffering() {
		s.logger.Info("streaming buffer disabled, using direct forward path")
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.flushLoop()

	s.logger.Info("streaming buffer started",
		"interval", s.cfg.Interval,
		"max_size", s.cfg.MaxSize,
	)
	return nil
}

// Stop halts the timer and flushes whatever is pending, best effort.
func (s *StreamingBuffer) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("streaming buffer stop timed out")
	}

	s.Flush()
	return nil
}

// AddPattern buffers (or directly forwards) one pattern-stream message.
func (s *StreamingBuffer) AddPattern(msg map[string]any) {
	s.add(s.patterns, msg)
}

// AddIndicator buffers (or directly forwards) one indicator-stream message.
func (s *StreamingBuffer) AddIndicator(msg map[string]any) {
	s.add(s.indicators, msg)
}

func (s *StreamingBuffer) add(k *kind, msg map[string]any) {
	if !s.buffering() {
		s.mu.Lock()
		s.bypassed++
		s.mu.Unlock()
		s.forward(k.eventType, msg)
		return
	}

	symbol, _ := msg["symbol"].(string)
	subtype, _ := msg[k.subtypeKey].(string)
	slot := key{symbol: symbol, subtype: subtype}

	s.mu.Lock()
	if _, exists := k.entries[slot]; exists {
		// Last write wins inside a window.
		s.overwrites++
	} else {
		k.order = append(k.order, slot)
	}
	k.entries[slot] = msg
	full := len(k.entries) >= s.cfg.MaxSize
	var emit []emission
	if full {
		emit = s.collectLocked(k)
	}
	s.mu.Unlock()

	s.deliver(emit)
}

// emission is one flushed batch, built under the lock, sent outside it.
type emission struct {
	batchType event.Type
	payload   map[string]any
}

func (s *StreamingBuffer) collectLocked(k *kind) []emission {
	if len(k.entries) == 0 {
		return nil
	}

	values := make([]map[string]any, 0, len(k.entries))
	for _, slot := range k.order {
		if msg, ok := k.entries[slot]; ok {
			values = append(values, msg)
		}
	}
	k.reset()
	s.flushes++

	return []emission{{
		batchType: k.batchType,
		payload: map[string]any{
			k.field:     values,
			"count":     len(values),
			"timestamp": time.Now().UnixMilli(),
		},
	}}
}

func (s *StreamingBuffer) deliver(emissions []emission) {
	for _, e := range emissions {
		s.forward(e.batchType, e.payload)
	}
}

// Flush emits at most one batch message per kind for whatever is pending.
func (s *StreamingBuffer) Flush() {
	s.mu.Lock()
	emit := append(s.collectLocked(s.patterns), s.collectLocked(s.indicators)...)
	s.mu.Unlock()

	s.deliver(emit)
}

// Stats returns a snapshot of buffer activity.
func (s *StreamingBuffer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Flushes:    s.flushes,
		Overwrites: s.overwrites,
		Bypassed:   s.bypassed,
		Pending:    len(s.patterns.entries) + len(s.indicators.entries),
	}
}

func (s *StreamingBuffer) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}
