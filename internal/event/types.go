package event

import (
	"sort"
	"time"
)

// Type identifies the class of an event.
type Type string

// Event types produced by the upstream analytics producer.
const (
	TypePatternAlert       Type = "pattern_alert"
	TypePatternStreaming   Type = "pattern_streaming"
	TypeIndicatorAlert     Type = "indicator_alert"
	TypeIndicatorStreaming Type = "indicator_streaming"
	TypeBacktestProgress   Type = "backtest_progress"
	TypeBacktestResult     Type = "backtest_result"
	TypeScannerResult      Type = "scanner_result"
	TypeScannerStatus      Type = "scanner_status"
	TypeMarketStatus       Type = "market_status"
	TypeTickUpdate         Type = "tick_update"
	TypeWatchlistUpdate    Type = "watchlist_update"
	TypeTradeSignal        Type = "trade_signal"
	TypeNewsItem           Type = "news_item"
	TypeUserAlert          Type = "user_alert"
	TypeProducerHealth     Type = "producer_health"
	TypeNotification       Type = "notification"
)

// Event types synthesized by this service (outbound only).
const (
	TypeEventBatch      Type = "event_batch"
	TypePatternBatch    Type = "streaming_patterns_batch"
	TypeIndicatorBatch  Type = "streaming_indicators_batch"
	TypeMetricsUpdate   Type = "metrics_update"
	TypeOfflineReplay   Type = "offline_replay"
	TypeSessionWelcome  Type = "session_welcome"
)

// ChannelTable maps exact bus channel names to event types. The subscriber
// issues one subscription covering every key in this table.
var ChannelTable = map[string]Type{
	"events:patterns":             TypePatternAlert,
	"events:patterns:streaming":   TypePatternStreaming,
	"events:indicators":           TypeIndicatorAlert,
	"events:indicators:streaming": TypeIndicatorStreaming,
	"events:backtest:progress":    TypeBacktestProgress,
	"events:backtest:result":      TypeBacktestResult,
	"events:scanner:results":      TypeScannerResult,
	"events:scanner:status":       TypeScannerStatus,
	"events:market:status":        TypeMarketStatus,
	"events:market:ticks":         TypeTickUpdate,
	"events:watchlist":            TypeWatchlistUpdate,
	"events:signals":              TypeTradeSignal,
	"events:news":                 TypeNewsItem,
	"events:alerts":               TypeUserAlert,
	"events:system:health":        TypeProducerHealth,
	"events:notifications":        TypeNotification,
}

// Channels returns the full channel list in deterministic order.
func Channels() []string {
	out := make([]string, 0, len(ChannelTable))
	for ch := range ChannelTable {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Event is one normalized unit of information derived from a bus message.
// Immutable once produced; consumed exactly once by the router.
type Event struct {
	Type      Type
	Source    string
	Timestamp time.Time
	Channel   string
	Payload   map[string]any
}

// Priority orders events within a delivery batch. Higher values are placed
// first at flush time; priority never bypasses rate limiting.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// PriorityFor returns the delivery priority for an event type.
func PriorityFor(t Type) Priority {
	switch t {
	case TypeUserAlert, TypeProducerHealth:
		return PriorityCritical
	case TypePatternAlert, TypeIndicatorAlert, TypeTradeSignal:
		return PriorityHigh
	case TypeBacktestResult, TypeScannerResult, TypeMarketStatus:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
