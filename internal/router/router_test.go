package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marketpulse/eventrelay/internal/event"
	"github.com/marketpulse/eventrelay/internal/pool"
	"github.com/marketpulse/eventrelay/internal/stats"
)

type sinkCall struct {
	t       event.Type
	payload map[string]any
	users   []string
	prio    event.Priority
}

type fakeSink struct {
	mu       sync.Mutex
	usersErr error
	targeted []sinkCall
	all      []sinkCall
}

func (f *fakeSink) BroadcastToUsers(t event.Type, payload map[string]any, userIDs []string, priority event.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usersErr != nil {
		return f.usersErr
	}
	f.targeted = append(f.targeted, sinkCall{t: t, payload: payload, users: userIDs, prio: priority})
	return nil
}

func (f *fakeSink) BroadcastToRoom(room string, t event.Type, payload map[string]any, priority event.Priority) {
}

func (f *fakeSink) BroadcastAll(t event.Type, payload map[string]any, priority event.Priority) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = append(f.all, sinkCall{t: t, payload: payload, prio: priority})
}

func (f *fakeSink) allCalls() []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sinkCall, len(f.all))
	copy(out, f.all)
	return out
}

type fakeBuffer struct {
	mu         sync.Mutex
	patterns   []map[string]any
	indicators []map[string]any
}

func (f *fakeBuffer) AddPattern(msg map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, msg)
}

func (f *fakeBuffer) AddIndicator(msg map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indicators = append(f.indicators, msg)
}

type fakeAssignments struct {
	ready bool
	owner map[string]string
}

func (f *fakeAssignments) TickerAssignment(ticker string) (string, bool) {
	id, ok := f.owner[ticker]
	return id, ok
}

func (f *fakeAssignments) Ready() bool { return f.ready }

func newTestRouter(sink *fakeSink, buf *fakeBuffer, collector *stats.Collector) *router {
	return New(nil, nil, buf, sink, collector, nil).(*router)
}

func TestStreamingTypesFeedBuffer(t *testing.T) {
	sink := &fakeSink{}
	buf := &fakeBuffer{}
	r := newTestRouter(sink, buf, nil)

	r.dispatch(event.Event{
		Type:    event.TypePatternStreaming,
		Payload: map[string]any{"symbol": "NVDA", "pattern": "Doji"},
	})
	r.dispatch(event.Event{
		Type:    event.TypeIndicatorStreaming,
		Payload: map[string]any{"symbol": "NVDA", "indicator": "RSI"},
	})

	if len(buf.patterns) != 1 || buf.patterns[0]["pattern"] != "Doji" {
		t.Errorf("patterns = %v", buf.patterns)
	}
	if len(buf.indicators) != 1 || buf.indicators[0]["indicator"] != "RSI" {
		t.Errorf("indicators = %v", buf.indicators)
	}
	if len(sink.allCalls()) != 0 {
		t.Error("streaming events must not reach the broadcast path directly")
	}
}

func TestAlertGoesToTargetedUsers(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRouter(sink, &fakeBuffer{}, nil)

	r.dispatch(event.Event{
		Type:    event.TypePatternAlert,
		Payload: map[string]any{"symbol": "NVDA", "pattern": "BreakoutBO", "userId": "alice"},
	})

	if len(sink.targeted) != 1 {
		t.Fatalf("targeted calls = %d, want 1", len(sink.targeted))
	}
	call := sink.targeted[0]
	if len(call.users) != 1 || call.users[0] != "alice" {
		t.Errorf("targets = %v, want [alice]", call.users)
	}
	if call.prio != event.PriorityFor(event.TypePatternAlert) {
		t.Errorf("priority = %v", call.prio)
	}
}

func TestTargetedFailureFallsBackToBroadcast(t *testing.T) {
	sink := &fakeSink{usersErr: errors.New("delivery failed")}
	r := newTestRouter(sink, &fakeBuffer{}, nil)

	r.dispatch(event.Event{
		Type:    event.TypeUserAlert,
		Payload: map[string]any{"symbol": "NVDA", "userId": "alice"},
	})

	calls := sink.allCalls()
	if len(calls) != 1 {
		t.Fatalf("fallback broadcasts = %d, want 1", len(calls))
	}
	if calls[0].t != event.TypeUserAlert {
		t.Errorf("fallback type = %s", calls[0].t)
	}
	if st := r.Stats(); st.TargetedFallbacks != 1 {
		t.Errorf("targetedFallbacks = %d, want 1", st.TargetedFallbacks)
	}
}

func TestProgressEventsBroadcastToAll(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRouter(sink, &fakeBuffer{}, nil)

	r.dispatch(event.Event{
		Type:    event.TypeBacktestProgress,
		Payload: map[string]any{"pct": 50.0},
	})
	r.dispatch(event.Event{
		Type:    event.TypeScannerStatus,
		Payload: map[string]any{"state": "running"},
	})

	if got := len(sink.allCalls()); got != 2 {
		t.Errorf("broadcast-all calls = %d, want 2", got)
	}
}

func TestUnknownTypeDroppedAndCounted(t *testing.T) {
	collector := stats.NewCollector()
	sink := &fakeSink{}
	r := newTestRouter(sink, &fakeBuffer{}, collector)

	r.dispatch(event.Event{Type: event.Type("mystery"), Payload: map[string]any{}})

	if st := r.Stats(); st.UnknownEvents != 1 {
		t.Errorf("unknownEvents = %d, want 1", st.UnknownEvents)
	}
	if snap := collector.Snapshot(); snap.EventsDropped != 1 {
		t.Errorf("eventsDropped = %d, want 1", snap.EventsDropped)
	}
	if len(sink.allCalls()) != 0 {
		t.Error("unknown events must not be broadcast")
	}
}

func TestTickEnrichmentDefaultsWhenPoolNotReady(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRouter(sink, &fakeBuffer{}, nil)

	// No assignments wired at all.
	r.dispatch(event.Event{
		Type:    event.TypeTickUpdate,
		Payload: map[string]any{"symbol": "NVDA", "price": 920.5},
	})

	// Wired but not yet connected.
	r.SetAssignments(&fakeAssignments{ready: false})
	r.dispatch(event.Event{
		Type:    event.TypeTickUpdate,
		Payload: map[string]any{"symbol": "TSLA", "price": 250.0},
	})

	calls := sink.allCalls()
	if len(calls) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(calls))
	}
	for _, c := range calls {
		if c.payload["connectionId"] != "conn-1" {
			t.Errorf("connectionId = %v, want conn-1", c.payload["connectionId"])
		}
	}
}

func TestTickEnrichmentUsesAssignment(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRouter(sink, &fakeBuffer{}, nil)
	r.SetAssignments(&fakeAssignments{
		ready: true,
		owner: map[string]string{"TSLA": "conn-2"},
	})

	r.dispatch(event.Event{
		Type:    event.TypeTickUpdate,
		Payload: map[string]any{"symbol": "TSLA", "price": 250.0},
	})
	r.dispatch(event.Event{
		Type:    event.TypeTickUpdate,
		Payload: map[string]any{"symbol": "UNASSIGNED", "price": 1.0},
	})

	calls := sink.allCalls()
	if calls[0].payload["connectionId"] != "conn-2" {
		t.Errorf("assigned connectionId = %v, want conn-2", calls[0].payload["connectionId"])
	}
	if calls[1].payload["connectionId"] != "conn-1" {
		t.Errorf("unassigned connectionId = %v, want conn-1", calls[1].payload["connectionId"])
	}
}

func TestUpstreamTicksTaggedAndRouted(t *testing.T) {
	sink := &fakeSink{}
	ticks := make(chan pool.Tick, 2)
	events := make(chan event.Event)
	r := New(events, ticks, &fakeBuffer{}, sink, stats.NewCollector(), nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	ticks <- pool.Tick{ConnID: "conn-3", Data: []byte(`{"symbol":"NVDA","price":920.5}`), ReceivedAt: time.Now()}
	ticks <- pool.Tick{ConnID: "conn-3", Data: []byte(`not json`), ReceivedAt: time.Now()}

	deadline := time.Now().Add(time.Second)
	for {
		if len(sink.allCalls()) >= 1 && r.Stats().ParseErrors >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tick not routed: calls=%d stats=%+v", len(sink.allCalls()), r.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}

	call := sink.allCalls()[0]
	if call.t != event.TypeTickUpdate {
		t.Errorf("type = %s, want tick_update", call.t)
	}
	if call.payload["connectionId"] != "conn-3" {
		t.Errorf("connectionId = %v, want conn-3", call.payload["connectionId"])
	}
	if st := r.Stats(); st.TicksRouted != 1 || st.ParseErrors != 1 {
		t.Errorf("stats = %+v, want 1 routed and 1 parse error", st)
	}
}

func TestTargetUserExtraction(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    []string
	}{
		{"camel list", map[string]any{"userIds": []any{"a", "b"}}, []string{"a", "b"}},
		{"snake list", map[string]any{"user_ids": []any{"c"}}, []string{"c"}},
		{"camel scalar", map[string]any{"userId": "d"}, []string{"d"}},
		{"snake scalar", map[string]any{"user_id": "e"}, []string{"e"}},
		{"none", map[string]any{"symbol": "NVDA"}, nil},
		{"empty string", map[string]any{"userId": ""}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := targetUsers(tt.payload)
			if len(got) != len(tt.want) {
				t.Fatalf("targetUsers = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("targetUsers[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}
