package monitor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1vbutkus/fish-sub000/internal/stream"
)

// fakeClock provides a controllable time source for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

type fakeCircuit struct{ state atomic.Int32 }

func (f *fakeCircuit) Circuit() stream.CircuitState { return stream.CircuitState(f.state.Load()) }

func newTestGate(clock *fakeClock) *Gate {
	g := NewGate(GateConfig{
		StaleAfter:            1000 * time.Millisecond,
		CoolOff:               2 * time.Second,
		MaxCrossCheckFailures: 2,
	}, nil)
	g.nowFunc = clock.Now
	return g
}

func TestGate_CircuitOpen(t *testing.T) {
	clock := newFakeClock(time.Now())
	g := newTestGate(clock)

	conn := &fakeCircuit{}
	conn.state.Store(int32(stream.CircuitOpen))
	g.WatchConnection("market", conn)

	g.RecordRefresh("mkt-1", clock.Now())
	if st := g.Status("mkt-1"); st.CanTrade || st.Reason != ReasonCircuitOpen {
		t.Fatalf("expected circuit open block, got %+v", st)
	}

	conn.state.Store(int32(stream.CircuitClosed))
	if st := g.Status("mkt-1"); st.Reason != ReasonCoolOff {
		t.Fatalf("expected cool-off after first refresh, got %+v", st)
	}

	clock.Advance(3 * time.Second)
	g.RecordRefresh("mkt-1", clock.Now())
	if !g.CanTrade("mkt-1") {
		t.Fatalf("expected CanTrade after circuit closed and cool-off, got %+v", g.Status("mkt-1"))
	}
}

func TestGate_NoData(t *testing.T) {
	g := newTestGate(newFakeClock(time.Now()))
	if st := g.Status("unknown"); st.CanTrade || st.Reason != ReasonNoData {
		t.Fatalf("expected no data block, got %+v", st)
	}
}

func TestGate_Stale(t *testing.T) {
	clock := newFakeClock(time.Now())
	g := newTestGate(clock)

	g.RecordRefresh("FED-DEC", clock.Now())
	clock.Advance(3 * time.Second)
	g.RecordRefresh("FED-DEC", clock.Now())
	if !g.CanTrade("FED-DEC") {
		t.Fatal("expected CanTrade=true for a fresh refresh")
	}

	clock.Advance(1500 * time.Millisecond)
	if st := g.Status("FED-DEC"); st.Reason != ReasonStale {
		t.Fatalf("expected stale block 1500ms after refresh, got %+v", st)
	}
}

func TestGate_MarkStaleRestartsCoolOff(t *testing.T) {
	clock := newFakeClock(time.Now())
	g := newTestGate(clock)

	g.RecordRefresh("mkt-cool", clock.Now())
	clock.Advance(3 * time.Second)
	g.RecordRefresh("mkt-cool", clock.Now())
	if !g.CanTrade("mkt-cool") {
		t.Fatal("expected CanTrade=true before MarkStale")
	}

	g.MarkStale("mkt-cool")
	if st := g.Status("mkt-cool"); st.Reason != ReasonMarkedFaulty {
		t.Fatalf("expected marked-unhealthy block, got %+v", st)
	}

	clock.Advance(100 * time.Millisecond)
	g.RecordRefresh("mkt-cool", clock.Now())
	if st := g.Status("mkt-cool"); st.Reason != ReasonCoolOff {
		t.Fatalf("expected cool-off after recovery, got %+v", st)
	}

	clock.Advance(2100 * time.Millisecond)
	g.RecordRefresh("mkt-cool", clock.Now())
	if !g.CanTrade("mkt-cool") {
		t.Fatal("expected CanTrade=true after cool-off elapsed")
	}
}

func TestGate_CrossCheckEscalation(t *testing.T) {
	clock := newFakeClock(time.Now())
	g := newTestGate(clock)

	g.RecordRefresh("mkt-x", clock.Now())
	clock.Advance(3 * time.Second)
	g.RecordRefresh("mkt-x", clock.Now())

	g.RecordCrossCheck("mkt-x", false)
	if !g.CanTrade("mkt-x") {
		t.Fatal("a single cross-check failure should not block")
	}
	g.RecordCrossCheck("mkt-x", false)
	if st := g.Status("mkt-x"); st.Reason != ReasonCrossCheck {
		t.Fatalf("expected cross-check block, got %+v", st)
	}
	g.RecordCrossCheck("mkt-x", true)
	if !g.CanTrade("mkt-x") {
		t.Fatal("a passing cross-check should reset the count")
	}
}

func TestGate_ManualHalt(t *testing.T) {
	clock := newFakeClock(time.Now())
	g := newTestGate(clock)

	g.RecordRefresh("mkt-halt", clock.Now())
	clock.Advance(3 * time.Second)
	g.RecordRefresh("mkt-halt", clock.Now())
	if !g.CanTrade("mkt-halt") {
		t.Fatal("expected CanTrade=true before halt")
	}

	g.ManualHalt()
	if st := g.Status("mkt-halt"); st.Reason != ReasonHalted {
		t.Fatalf("expected halt block, got %+v", st)
	}
	g.Resume()
	if !g.CanTrade("mkt-halt") {
		t.Fatal("expected CanTrade=true after Resume")
	}
}
