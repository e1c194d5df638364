package autobaud

import (
	"errors"
	"testing"
	"time"
)

type scriptedEdge struct {
	at   time.Duration // virtual time since the clock was created
	tick uint16
}

// fakeClock advances virtual time on Sleep and fires scripted edges whose
// time has come.
type fakeClock struct {
	start  time.Time
	now    time.Time
	hw     *fakeHW
	edges  []scriptedEdge
	slept  time.Duration
	sleeps int
}

func newFakeClock(hw *fakeHW, edges ...scriptedEdge) *fakeClock {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &fakeClock{start: start, now: start, hw: hw, edges: edges}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
	c.slept += d
	c.sleeps++
	for len(c.edges) > 0 && c.now.Sub(c.start) >= c.edges[0].at {
		c.hw.edge(c.edges[0].tick)
		c.edges = c.edges[1:]
	}
}

// syncByte schedules five falling edges two bit-periods (ticks) apart, the
// first one at `at`.
func syncByte(at time.Duration, first, ticks uint16) []scriptedEdge {
	var edges []scriptedEdge
	for i := 0; i < 5; i++ {
		edges = append(edges, scriptedEdge{
			at:   at + time.Duration(i)*200*time.Microsecond,
			tick: first + uint16(i)*ticks,
		})
	}
	return edges
}

func newTestEngine(edges ...scriptedEdge) (*Engine, *fakeHW, *fakeClock) {
	hw := &fakeHW{}
	clock := newFakeClock(hw, edges...)
	e := NewEngine(hw, Config{
		TimerClockHz: 20_000_000,
		Prescaler:    Prescale8,
		Clock:        clock,
	})
	return e, hw, clock
}

func TestSynchronizeSupportedRates(t *testing.T) {
	tests := []struct {
		name       string
		ticks      uint16
		wantActual uint32
		wantNormal uint32
	}{
		// 2 / (ticks * 0.4us)
		{"4800", 1042, 4798, Baud4800},
		{"9600", 520, 9615, Baud9600},
		{"10400", 481, 10395, Baud10400},
		{"10400 fast", 480, 10416, Baud10400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, hw, _ := newTestEngine(syncByte(3*time.Millisecond, 1000, tt.ticks)...)
			out := e.Synchronize(time.Second)

			if out.Status != StatusSuccess {
				t.Fatalf("status = %v, want success (%+v)", out.Status, out)
			}
			if out.ActualBaud != tt.wantActual {
				t.Errorf("actual = %d, want %d", out.ActualBaud, tt.wantActual)
			}
			if out.NormalizedBaud != tt.wantNormal {
				t.Errorf("normalized = %d, want %d", out.NormalizedBaud, tt.wantNormal)
			}
			if out.Edges != 5 {
				t.Errorf("edges = %d, want 5", out.Edges)
			}
			if out.Err() != nil {
				t.Errorf("Err() = %v, want nil", out.Err())
			}
			if hw.isr != nil || hw.counting {
				t.Error("capture still enabled after Synchronize")
			}
		})
	}
}

func TestSynchronizeCounterWraparound(t *testing.T) {
	e, _, _ := newTestEngine(syncByte(time.Millisecond, 0xFF00, 520)...)
	out := e.Synchronize(time.Second)
	if out.Status != StatusSuccess || out.NormalizedBaud != Baud9600 {
		t.Fatalf("outcome = %+v, want 9600", out)
	}
}

func TestSynchronizeBadBaud(t *testing.T) {
	// 710 ticks = 284us for two bits, about 7042 baud: between the bands.
	e, _, _ := newTestEngine(syncByte(2*time.Millisecond, 0, 710)...)
	out := e.Synchronize(time.Second)

	if out.Status != StatusBadBaud {
		t.Fatalf("status = %v, want bad-baud", out.Status)
	}
	if out.ActualBaud != 7042 {
		t.Errorf("actual = %d, want 7042", out.ActualBaud)
	}
	if out.NormalizedBaud != 0 {
		t.Errorf("normalized = %d, want 0", out.NormalizedBaud)
	}
	var bad *BadBaudError
	if !errors.As(out.Err(), &bad) || bad.ActualBaud != 7042 {
		t.Errorf("Err() = %v, want BadBaudError{7042}", out.Err())
	}
}

func TestSynchronizeTimeout(t *testing.T) {
	e, hw, clock := newTestEngine()
	out := e.Synchronize(100 * time.Millisecond)

	if out.Status != StatusTimeout {
		t.Fatalf("status = %v, want timeout", out.Status)
	}
	if !errors.Is(out.Err(), ErrSyncTimeout) {
		t.Errorf("Err() = %v, want ErrSyncTimeout", out.Err())
	}
	if e.timer.reads != 0 {
		t.Errorf("capture state read %d times on timeout, want 0", e.timer.reads)
	}
	if e.timer.Armed() || hw.isr != nil {
		t.Error("timer left armed after timeout")
	}
	if clock.slept < 100*time.Millisecond || clock.slept > 101*time.Millisecond {
		t.Errorf("waited %v, want about 100ms", clock.slept)
	}
}

func TestSynchronizeIgnoresEdgesAfterTimeout(t *testing.T) {
	e, _, _ := newTestEngine(syncByte(60*time.Millisecond, 0, 520)...)
	out := e.Synchronize(50 * time.Millisecond)
	if out.Status != StatusTimeout {
		t.Fatalf("status = %v, want timeout", out.Status)
	}
	if e.timer.Edges() != 0 {
		t.Errorf("edges recorded after timeout: %d", e.timer.Edges())
	}
}

func TestSynchronizeSingleEdge(t *testing.T) {
	e, _, _ := newTestEngine(scriptedEdge{at: time.Millisecond, tick: 42})
	out := e.Synchronize(time.Second)
	if out.Status != StatusBadBaud || out.ActualBaud != 0 || out.Edges != 1 {
		t.Fatalf("outcome = %+v, want bad-baud with one edge", out)
	}
}

func TestSynchronizeSettlesAfterFirstEdge(t *testing.T) {
	// Second edge arrives 4ms after the first: still inside the settle window.
	edges := []scriptedEdge{
		{at: time.Millisecond, tick: 0},
		{at: 5 * time.Millisecond, tick: 1042},
	}
	e, _, clock := newTestEngine(edges...)
	out := e.Synchronize(time.Second)
	if out.Status != StatusSuccess || out.NormalizedBaud != Baud4800 {
		t.Fatalf("outcome = %+v, want 4800", out)
	}
	// First edge seen after 1ms of polling, then the fixed settle window.
	want := time.Millisecond + SettleWindow
	if clock.slept != want {
		t.Errorf("total wait %v, want %v", clock.slept, want)
	}
}

func TestSynchronizeZeroTicks(t *testing.T) {
	edges := []scriptedEdge{
		{at: time.Millisecond, tick: 77},
		{at: time.Millisecond, tick: 77},
	}
	e, _, _ := newTestEngine(edges...)
	out := e.Synchronize(time.Second)
	if out.Status != StatusBadBaud || out.ActualBaud != 0 {
		t.Fatalf("outcome = %+v, want bad-baud 0", out)
	}
}

func TestBaudFromTicksSaturates(t *testing.T) {
	if got := BaudFromTicks(1, 400_000); got != 0xFFFF {
		t.Errorf("BaudFromTicks(1) = %d, want 65535", got)
	}
	if got := BaudFromTicks(0, 400_000); got != 0 {
		t.Errorf("BaudFromTicks(0) = %d, want 0", got)
	}
	if got := BaudFromTicks(625, 400_000); got != 8000 {
		t.Errorf("BaudFromTicks(625) = %d, want 8000", got)
	}
}

func TestNormalizeBands(t *testing.T) {
	tests := []struct {
		in     uint32
		want   uint32
		wantOK bool
	}{
		{4607, 0, false},
		{4608, Baud4800, true},
		{4800, Baud4800, true},
		{4992, Baud4800, true},
		{4993, 0, false},
		{7000, 0, false},
		{9215, 0, false},
		{9216, Baud9600, true},
		{9600, Baud9600, true},
		// 9984 is inside both the 9600 and the 10400 band; 9600 is checked first.
		{9984, Baud9600, true},
		{9985, Baud10400, true},
		{10400, Baud10400, true},
		{10816, Baud10400, true},
		{10817, 0, false},
		{0, 0, false},
		{0xFFFF, 0, false},
	}
	for _, tt := range tests {
		got, ok := Normalize(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Normalize(%d) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		out  Outcome
		want string
	}{
		{Outcome{Status: StatusSuccess, ActualBaud: 9615, NormalizedBaud: 9600}, "9600 baud (measured 9615)"},
		{Outcome{Status: StatusBadBaud, ActualBaud: 7042}, "bad baud (measured 7042)"},
		{Outcome{Status: StatusTimeout}, "timeout"},
	}
	for _, tt := range tests {
		if got := tt.out.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
