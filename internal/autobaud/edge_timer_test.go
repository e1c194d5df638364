package autobaud

import (
	"errors"
	"reflect"
	"testing"
)

// fakeHW records register-level calls and lets tests fire capture edges.
type fakeHW struct {
	isr      func(uint16)
	lastISR  func(uint16)
	counting bool
	prescale Prescaler
	calls    []string
}

func (h *fakeHW) ResetCounter()     { h.calls = append(h.calls, "reset") }
func (h *fakeHW) ClearCaptureFlag() { h.calls = append(h.calls, "clear") }

func (h *fakeHW) EnableCapture(isr func(uint16)) {
	h.calls = append(h.calls, "enable")
	h.isr = isr
	h.lastISR = isr
}

func (h *fakeHW) DisableCapture() {
	h.calls = append(h.calls, "disable")
	h.isr = nil
}

func (h *fakeHW) StartCounter(p Prescaler) {
	h.calls = append(h.calls, "start")
	h.counting = true
	h.prescale = p
}

func (h *fakeHW) StopCounter() {
	h.calls = append(h.calls, "stop")
	h.counting = false
}

// edge simulates a falling edge latching the counter at tick.
func (h *fakeHW) edge(tick uint16) {
	if h.isr != nil {
		h.isr(tick)
	}
}

func TestEdgeTimerArmSequence(t *testing.T) {
	hw := &fakeHW{}
	timer := NewEdgeTimer(hw, Prescale64)
	timer.Arm()

	want := []string{"stop", "reset", "clear", "enable", "start"}
	if !reflect.DeepEqual(hw.calls, want) {
		t.Fatalf("arm calls = %v, want %v", hw.calls, want)
	}
	if hw.prescale != Prescale64 {
		t.Errorf("prescale = %d, want 64", hw.prescale)
	}
	if !timer.Armed() {
		t.Error("timer not armed after Arm")
	}

	hw.calls = nil
	timer.Disarm()
	want = []string{"disable", "stop"}
	if !reflect.DeepEqual(hw.calls, want) {
		t.Fatalf("disarm calls = %v, want %v", hw.calls, want)
	}
}

func TestEdgeTimerRecordsFirstTwoEdges(t *testing.T) {
	hw := &fakeHW{}
	timer := NewEdgeTimer(hw, Prescale8)
	timer.Arm()

	for _, tick := range []uint16{100, 620, 1140, 1660, 2180} {
		hw.edge(tick)
	}
	if got := timer.Edges(); got != 5 {
		t.Fatalf("Edges() = %d, want 5", got)
	}

	if _, err := timer.Capture(); !errors.Is(err, ErrArmed) {
		t.Fatalf("Capture while armed: err = %v, want ErrArmed", err)
	}

	timer.Disarm()
	st, err := timer.Capture()
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	want := CaptureState{Edges: 5, Start: 100, End: 620}
	if st != want {
		t.Errorf("state = %+v, want %+v", st, want)
	}
	if st.Ticks() != 520 {
		t.Errorf("Ticks() = %d, want 520", st.Ticks())
	}
}

func TestEdgeTimerIgnoresEdgesAfterDisarm(t *testing.T) {
	hw := &fakeHW{}
	timer := NewEdgeTimer(hw, Prescale8)
	timer.Arm()
	hw.edge(10)
	timer.Disarm()

	// A handler call racing with Disarm must not change the frozen state.
	hw.lastISR(20)
	hw.lastISR(30)

	st, err := timer.Capture()
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if st.Edges != 1 || st.Start != 10 || st.End != 0 {
		t.Errorf("state = %+v, want one edge at 10", st)
	}
}

func TestEdgeTimerArmResetsState(t *testing.T) {
	hw := &fakeHW{}
	timer := NewEdgeTimer(hw, Prescale8)

	timer.Arm()
	hw.edge(1)
	hw.edge(2)
	hw.edge(3)
	timer.Disarm()

	timer.Arm()
	if got := timer.Edges(); got != 0 {
		t.Fatalf("Edges() after re-arm = %d, want 0", got)
	}
	hw.edge(500)
	timer.Disarm()

	st, _ := timer.Capture()
	if st != (CaptureState{Edges: 1, Start: 500}) {
		t.Errorf("state = %+v", st)
	}
}

func TestCaptureStateTicksWraps(t *testing.T) {
	st := CaptureState{Start: 0xFF00, End: 0x0108}
	if got := st.Ticks(); got != 520 {
		t.Errorf("Ticks() = %d, want 520", got)
	}
}

func TestPrescalerValid(t *testing.T) {
	for _, p := range []Prescaler{1, 8, 64, 256, 1024} {
		if !p.Valid() {
			t.Errorf("%d should be valid", p)
		}
	}
	for _, p := range []Prescaler{0, 2, 100, 2048} {
		if p.Valid() {
			t.Errorf("%d should be invalid", p)
		}
	}
	if got := NewEdgeTimer(&fakeHW{}, 3).prescaler; got != Prescale8 {
		t.Errorf("invalid prescaler fell back to %d, want 8", got)
	}
}

func TestTickPicos(t *testing.T) {
	tests := []struct {
		clock uint32
		p     Prescaler
		want  uint64
	}{
		{20_000_000, Prescale8, 400_000},
		{16_000_000, Prescale8, 500_000},
		{20_000_000, Prescale1, 50_000},
		{0, Prescale8, 0},
	}
	for _, tt := range tests {
		if got := TickPicos(tt.clock, tt.p); got != tt.want {
			t.Errorf("TickPicos(%d, %d) = %d, want %d", tt.clock, tt.p, got, tt.want)
		}
	}
}
