package autobaud

import (
	"errors"
	"sync"
)

// ErrArmed is returned when capture state is read while the timer is armed.
var ErrArmed = errors.New("autobaud: capture state read while armed")

// Prescaler is the divider between the timer clock and the capture counter.
type Prescaler uint16

const (
	Prescale1    Prescaler = 1
	Prescale8    Prescaler = 8
	Prescale64   Prescaler = 64
	Prescale256  Prescaler = 256
	Prescale1024 Prescaler = 1024
)

// Valid reports whether p is one of the dividers the capture counter supports.
func (p Prescaler) Valid() bool {
	switch p {
	case Prescale1, Prescale8, Prescale64, Prescale256, Prescale1024:
		return true
	}
	return false
}

// TickPicos returns the duration of one counter tick in picoseconds for a
// timer clocked at clockHz.
func TickPicos(clockHz uint32, p Prescaler) uint64 {
	if clockHz == 0 {
		return 0
	}
	return uint64(p) * 1_000_000_000_000 / uint64(clockHz)
}

// Hardware is the capture unit the EdgeTimer drives: a free-running 16-bit
// counter and an interrupt that latches the counter on each falling edge.
//
// DisableCapture must not return while an isr call is still running.
type Hardware interface {
	ResetCounter()
	ClearCaptureFlag()
	EnableCapture(isr func(captured uint16))
	DisableCapture()
	StartCounter(p Prescaler)
	StopCounter()
}

// CaptureState is what the capture interrupt records during one attempt.
type CaptureState struct {
	Edges uint32 // every falling edge seen while armed
	Start uint16 // counter at the first edge
	End   uint16 // counter at the second edge
}

// Ticks returns the counter distance between the first two edges, modulo 2^16.
func (c CaptureState) Ticks() uint16 {
	return c.End - c.Start
}

// EdgeTimer owns the capture state shared between the capture interrupt and
// the foreground. Start and End are written by the interrupt only while armed
// and may be read only after Disarm.
type EdgeTimer struct {
	hw        Hardware
	prescaler Prescaler

	mu    sync.Mutex
	armed bool
	state CaptureState
	reads int // Capture calls, checked by tests
}

// NewEdgeTimer binds a timer to its capture hardware.
func NewEdgeTimer(hw Hardware, p Prescaler) *EdgeTimer {
	if !p.Valid() {
		p = Prescale8
	}
	return &EdgeTimer{hw: hw, prescaler: p}
}

// Arm zeroes the capture state, drops any pending capture, enables the
// interrupt and starts the counter. Edges are recorded as soon as it returns.
func (t *EdgeTimer) Arm() {
	t.hw.StopCounter()
	t.hw.ResetCounter()
	t.hw.ClearCaptureFlag()

	t.mu.Lock()
	t.state = CaptureState{}
	t.armed = true
	t.mu.Unlock()

	t.hw.EnableCapture(t.onEdge)
	t.hw.StartCounter(t.prescaler)
}

// onEdge is the capture interrupt handler.
func (t *EdgeTimer) onEdge(captured uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		return
	}
	switch t.state.Edges {
	case 0:
		t.state.Start = captured
	case 1:
		t.state.End = captured
	}
	t.state.Edges++
}

// Edges returns the number of edges seen so far. While armed it is only
// meaningful as a zero/non-zero signal.
func (t *EdgeTimer) Edges() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Edges
}

// Disarm disables the interrupt and stops the counter. The capture state is
// frozen once it returns.
func (t *EdgeTimer) Disarm() {
	t.mu.Lock()
	t.armed = false
	t.mu.Unlock()

	t.hw.DisableCapture()
	t.hw.StopCounter()
}

// Armed reports whether the capture interrupt is live.
func (t *EdgeTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Capture returns the recorded state. It fails with ErrArmed until Disarm
// has been called.
func (t *EdgeTimer) Capture() (CaptureState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.armed {
		return CaptureState{}, ErrArmed
	}
	t.reads++
	return t.state, nil
}
