// Package autobaud measures the baud rate of a K-line module from the 0x55
// sync byte it transmits after being addressed at 5 baud.
//
// The capture interrupt timestamps the first two falling edges. For 0x55
// those edges are exactly two bit periods apart ("B" below), whatever the
// line speed:
//
//	                        Sync Byte (0x55)
//
//	  Idle   Start  0   1   2   3   4   5   6   7  Stop     Idle
//
//	  ------------+   +---+   +---+   +---+   +---+   +---------
//	              |   |   |   |   |   |   |   |   |   |
//	              +---+   +---+   +---+   +---+   +---+
//
//	              |<----->|
//	                B = negative edge to negative edge (2 bits)
//
//	              B
//	 4800 baud   416.66 us
//	 9600 baud   208.34 us
//	10400 baud   192.30 us
package autobaud

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// Supported line rates.
const (
	Baud4800  uint32 = 4800
	Baud9600  uint32 = 9600
	Baud10400 uint32 = 10400
)

const (
	DefaultTimerClockHz = 20_000_000
	DefaultPrescaler    = Prescale8
	DefaultPollInterval = 50 * time.Microsecond

	// SettleWindow is how long capture stays armed after the first edge. It
	// covers a whole byte at 2400 baud and ends before the keyword bytes
	// that follow the sync byte.
	SettleWindow = 5 * time.Millisecond

	DefaultTimeout = 1000 * time.Millisecond
)

// ErrSyncTimeout means no sync edge arrived before the timeout.
var ErrSyncTimeout = errors.New("autobaud: timed out waiting for sync byte")

// BadBaudError reports a measured rate outside every supported band.
type BadBaudError struct {
	ActualBaud uint32
}

func (e *BadBaudError) Error() string {
	return fmt.Sprintf("autobaud: unsupported baud rate %d", e.ActualBaud)
}

// Status classifies one synchronization attempt.
type Status int

const (
	StatusSuccess Status = iota
	StatusTimeout
	StatusBadBaud
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	case StatusBadBaud:
		return "bad-baud"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText renders the status name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, v := range []Status{StatusSuccess, StatusTimeout, StatusBadBaud} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("autobaud: unknown status %q", text)
}

// Outcome is the result of Synchronize. ActualBaud is set for Success and
// BadBaud, NormalizedBaud only for Success.
type Outcome struct {
	Status         Status `json:"status"`
	ActualBaud     uint32 `json:"actualBaud"`
	NormalizedBaud uint32 `json:"normalizedBaud"`
	Edges          uint32 `json:"edges"`
}

// Err converts the outcome to an error, nil on success.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusSuccess:
		return nil
	case StatusTimeout:
		return ErrSyncTimeout
	default:
		return &BadBaudError{ActualBaud: o.ActualBaud}
	}
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusSuccess:
		return fmt.Sprintf("%d baud (measured %d)", o.NormalizedBaud, o.ActualBaud)
	case StatusBadBaud:
		return fmt.Sprintf("bad baud (measured %d)", o.ActualBaud)
	}
	return o.Status.String()
}

// Clock is the time source the engine polls and sleeps on.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

// Config holds the timer and timing configuration for an Engine.
type Config struct {
	TimerClockHz uint32
	Prescaler    Prescaler
	PollInterval time.Duration
	Clock        Clock // nil means SystemClock
}

// Engine runs synchronization attempts on one capture unit.
type Engine struct {
	timer     *EdgeTimer
	clock     Clock
	poll      time.Duration
	tickPicos uint64
}

// NewEngine creates an engine driving hw.
func NewEngine(hw Hardware, cfg Config) *Engine {
	if cfg.TimerClockHz == 0 {
		cfg.TimerClockHz = DefaultTimerClockHz
	}
	if !cfg.Prescaler.Valid() {
		cfg.Prescaler = DefaultPrescaler
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	return &Engine{
		timer:     NewEdgeTimer(hw, cfg.Prescaler),
		clock:     cfg.Clock,
		poll:      cfg.PollInterval,
		tickPicos: TickPicos(cfg.TimerClockHz, cfg.Prescaler),
	}
}

// Timer exposes the engine's edge timer.
func (e *Engine) Timer() *EdgeTimer { return e.timer }

// Synchronize arms capture, waits up to timeout for the sync byte and
// classifies the measured rate. It never retries.
func (e *Engine) Synchronize(timeout time.Duration) Outcome {
	e.timer.Arm()

	if !e.waitFirstEdge(timeout) {
		e.timer.Disarm()
		log.Printf("[autobaud] no sync edge within %v", timeout)
		return Outcome{Status: StatusTimeout}
	}

	e.clock.Sleep(SettleWindow)
	e.timer.Disarm()

	st, err := e.timer.Capture()
	if err != nil {
		// Disarm above makes this unreachable.
		return Outcome{Status: StatusTimeout}
	}
	if st.Edges == 0 {
		return Outcome{Status: StatusTimeout}
	}
	if st.Edges == 1 {
		log.Printf("[autobaud] only one edge captured")
		return Outcome{Status: StatusBadBaud, Edges: st.Edges}
	}

	actual := e.measure(st.Ticks())
	out := Outcome{ActualBaud: actual, Edges: st.Edges}
	if normal, ok := Normalize(actual); ok {
		out.Status = StatusSuccess
		out.NormalizedBaud = normal
	} else {
		out.Status = StatusBadBaud
	}
	log.Printf("[autobaud] edges=%d start=0x%04X end=0x%04X ticks=%d -> %s",
		st.Edges, st.Start, st.End, st.Ticks(), out)
	return out
}

// waitFirstEdge polls the edge count until it is non-zero or timeout elapses.
func (e *Engine) waitFirstEdge(timeout time.Duration) bool {
	deadline := e.clock.Now().Add(timeout)
	for e.timer.Edges() == 0 {
		if !e.clock.Now().Before(deadline) {
			return false
		}
		e.clock.Sleep(e.poll)
	}
	return true
}

// measure converts the tick distance between two edges into a rate. Two bit
// periods elapsed, so rate = 2 / (ticks * tick). The result is truncated and
// saturates at 16 bits.
func (e *Engine) measure(ticks uint16) uint32 {
	return BaudFromTicks(ticks, e.tickPicos)
}

// BaudFromTicks computes the truncated 16-bit rate estimate for a two-bit
// interval of ticks counter ticks of tickPicos picoseconds each.
func BaudFromTicks(ticks uint16, tickPicos uint64) uint32 {
	period := uint64(ticks) * tickPicos
	if period == 0 {
		return 0
	}
	baud := 2 * 1_000_000_000_000 / period
	if baud > 0xFFFF {
		baud = 0xFFFF
	}
	return uint32(baud)
}

// Normalize maps a measured rate to a supported one with +/-4% tolerance.
// The 9600 and 10400 bands share 9984; the 9600 band is checked first.
//
// Thresholds:
//
//	 4800:  4608 -  4992
//	 9600:  9216 -  9984
//	10400:  9984 - 10816
func Normalize(baud uint32) (uint32, bool) {
	switch {
	case baud >= 4608 && baud <= 4992:
		return Baud4800, true
	case baud >= 9216 && baud <= 9984:
		return Baud9600, true
	case baud >= 9984 && baud <= 10816:
		return Baud10400, true
	}
	return 0, false
}
