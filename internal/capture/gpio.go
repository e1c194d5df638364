package capture

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/kwp1281-tool/internal/autobaud"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// edgePollTimeout bounds each wait for an edge so DisableCapture is noticed.
const edgePollTimeout = 2 * time.Millisecond

// GPIO captures falling edges on a host GPIO connected to the RX side of the
// K-line transceiver. The 16-bit capture counter is emulated from the
// monotonic clock at the configured timer clock and prescaler.
type GPIO struct {
	pin     gpio.PinIO
	clockHz uint32

	mu        sync.Mutex
	counting  bool
	tickPicos uint64
	startedAt time.Time
	base      uint16

	stop chan struct{}
	done chan struct{}
}

// OpenGPIO initializes the host drivers and configures pin (e.g. "GPIO17")
// as a pulled-up input with falling-edge detection.
func OpenGPIO(pin string, clockHz uint32) (*GPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("capture: host init: %w", err)
	}
	p := gpioreg.ByName(pin)
	if p == nil {
		return nil, fmt.Errorf("capture: no gpio named %q", pin)
	}
	if err := p.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("capture: configure %s: %w", pin, err)
	}
	if clockHz == 0 {
		clockHz = autobaud.DefaultTimerClockHz
	}
	log.Printf("[capture] edge capture on %s", p.Name())
	return &GPIO{pin: p, clockHz: clockHz}, nil
}

func (g *GPIO) ResetCounter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.base = 0
}

// ClearCaptureFlag discards edges the kernel queued while capture was off.
func (g *GPIO) ClearCaptureFlag() {
	for i := 0; i < 64 && g.pin.WaitForEdge(0); i++ {
	}
}

// EnableCapture starts the goroutine that plays the role of the capture
// interrupt.
func (g *GPIO) EnableCapture(isr func(uint16)) {
	g.mu.Lock()
	if g.stop != nil {
		g.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	g.stop, g.done = stop, done
	g.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if !g.pin.WaitForEdge(edgePollTimeout) {
				continue
			}
			// No kernel timestamp from WaitForEdge; wakeup latency lands in now.
			now := time.Now()
			g.mu.Lock()
			if !g.counting {
				g.mu.Unlock()
				continue
			}
			tick := g.base + g.ticks(now.Sub(g.startedAt))
			g.mu.Unlock()

			select {
			case <-stop:
				return
			default:
				isr(tick)
			}
		}
	}()
}

// DisableCapture stops the capture goroutine and waits for it to exit.
func (g *GPIO) DisableCapture() {
	g.mu.Lock()
	stop, done := g.stop, g.done
	g.stop, g.done = nil, nil
	g.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (g *GPIO) StartCounter(p autobaud.Prescaler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tickPicos = autobaud.TickPicos(g.clockHz, p)
	g.startedAt = time.Now()
	g.counting = true
}

func (g *GPIO) StopCounter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counting {
		g.base += g.ticks(time.Since(g.startedAt))
	}
	g.counting = false
}

// ticks converts a duration to counter ticks. Callers hold g.mu.
func (g *GPIO) ticks(d time.Duration) uint16 {
	if g.tickPicos == 0 || d <= 0 {
		return 0
	}
	return uint16(uint64(d.Nanoseconds()) * 1000 / g.tickPicos)
}

// Close releases the pin.
func (g *GPIO) Close() error {
	g.DisableCapture()
	return g.pin.Halt()
}
