// Package capture provides edge-capture units for the autobaud engine: a
// Linux GPIO wired to the K-line receiver, and a simulator that plays UART
// frames into the capture interrupt.
package capture

import (
	"sync"
	"time"

	"github.com/shaunagostinho/kwp1281-tool/internal/autobaud"
)

// FallingEdges returns the offsets of the falling edges of one 8N1 UART frame
// carrying b at baud, relative to the start bit.
func FallingEdges(b byte, baud uint32) []time.Duration {
	if baud == 0 {
		return nil
	}
	// start bit, 8 data bits LSB first, stop bit
	levels := make([]bool, 0, 10)
	levels = append(levels, false)
	for i := 0; i < 8; i++ {
		levels = append(levels, b&(1<<i) != 0)
	}
	levels = append(levels, true)

	var edges []time.Duration
	prev := true // idle line is high
	for i, level := range levels {
		if prev && !level {
			edges = append(edges, bitOffset(i, baud))
		}
		prev = level
	}
	return edges
}

// bitOffset is the start of bit i at baud, without per-bit rounding drift.
func bitOffset(i int, baud uint32) time.Duration {
	return time.Duration(int64(i) * int64(time.Second) / int64(baud))
}

// Sim is a simulated capture unit. Captured counter values are derived from
// the frame's bit timing, so the tick distance between two edges is exact;
// the edges themselves are delivered in real time on their own goroutine.
type Sim struct {
	clockHz uint32

	mu        sync.Mutex
	isr       func(uint16)
	pending   bool   // an edge arrived while the interrupt was disabled
	latched   uint16 // counter value of the pending edge
	counting  bool
	tickPicos uint64
	startedAt time.Time
	base      uint16 // counter value when StartCounter was called
	wg        sync.WaitGroup
}

// NewSim creates a simulated capture unit on a timer clocked at clockHz.
func NewSim(clockHz uint32) *Sim {
	if clockHz == 0 {
		clockHz = autobaud.DefaultTimerClockHz
	}
	return &Sim{clockHz: clockHz}
}

func (s *Sim) ResetCounter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = 0
}

func (s *Sim) ClearCaptureFlag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
}

// EnableCapture installs isr. A capture left pending from before fires
// immediately, as it would on the real timer.
func (s *Sim) EnableCapture(isr func(uint16)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isr = isr
	if s.pending {
		s.pending = false
		isr(s.latched)
	}
}

// DisableCapture removes the isr. It cannot return while an edge is being
// delivered because delivery holds s.mu.
func (s *Sim) DisableCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isr = nil
}

func (s *Sim) StartCounter(p autobaud.Prescaler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickPicos = autobaud.TickPicos(s.clockHz, p)
	s.startedAt = time.Now()
	s.counting = true
}

func (s *Sim) StopCounter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counting {
		s.base += s.ticks(time.Since(s.startedAt))
	}
	s.counting = false
}

// ticks converts a duration to counter ticks. Callers hold s.mu.
func (s *Sim) ticks(d time.Duration) uint16 {
	if s.tickPicos == 0 || d <= 0 {
		return 0
	}
	return uint16(uint64(d.Nanoseconds()) * 1000 / s.tickPicos)
}

// Transmit plays one UART frame carrying b at baud into the capture input,
// starting after delay. It returns immediately; Wait blocks until every
// scheduled frame has been played.
func (s *Sim) Transmit(b byte, baud uint32, delay time.Duration) {
	edges := FallingEdges(b, baud)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		time.Sleep(delay)

		var frameStart uint16
		s.mu.Lock()
		if s.counting {
			frameStart = s.base + s.ticks(time.Since(s.startedAt))
		}
		s.mu.Unlock()

		t0 := time.Now()
		for _, off := range edges {
			if d := off - time.Since(t0); d > 0 {
				time.Sleep(d)
			}
			s.edge(frameStart, off)
		}
	}()
}

// Wait blocks until all transmitted frames have been played.
func (s *Sim) Wait() { s.wg.Wait() }

// edge latches the counter off after frameStart and runs the interrupt.
func (s *Sim) edge(frameStart uint16, off time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.counting {
		return
	}
	tick := frameStart + s.ticks(off)
	if s.isr == nil {
		s.pending = true
		s.latched = tick
		return
	}
	s.isr(tick)
}
