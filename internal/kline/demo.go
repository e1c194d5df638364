package kline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/kwp1281-tool/internal/capture"
)

// demoW1 is how long the simulated module waits after its address before
// sending the sync byte.
const demoW1 = 30 * time.Millisecond

// DemoLine simulates a K-line with one module answering at a fixed rate. The
// module's sync byte is played into a capture.Sim.
type DemoLine struct {
	sim *capture.Sim

	mu        sync.Mutex
	radioBaud uint32
	baud      uint32
}

// NewDemoLine creates a simulated line whose module answers at radioBaud.
func NewDemoLine(sim *capture.Sim, radioBaud uint32) *DemoLine {
	return &DemoLine{sim: sim, radioBaud: radioBaud, baud: defaultInitBaud}
}

// AddressInit makes the simulated module answer with 0x55. The 2 second
// 5 baud address transmission is not simulated.
func (d *DemoLine) AddressInit(ctx context.Context, addr byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	baud := d.radioBaud
	d.mu.Unlock()

	log.Printf("[kline] demo: addressing 0x%02X, module answers at %d baud", addr, baud)
	d.sim.Transmit(0x55, baud, demoW1)
	return nil
}

// SetRadioBaud changes the rate the simulated module answers at.
func (d *DemoLine) SetRadioBaud(baud uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.radioBaud = baud
}

func (d *DemoLine) SetBaud(baud uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baud = baud
	return nil
}

// Baud returns the rate the line was last set to.
func (d *DemoLine) Baud() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}

// Close waits for any frame still being played.
func (d *DemoLine) Close() error {
	d.sim.Wait()
	return nil
}
