// Package kline drives the physical K-line: 5-baud module addressing and
// reprogramming the UART once autobaud has confirmed the module's rate.
package kline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// FiveBaudBit is one bit period of the 5 baud address byte.
	FiveBaudBit = 200 * time.Millisecond

	// Radio is the KWP1281 address of the radio module.
	Radio byte = 0x56

	defaultInitBaud = 10400

	drainSilence = 20 * time.Millisecond
	drainTimeout = 500 * time.Millisecond
	readTimeout  = 1 * time.Second
)

// Config holds serial settings for a K-line interface.
type Config struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	InitBaud int    `yaml:"init_baud" json:"initBaud"` // UART rate before sync
}

// SerialLine is a K-line interface on a serial port (typically a USB-serial
// adapter driving an L9637 or similar transceiver).
type SerialLine struct {
	portPath string

	mu   sync.Mutex
	port serial.Port
	baud uint32
}

// Open opens the port at the initial rate.
func Open(cfg Config) (*SerialLine, error) {
	if cfg.InitBaud == 0 {
		cfg.InitBaud = defaultInitBaud
	}
	port, err := serial.Open(cfg.PortPath, mode(cfg.InitBaud))
	if err != nil {
		return nil, fmt.Errorf("kline: failed to open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("kline: failed to set timeout: %w", err)
	}
	log.Printf("[kline] opened %s at %d baud", cfg.PortPath, cfg.InitBaud)
	return &SerialLine{portPath: cfg.PortPath, port: port, baud: uint32(cfg.InitBaud)}, nil
}

func mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// AddressInit sends addr at 5 baud (start bit, 7 data bits LSB first, odd
// parity, stop bit). Low bits are driven with a line break, high bits by
// leaving the line idle. It returns at the end of the stop bit, which is when
// the module starts its sync byte countdown.
func (l *SerialLine) AddressInit(ctx context.Context, addr byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return fmt.Errorf("kline: %s is closed", l.portPath)
	}
	l.drain("pre-init")

	log.Printf("[kline] addressing 0x%02X at 5 baud", addr)
	for _, r := range runs(FiveBaudBits(addr)) {
		d := time.Duration(r.bits) * FiveBaudBit
		if !r.high {
			if err := l.port.Break(d); err != nil {
				return fmt.Errorf("kline: break: %w", err)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}

	// The break itself echoes back as a framing error byte.
	if err := l.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("kline: reset input: %w", err)
	}
	return nil
}

// SetBaud reprograms the UART to the confirmed rate.
func (l *SerialLine) SetBaud(baud uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return fmt.Errorf("kline: %s is closed", l.portPath)
	}
	if err := l.port.SetMode(mode(int(baud))); err != nil {
		return fmt.Errorf("kline: set %d baud: %w", baud, err)
	}
	l.baud = baud
	log.Printf("[kline] %s now at %d baud", l.portPath, baud)
	return nil
}

// Baud returns the current UART rate.
func (l *SerialLine) Baud() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baud
}

// Port exposes the underlying port to the session protocol.
func (l *SerialLine) Port() serial.Port {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Close closes the port.
func (l *SerialLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}

// drain reads and discards pending input until the line has been silent for
// drainSilence or drainTimeout has elapsed. Callers hold l.mu.
func (l *SerialLine) drain(label string) {
	l.port.ResetInputBuffer()

	l.port.SetReadTimeout(drainSilence)
	defer l.port.SetReadTimeout(readTimeout)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, _ := l.port.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		log.Printf("[kline] drain(%s) cleared %d bytes", label, total)
	}
}

// FiveBaudBits returns the line levels of addr sent as a 5 baud byte: start
// bit, 7 data bits LSB first, odd parity bit, stop bit. true is high.
func FiveBaudBits(addr byte) [10]bool {
	var bits [10]bool
	ones := 0
	for i := 0; i < 7; i++ {
		bit := addr&(1<<i) != 0
		bits[1+i] = bit
		if bit {
			ones++
		}
	}
	bits[8] = ones%2 == 0 // odd parity
	bits[9] = true
	return bits
}

type run struct {
	high bool
	bits int
}

// runs collapses consecutive equal levels.
func runs(levels [10]bool) []run {
	var out []run
	for _, level := range levels {
		if n := len(out); n > 0 && out[n-1].high == level {
			out[n-1].bits++
			continue
		}
		out = append(out, run{high: level, bits: 1})
	}
	return out
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name    string `json:"name"`
	USB     bool   `json:"usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
}

// ListPorts enumerates the host's serial ports.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("kline: enumerate ports: %w", err)
	}
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		out = append(out, PortInfo{
			Name:    p.Name,
			USB:     p.IsUSB,
			VID:     p.VID,
			PID:     p.PID,
			Serial:  p.SerialNumber,
			Product: p.Product,
		})
	}
	return out, nil
}
