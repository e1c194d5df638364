package kwp

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DemoPreset describes a simulated radio.
type DemoPreset struct {
	Name      string
	Identity  Identity
	Baud      uint32  // rate of the sync byte the radio answers with
	Variant   Variant // login/read routines the radio accepts
	SafeCode  uint16  // BCD
	Technisat bool
}

// DemoPresets are the simulated radios selectable in demo mode.
var DemoPresets = map[string]DemoPreset{
	"premium4": {
		Name:     "premium4",
		Identity: Identity{Component: " RADIO 3CP  T7   0001", PartNumber: "1J0035180B"},
		Baud:     10400,
		Variant:  VariantPremium4,
		SafeCode: 0x1234,
	},
	"premium5": {
		Name:     "premium5",
		Identity: Identity{Component: " RADIO DE2       0003", PartNumber: "1J0035180D"},
		Baud:     10400,
		Variant:  VariantPremium5,
		SafeCode: 0x4711,
	},
	"seat-liceo": {
		Name:     "seat-liceo",
		Identity: Identity{Component: " RADIO FF6       0002", PartNumber: "6L0035156"},
		Baud:     9600,
		Variant:  VariantSeatLiceo,
		SafeCode: 0x0815,
	},
	"rhapsody": {
		Name:      "rhapsody",
		Identity:  Identity{Component: " RADIO         0010", PartNumber: "1J0035156"},
		Baud:      9600,
		SafeCode:  0x2580,
		Technisat: true,
	},
	"gamma5": {
		Name:      "gamma5",
		Identity:  Identity{Component: " RADIO YD5       0004", PartNumber: "1J0035186"},
		Baud:      9600,
		SafeCode:  0x9001,
		Technisat: true,
	},
	"unknown": {
		Name:     "unknown",
		Identity: Identity{Component: " NAVI  XYZ       0001", PartNumber: "3B0035191"},
		Baud:     4800,
	},
}

// PresetNames returns the demo preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(DemoPresets))
	for n := range DemoPresets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DemoRadio simulates a radio behind both the KWP1281 and the Technisat
// protocol. It enforces the order a real radio would (login before a factory
// read, filter off before a Technisat read) and can be told to fail a step.
type DemoRadio struct {
	mu sync.Mutex

	preset    DemoPreset
	connected bool
	mode      ConnectMode
	loggedIn  bool
	tsat      bool
	filterOff bool

	failStep string
	failCode ResultCode
	calls    []string
}

// NewDemoRadio creates a simulated radio from a preset.
func NewDemoRadio(p DemoPreset) *DemoRadio {
	return &DemoRadio{preset: p}
}

// Preset returns the preset the radio was built from.
func (d *DemoRadio) Preset() DemoPreset { return d.preset }

// FailOn makes the first call whose name starts with step fail with code.
func (d *DemoRadio) FailOn(step string, code ResultCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failStep = step
	d.failCode = code
}

// Calls returns the operations performed so far, in order.
func (d *DemoRadio) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// record logs a call and returns the injected failure for it, if any.
func (d *DemoRadio) record(call string) error {
	d.calls = append(d.calls, call)
	if d.failStep != "" && strings.HasPrefix(call, d.failStep) {
		d.failStep = ""
		return d.failCode
	}
	return nil
}

func (d *DemoRadio) Connect(mode ConnectMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.record(fmt.Sprintf("connect(%s)", mode)); err != nil {
		return err
	}
	if d.tsat {
		return Unexpected
	}
	d.connected = true
	d.mode = mode
	d.loggedIn = false
	return nil
}

func (d *DemoRadio) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.record("disconnect"); err != nil {
		return err
	}
	if !d.connected {
		return NotConnected
	}
	d.connected = false
	d.loggedIn = false
	return nil
}

func (d *DemoRadio) LoginManufacturer(v Variant) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.record(fmt.Sprintf("login(%s)", v)); err != nil {
		return err
	}
	if !d.connected {
		return NotConnected
	}
	if d.mode != ModeManufacturer || v != d.preset.Variant || d.preset.Technisat {
		return LoginRejected
	}
	d.loggedIn = true
	return nil
}

func (d *DemoRadio) ReadSafeCodeBCD(v Variant) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.record(fmt.Sprintf("read(%s)", v)); err != nil {
		return 0, err
	}
	if !d.connected {
		return 0, NotConnected
	}
	if v != d.preset.Variant || d.preset.Technisat {
		return 0, Unexpected
	}
	if v != VariantPremium4 && !d.loggedIn {
		return 0, ReceivedNAK
	}
	return d.preset.SafeCode, nil
}

func (d *DemoRadio) Identity() Identity {
	return d.preset.Identity
}

// Technisat returns the radio's Technisat protocol endpoint.
func (d *DemoRadio) Technisat() Technisat {
	return demoTechnisat{d}
}

type demoTechnisat struct {
	d *DemoRadio
}

func (t demoTechnisat) Connect(mode ConnectMode, baud uint32) error {
	d := t.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.record(fmt.Sprintf("tsat.connect(%s,%d)", mode, baud)); err != nil {
		return err
	}
	if !d.preset.Technisat || d.connected || baud != d.preset.Baud {
		return Timeout
	}
	d.tsat = true
	d.filterOff = false
	return nil
}

func (t demoTechnisat) DisableEEPROMFilter() error {
	d := t.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.record("tsat.disable-filter"); err != nil {
		return err
	}
	if !d.tsat {
		return NotConnected
	}
	d.filterOff = true
	return nil
}

func (t demoTechnisat) ReadSafeCodeBCD() (uint16, error) {
	d := t.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.record("tsat.read"); err != nil {
		return 0, err
	}
	if !d.tsat {
		return 0, NotConnected
	}
	if !d.filterOff {
		return 0, ReceivedNAK
	}
	return d.preset.SafeCode, nil
}

func (t demoTechnisat) Disconnect() error {
	d := t.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.record("tsat.disconnect"); err != nil {
		return err
	}
	if !d.tsat {
		return NotConnected
	}
	d.tsat = false
	d.filterOff = false
	return nil
}
