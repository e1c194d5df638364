// Package unlock identifies an attached radio and runs the manufacturer
// procedure that reads its anti-theft safe code.
//
// Every procedure is a fixed chain of protocol calls. The first failing call
// aborts the whole attempt: a half-finished factory login can leave the radio
// in a state where further bus traffic is unsafe, so nothing is retried and
// no partial code is ever reported.
package unlock

import (
	"fmt"
	"log"

	"github.com/shaunagostinho/kwp1281-tool/internal/kwp"
)

// State is a dispatcher state.
type State int

const (
	StateIdle State = iota
	StateIdentified
	StateConnecting
	StateLoggingIn
	StateReading
	StateDisconnecting
	StateDone
	StateAborted
	StateUnsupported
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateIdentified:    "identified",
	StateConnecting:    "connecting",
	StateLoggingIn:     "logging-in",
	StateReading:       "reading",
	StateDisconnecting: "disconnecting",
	StateDone:          "done",
	StateAborted:       "aborted",
	StateUnsupported:   "unsupported",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unlock: unknown state %q", text)
}

// Outcome is how an unlock attempt ended.
type Outcome int

const (
	OutcomeRecovered Outcome = iota
	OutcomeUnsupported
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecovered:
		return "recovered"
	case OutcomeUnsupported:
		return "unsupported"
	case OutcomeAborted:
		return "aborted"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalText renders the outcome name in JSON output.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	for _, v := range []Outcome{OutcomeRecovered, OutcomeUnsupported, OutcomeAborted} {
		if v.String() == string(text) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unlock: unknown outcome %q", text)
}

// Report is the result of one unlock attempt. SafeCode is only meaningful
// when Outcome is OutcomeRecovered.
type Report struct {
	Family   Family  `json:"family"`
	Outcome  Outcome `json:"outcome"`
	State    State   `json:"state"`
	SafeCode uint16  `json:"safeCode"`
}

// CodeString renders the BCD safe code as four digits.
func (r Report) CodeString() string {
	return fmt.Sprintf("%04X", r.SafeCode)
}

// AbortError is returned when a protocol call fails during a procedure.
type AbortError struct {
	Family Family
	Step   string
	State  State
	Err    error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("unlock %s: %s failed: %v", e.Family.Name(), e.Step, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStateObserver registers fn to be called on every state transition.
func WithStateObserver(fn func(State)) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// Dispatcher selects and runs the unlock procedure for one radio.
type Dispatcher struct {
	session kwp.Session
	tsat    kwp.Technisat
	baud    uint32 // rate confirmed by autobaud, reused by the Technisat protocol

	state   State
	observe func(State)
}

// New creates a dispatcher working on an established session. baud is the
// confirmed line rate.
func New(session kwp.Session, tsat kwp.Technisat, baud uint32, opts ...Option) *Dispatcher {
	d := &Dispatcher{session: session, tsat: tsat, baud: baud}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the current state.
func (d *Dispatcher) State() State { return d.state }

func (d *Dispatcher) enter(s State) {
	d.state = s
	if d.observe != nil {
		d.observe(s)
	}
}

// step is one protocol call of a procedure.
type step struct {
	state State
	name  string
	run   func() error
}

// Unlock identifies the radio and runs its procedure. An unknown radio is
// reported as OutcomeUnsupported without touching the bus. The error is
// non-nil only when a protocol call failed, and is then an *AbortError.
func (d *Dispatcher) Unlock(id kwp.Identity) (Report, error) {
	d.enter(StateIdle)

	family := Identify(id)
	rep := Report{Family: family}
	if family == FamilyUnknown {
		log.Printf("[unlock] %s (component=%q part=%q)", family.Name(), id.Component, id.PartNumber)
		rep.Outcome = OutcomeUnsupported
		d.enter(StateUnsupported)
		rep.State = d.state
		return rep, nil
	}

	log.Printf("[unlock] %s DETECTED", family.Name())
	d.enter(StateIdentified)

	var code uint16
	for _, s := range d.procedure(family, &code) {
		d.enter(s.state)
		if err := s.run(); err != nil {
			d.enter(StateAborted)
			rep.Outcome = OutcomeAborted
			rep.State = d.state
			log.Printf("[unlock] %s: %s failed: %v", family.Name(), s.name, err)
			return rep, &AbortError{Family: family, Step: s.name, State: s.state, Err: err}
		}
	}

	d.enter(StateDone)
	rep.Outcome = OutcomeRecovered
	rep.State = d.state
	rep.SafeCode = code
	log.Printf("[unlock] SAFE Code: %s", rep.CodeString())
	return rep, nil
}

// procedure returns the call chain for a family. Reads store into code.
func (d *Dispatcher) procedure(f Family, code *uint16) []step {
	s := d.session
	read := func(v kwp.Variant) func() error {
		return func() (err error) {
			*code, err = s.ReadSafeCodeBCD(v)
			return err
		}
	}
	disconnect := step{StateDisconnecting, "disconnect", s.Disconnect}
	reconnect := step{StateConnecting, "connect(manufacturer)", func() error {
		return s.Connect(kwp.ModeManufacturer)
	}}
	login := func(v kwp.Variant) step {
		return step{StateLoggingIn, "login(" + v.String() + ")", func() error {
			return s.LoginManufacturer(v)
		}}
	}

	switch f {
	case FamilyPremium4Clarion:
		return []step{
			{StateReading, "read(premium4)", read(kwp.VariantPremium4)},
			disconnect,
		}
	case FamilyPremium5Delco:
		return []step{
			disconnect,
			reconnect,
			login(kwp.VariantPremium5),
			{StateReading, "read(premium5)", read(kwp.VariantPremium5)},
			disconnect,
		}
	case FamilySeatLiceoDelco:
		return []step{
			disconnect,
			reconnect,
			login(kwp.VariantSeatLiceo),
			{StateReading, "read(seat-liceo)", read(kwp.VariantSeatLiceo)},
			disconnect,
		}
	case FamilyRhapsodyTechnisat, FamilyGamma5Technisat:
		return d.technisat(code, disconnect)
	}
	return nil
}

// technisat leaves the KWP1281 session and talks the Technisat protocol at
// the rate autobaud already confirmed. Without an endpoint the procedure
// aborts before touching the bus.
func (d *Dispatcher) technisat(code *uint16, disconnect step) []step {
	t := d.tsat
	if t == nil {
		return []step{{StateConnecting, "technisat connect", func() error {
			return kwp.NotConnected
		}}}
	}
	return []step{
		disconnect,
		{StateConnecting, "technisat connect", func() error {
			return t.Connect(kwp.ModeManufacturer, d.baud)
		}},
		{StateLoggingIn, "technisat disable eeprom filter", t.DisableEEPROMFilter},
		{StateReading, "technisat read", func() (err error) {
			*code, err = t.ReadSafeCodeBCD()
			return err
		}},
		{StateDisconnecting, "technisat disconnect", t.Disconnect},
	}
}
