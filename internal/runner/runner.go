// Package runner performs one unlock attempt end to end: address the radio,
// measure its baud rate, reprogram the line, open the session and run the
// unlock dispatcher.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/kwp1281-tool/internal/autobaud"
	"github.com/shaunagostinho/kwp1281-tool/internal/kwp"
	"github.com/shaunagostinho/kwp1281-tool/internal/unlock"
)

// ErrBusy is returned by TryRun while another attempt is in progress.
var ErrBusy = errors.New("runner: attempt already in progress")

// Line is the physical K-line.
type Line interface {
	AddressInit(ctx context.Context, addr byte) error
	SetBaud(baud uint32) error
}

// Synchronizer measures the module's baud rate after addressing.
type Synchronizer interface {
	Synchronize(timeout time.Duration) autobaud.Outcome
}

// SessionFactory opens the protocol endpoints on a line running at baud.
type SessionFactory func(baud uint32) (kwp.Session, kwp.Technisat, error)

// Config controls an attempt.
type Config struct {
	Port        string // reported only
	Address     byte
	SyncTimeout time.Duration
}

// EventKind names the phase an Event reports.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventSync     EventKind = "sync"
	EventIdentity EventKind = "identity"
	EventState    EventKind = "state"
	EventDone     EventKind = "done"
)

// Event is emitted to subscribers as an attempt progresses.
type Event struct {
	Kind     EventKind         `json:"kind"`
	Sync     *autobaud.Outcome `json:"sync,omitempty"`
	Identity *kwp.Identity     `json:"identity,omitempty"`
	State    string            `json:"state,omitempty"`
	Attempt  *Attempt          `json:"attempt,omitempty"`
	Stamp    int64             `json:"stamp"` // Unix ms
}

// Attempt records one run.
type Attempt struct {
	Started  time.Time        `json:"started"`
	Port     string           `json:"port"`
	Sync     autobaud.Outcome `json:"sync"`
	Identity kwp.Identity     `json:"identity"`
	Report   *unlock.Report   `json:"report,omitempty"`
	SyncOnly bool             `json:"syncOnly"`
	Error    string           `json:"error,omitempty"`
	Err      error            `json:"-"`
}

// SafeCode returns the recovered code rendered as BCD digits, or "".
func (a *Attempt) SafeCode() string {
	if a.Report == nil || a.Report.Outcome != unlock.OutcomeRecovered {
		return ""
	}
	return a.Report.CodeString()
}

// Runner runs attempts one at a time.
type Runner struct {
	cfg      Config
	line     Line
	sync     Synchronizer
	sessions SessionFactory

	runMu sync.Mutex

	subMu     sync.RWMutex
	observers []func(Event)
}

// New creates a runner. A nil sessions factory makes every attempt stop once
// the line has been reprogrammed.
func New(cfg Config, line Line, s Synchronizer, sessions SessionFactory) *Runner {
	if cfg.Address == 0 {
		cfg.Address = 0x56
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = autobaud.DefaultTimeout
	}
	return &Runner{cfg: cfg, line: line, sync: s, sessions: sessions}
}

// Subscribe registers fn for every event. fn runs on the attempt's goroutine.
func (r *Runner) Subscribe(fn func(Event)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Runner) emit(ev Event) {
	ev.Stamp = time.Now().UnixMilli()
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, fn := range r.observers {
		fn(ev)
	}
}

// TryRun is Run, but fails with ErrBusy instead of waiting for an attempt
// already in progress.
func (r *Runner) TryRun(ctx context.Context) (*Attempt, error) {
	if !r.runMu.TryLock() {
		return nil, ErrBusy
	}
	defer r.runMu.Unlock()
	return r.run(ctx)
}

// Run performs one attempt. The returned Attempt is never nil. The error is
// non-nil when sync, the session or the unlock procedure failed; an
// unsupported radio is not an error.
func (r *Runner) Run(ctx context.Context) (*Attempt, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.run(ctx)
}

func (r *Runner) run(ctx context.Context) (*Attempt, error) {
	a := &Attempt{Started: time.Now(), Port: r.cfg.Port}
	r.emit(Event{Kind: EventStart})

	err := r.attempt(ctx, a)
	if err != nil {
		a.Err = err
		a.Error = err.Error()
		log.Printf("[runner] attempt failed: %v", err)
	}
	r.emit(Event{Kind: EventDone, Attempt: a})
	return a, err
}

func (r *Runner) attempt(ctx context.Context, a *Attempt) error {
	if err := r.line.AddressInit(ctx, r.cfg.Address); err != nil {
		return fmt.Errorf("address init: %w", err)
	}

	a.Sync = r.sync.Synchronize(r.cfg.SyncTimeout)
	out := a.Sync
	r.emit(Event{Kind: EventSync, Sync: &out})
	if err := a.Sync.Err(); err != nil {
		return err
	}

	baud := a.Sync.NormalizedBaud
	if err := r.line.SetBaud(baud); err != nil {
		return fmt.Errorf("reprogram line: %w", err)
	}

	if r.sessions == nil {
		a.SyncOnly = true
		log.Printf("[runner] line synchronized at %d baud (no session protocol configured)", baud)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	session, tsat, err := r.sessions(baud)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if err := session.Connect(kwp.ModeNormal); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.Identity = session.Identity()
	id := a.Identity
	r.emit(Event{Kind: EventIdentity, Identity: &id})

	d := unlock.New(session, tsat, baud, unlock.WithStateObserver(func(s unlock.State) {
		r.emit(Event{Kind: EventState, State: s.String()})
	}))
	rep, err := d.Unlock(a.Identity)
	a.Report = &rep
	return err
}
