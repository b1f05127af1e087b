// Package engine drives the mod sandbox: manifest-ordered loading, the
// init-phase registration pass, the fixed-rate tick loop with fuel ceilings,
// and the quarantine lifecycle. A single goroutine owns all simulation
// state; manifest order is the concurrency control.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IamTheCarl/grid-engine/internal/faults"
	"github.com/IamTheCarl/grid-engine/internal/modules"
	"github.com/IamTheCarl/grid-engine/internal/registry"
	"github.com/IamTheCarl/grid-engine/internal/sandbox"
	"github.com/IamTheCarl/grid-engine/internal/tuning"
	"github.com/IamTheCarl/grid-engine/internal/world"
)

type Config struct {
	ID     string
	Tuning tuning.Tuning

	// Optional sinks; nil drops.
	TickSink  TickSink
	FaultSink FaultSink
	Store     QuarantineStore
	Notifier  Notifier
}

// InitFailure records a module whose init-phase registration was aborted.
// Other modules load unaffected.
type InitFailure struct {
	ModuleID string
	Err      error
}

type slot struct {
	inst *sandbox.Instance
}

type Engine struct {
	cfg    Config
	tune   tuning.Tuning
	logger *log.Logger

	reg    *registry.Registry
	store  *world.Store
	loader *sandbox.Loader

	slots []*slot // manifest order
	quar  *quarantineManager

	tick       atomic.Uint64
	initDone   bool
	initFailed []InitFailure

	// status mirrors scheduler state for the observer goroutine.
	statusMu sync.Mutex
	status   Status

	stop     chan struct{}
	done     chan struct{} // closed when Run returns
	doneOnce sync.Once
	admin    chan adminReq
}

// Status is a cross-thread snapshot for operator surfaces.
type Status struct {
	Tick         uint64
	ModuleStates map[string]string
	LastTickFuel uint64
}

func New(cfg Config, logger *log.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		tune:   cfg.Tuning,
		logger: logger,
		reg:    registry.New(),
		store:  world.NewStore(cfg.Tuning.WorldBoundaryR),
		quar:   newQuarantineManager(cfg.Tuning.QuarantineFuelStreak),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		admin:  make(chan adminReq, 16),
	}
	e.loader = sandbox.NewLoader(sandbox.PolicyFromTuning(cfg.Tuning))
	e.status.ModuleStates = map[string]string{}
	return e
}

// SetNotifier wires the observer stream. Call before Run.
func (e *Engine) SetNotifier(n Notifier) { e.cfg.Notifier = n }

func (e *Engine) Registry() *registry.Registry { return e.reg }
func (e *Engine) World() *world.Store          { return e.store }
func (e *Engine) CurrentTick() uint64          { return e.tick.Load() }
func (e *Engine) InitFailures() []InitFailure  { return e.initFailed }

// LoadPackage verifies and links one wasm package. Call order across
// LoadPackage/LoadNative defines manifest order; a failed load leaves the
// engine exactly as it was.
func (e *Engine) LoadPackage(ctx context.Context, pkg *modules.Package) error {
	if err := e.checkLoadable(pkg.Manifest.ModuleID); err != nil {
		return err
	}
	inst, err := e.loader.Load(ctx, pkg, &binding{eng: e, moduleID: pkg.Manifest.ModuleID})
	if err != nil {
		return err
	}
	e.slots = append(e.slots, &slot{inst: inst})
	return nil
}

// LoadNative verifies and links an in-process module (dev mode, tests).
func (e *Engine) LoadNative(mf modules.Manifest, mod sandbox.NativeModule) error {
	if err := e.checkLoadable(mf.ModuleID); err != nil {
		return err
	}
	inst, err := e.loader.LoadNative(mf, mod, &binding{eng: e, moduleID: mf.ModuleID})
	if err != nil {
		return err
	}
	e.slots = append(e.slots, &slot{inst: inst})
	return nil
}

func (e *Engine) checkLoadable(moduleID string) error {
	if e.initDone {
		return fmt.Errorf("engine %s: load after init phase", e.cfg.ID)
	}
	for _, s := range e.slots {
		if s.inst.ModuleID() == moduleID {
			return &faults.LoadError{
				Code: faults.CodeInvalidBinary, ModuleID: moduleID, Detail: "module id already loaded",
			}
		}
	}
	return nil
}

// InitPhase visits every loaded instance in manifest order and invokes its
// on_register hook exactly once. A module whose registration fails is rolled
// back atomically and unloaded; the rest proceed. After this the registry is
// sealed for the process lifetime.
func (e *Engine) InitPhase(ctx context.Context) error {
	if e.initDone {
		return fmt.Errorf("engine %s: init phase already ran", e.cfg.ID)
	}
	kept := e.slots[:0]
	for _, s := range e.slots {
		in := s.inst
		err := e.reg.Begin(in.ModuleID(), in.Manifest().Namespaces, in.Granted(sandbox.CapOverride))
		if err != nil {
			// A rejected declaration (reserved namespace) aborts this module
			// only; anything else here is a host-side bug.
			var regErr *faults.RegistrationError
			if !errors.As(err, &regErr) {
				return err
			}
			e.initFailed = append(e.initFailed, InitFailure{ModuleID: in.ModuleID(), Err: err})
			e.logger.Printf("init: module %s aborted: %v", in.ModuleID(), err)
			in.SetState(sandbox.StateUnloaded)
			_ = in.Close(ctx)
			continue
		}
		err = in.InvokeRegister(ctx)
		if err != nil {
			e.reg.Rollback()
			e.initFailed = append(e.initFailed, InitFailure{ModuleID: in.ModuleID(), Err: err})
			e.logger.Printf("init: module %s aborted: %v", in.ModuleID(), err)
			in.SetState(sandbox.StateUnloaded)
			_ = in.Close(ctx)
			continue
		}
		e.reg.Commit()
		kept = append(kept, s)
	}
	e.slots = kept
	e.reg.Seal()
	e.initDone = true
	e.refreshStatus(0)
	e.logger.Printf("init: %d modules active, registry digest %s", len(e.slots), shortDigest(e.reg.CombinedDigest()))
	return nil
}

// StepOnce advances the engine by one tick with the same ordering semantics
// as the server loop. Primarily for deterministic tests and replays.
func (e *Engine) StepOnce(ctx context.Context) TickReport {
	start := time.Now()
	tick := e.tick.Load()
	rep := TickReport{Tick: tick}
	var tickFuel uint64

	for _, s := range e.slots {
		in := s.inst
		switch in.State() {
		case sandbox.StateLinked, sandbox.StateActive:
		default:
			continue
		}
		if !in.HasHook(sandbox.HookTick) {
			// A module with no tick hook still participates in the tick;
			// its participation is just empty.
			if in.State() == sandbox.StateLinked {
				in.SetState(sandbox.StateActive)
			}
			continue
		}

		// Tick-wide ceiling: remaining modules lose this tick only, in
		// manifest order, and resume next tick. Not a fault.
		if e.tune.TickFuelCeiling > 0 && tickFuel >= e.tune.TickFuelCeiling {
			rep.Skipped = append(rep.Skipped, in.ModuleID())
			continue
		}

		in.Fuel().ResetTick()
		fault := in.InvokeTick(ctx, tick)
		tickFuel += in.Fuel().HookUsed()

		if fault == nil {
			if in.State() == sandbox.StateLinked {
				in.SetState(sandbox.StateActive)
			}
			e.quar.noteSuccess(in.ModuleID())
			rep.ModulesRun = append(rep.ModulesRun, in.ModuleID())
			continue
		}

		rep.Faults = append(rep.Faults, fault)
		rec := e.quar.noteFault(in.ModuleID(), tick, fault)
		sev := faults.SeverityTransient
		if rec != nil {
			sev = faults.SeverityFatal
		}
		e.writeFault(FaultLogEntry{
			Tick:        tick,
			ModuleID:    in.ModuleID(),
			Hook:        fault.Hook,
			Code:        fault.Code,
			Severity:    sev,
			FuelUsed:    fault.FuelUsed,
			Detail:      fault.Detail,
			Quarantined: rec != nil,
		})
		if rec == nil {
			// Transient: stays Active for the next tick.
			continue
		}
		in.SetState(sandbox.StateQuarantined)
		rep.Quarantined = append(rep.Quarantined, in.ModuleID())
		if e.cfg.Store != nil {
			if err := e.cfg.Store.RecordQuarantine(*rec); err != nil {
				e.logger.Printf("quarantine store: %v", err)
			}
		}
		if e.cfg.Notifier != nil {
			e.cfg.Notifier.NotifyQuarantine(*rec)
		}
		e.logger.Printf("tick %d: module %s quarantined (%s)", tick, in.ModuleID(), fault.Code)
	}

	e.tick.Store(tick + 1)
	rep.FuelUsed = tickFuel

	entry := TickLogEntry{
		Tick:       tick,
		ModulesRun: len(rep.ModulesRun),
		Skipped:    rep.Skipped,
		FuelUsed:   tickFuel,
		DurationUs: time.Since(start).Microseconds(),
	}
	if e.cfg.TickSink != nil {
		if err := e.cfg.TickSink.WriteTick(entry); err != nil {
			e.logger.Printf("tick sink: %v", err)
		}
	}
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.NotifyTick(entry)
	}
	e.refreshStatus(tickFuel)
	return rep
}

// Run drives the fixed-rate loop until ctx ends or Stop is called. Admin
// requests are serviced between ticks so they never observe a half-stepped
// world.
func (e *Engine) Run(ctx context.Context) error {
	if !e.initDone {
		return fmt.Errorf("engine %s: Run before InitPhase", e.cfg.ID)
	}
	// Closing done releases admin callers on every exit route, including
	// context cancellation, so an HTTP request never blocks on a loop that
	// is no longer servicing the admin channel.
	defer e.doneOnce.Do(func() { close(e.done) })
	interval := time.Second / time.Duration(e.tune.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case req := <-e.admin:
			req.resp <- e.handleAdmin(ctx, req)
		case <-ticker.C:
			e.StepOnce(ctx)
		}
	}
}

func (e *Engine) Stop() { close(e.stop) }

func (e *Engine) writeFault(entry FaultLogEntry) {
	if e.cfg.FaultSink == nil {
		return
	}
	if err := e.cfg.FaultSink.WriteFault(entry); err != nil {
		e.logger.Printf("fault sink: %v", err)
	}
}

func (e *Engine) refreshStatus(tickFuel uint64) {
	states := make(map[string]string, len(e.slots))
	for _, s := range e.slots {
		states[s.inst.ModuleID()] = s.inst.State().String()
	}
	e.statusMu.Lock()
	e.status = Status{
		Tick:         e.tick.Load(),
		ModuleStates: states,
		LastTickFuel: tickFuel,
	}
	e.statusMu.Unlock()
}

// Status returns a snapshot safe to read from other goroutines.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	cp := Status{Tick: e.status.Tick, LastTickFuel: e.status.LastTickFuel}
	cp.ModuleStates = make(map[string]string, len(e.status.ModuleStates))
	for k, v := range e.status.ModuleStates {
		cp.ModuleStates[k] = v
	}
	return cp
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
