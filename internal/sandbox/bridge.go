package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/sys"

	"github.com/IamTheCarl/grid-engine/internal/faults"
)

// InvokeRegister runs the guest's on_register export through the bridge
// boundary. The returned error is either a *faults.RegistrationError (the
// registry rejected a registration; the caller rolls the module back) or a
// *faults.RuntimeFault. It is never a raw guest error.
func (in *Instance) InvokeRegister(ctx context.Context) error {
	return in.invokeHook(ctx, HookRegister, 0)
}

// InvokeTick runs the guest's on_tick export for tick. A nil return means
// the hook completed within budget.
func (in *Instance) InvokeTick(ctx context.Context, tick uint64) *faults.RuntimeFault {
	err := in.invokeHook(ctx, HookTick, tick)
	if err == nil {
		return nil
	}
	var rf *faults.RuntimeFault
	if errors.As(err, &rf) {
		return rf
	}
	// invokeHook only produces RegistrationError from on_register.
	return &faults.RuntimeFault{
		Code: faults.CodeTrap, ModuleID: in.mf.ModuleID, Hook: HookTick, Detail: err.Error(),
	}
}

// invokeHook is the single host->guest crossing point. Every guest failure,
// of any kind, is caught here and classified; nothing a guest does can
// propagate past this function.
func (in *Instance) invokeHook(ctx context.Context, hook string, tick uint64) error {
	if in.guest == nil || !in.guest.hasHook(hook) {
		return nil
	}

	in.fuel.ResetHook(in.hookBudget)
	in.pending = nil

	// Wall-clock watchdog: call-weight accounting cannot bound a compute
	// loop that makes no host calls, so the runtime is closed when the
	// deadline passes and the abort is classified as fuel exhaustion.
	cancel := func() {}
	if in.hookWallMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(in.hookWallMs)*time.Millisecond)
	}
	err := in.guest.invoke(ctx, hook, tick)
	cancel()

	if err == nil {
		return nil
	}
	return in.classify(hook, err)
}

func (in *Instance) classify(hook string, err error) error {
	// A fault recorded by a host wrapper is authoritative: the wrapper saw
	// the exhaustion or bounds violation first-hand.
	if f := in.pending; f != nil {
		in.pending = nil
		f.Hook = hook
		f.FuelUsed = in.fuel.HookUsed()
		return f
	}

	var regErr *faults.RegistrationError
	if errors.As(err, &regErr) {
		return regErr
	}
	var rf *faults.RuntimeFault
	if errors.As(err, &rf) {
		rf.Hook = hook
		rf.FuelUsed = in.fuel.HookUsed()
		return rf
	}

	code := faults.CodeTrap
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = faults.CodeFuelExhausted
	case isWasmOOB(err):
		code = faults.CodeOutOfBoundsAccess
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == 0 {
		// Guest called proc_exit(0); treat as a clean return.
		return nil
	}
	return &faults.RuntimeFault{
		Code:     code,
		ModuleID: in.mf.ModuleID,
		Hook:     hook,
		Detail:   err.Error(),
		FuelUsed: in.fuel.HookUsed(),
	}
}

// isWasmOOB matches wazero's trap text for linear-memory violations.
func isWasmOOB(err error) bool {
	return strings.Contains(err.Error(), "out of bounds memory access")
}

// charge debits one host call's fuel weight, aborting the hook when the
// ledger cannot cover it. Effects already committed by earlier calls stand.
func (in *Instance) charge(fn string) {
	if in.abandoned.Load() {
		// An abandoned native hook must not touch the ledger or host state
		// again; the panic unwinds its goroutine through the guest recover.
		panic(&faults.RuntimeFault{
			Code:     faults.CodeTrap,
			ModuleID: in.mf.ModuleID,
			Detail:   "host call after watchdog timeout",
		})
	}
	def := hostFunc(fn)
	if in.fuel.Debit(def.weight) {
		return
	}
	f := &faults.RuntimeFault{
		Code:     faults.CodeFuelExhausted,
		ModuleID: in.mf.ModuleID,
		Detail:   "fuel exhausted at " + fn,
	}
	in.pending = f
	panic(f)
}

// abort records a fault and unwinds out of the guest. Used by wrappers for
// marshaling violations (guest-supplied buffer outside its own memory).
func (in *Instance) abort(code, detail string) {
	f := &faults.RuntimeFault{Code: code, ModuleID: in.mf.ModuleID, Detail: detail}
	in.pending = f
	panic(f)
}
