package sandbox

import (
	"context"
	"sync/atomic"

	"github.com/IamTheCarl/grid-engine/internal/faults"
	"github.com/IamTheCarl/grid-engine/internal/modules"
)

// Guest hook export names.
const (
	HookRegister = "on_register"
	HookTick     = "on_tick"
)

// guest abstracts the execution backend: wasm (wazero) in production,
// native Go in dev mode and tests. Both route every host effect through the
// same granted wrappers, so fuel, capability and fault semantics are
// identical.
type guest interface {
	hasHook(name string) bool
	invoke(ctx context.Context, hook string, tick uint64) error
	close(ctx context.Context) error
}

// Instance is one loaded module in one engine process: isolated guest,
// immutable capability grant, fuel ledger and lifecycle state. Instances are
// owned by the scheduler and never shared across goroutines.
type Instance struct {
	mf    modules.Manifest
	grant map[string]struct{}
	state State

	fuel FuelLedger
	host Host

	hookBudget uint64
	hookWallMs int

	// abandoned is set when the watchdog times out a native hook. The
	// runaway goroutine checks it on its next host call; the scheduler
	// quarantines the instance on its next invocation.
	abandoned atomic.Bool

	guest guest

	// pending is the fault a host wrapper recorded immediately before
	// aborting the hook. The bridge prefers it over error-string
	// classification because the abort panic may be rewrapped on its way
	// out of the guest runtime.
	pending *faults.RuntimeFault
}

func (in *Instance) ModuleID() string           { return in.mf.ModuleID }
func (in *Instance) Manifest() modules.Manifest { return in.mf }
func (in *Instance) State() State               { return in.state }
func (in *Instance) SetState(s State)           { in.state = s }
func (in *Instance) Fuel() *FuelLedger          { return &in.fuel }
func (in *Instance) HasHook(name string) bool   { return in.guest.hasHook(name) }

// Granted reports whether the instance holds capability cap. The grant is
// computed once at link time and never mutated; revocation is quarantine.
func (in *Instance) Granted(cap string) bool {
	_, ok := in.grant[cap]
	return ok
}

// Close releases guest memory. Idempotent.
func (in *Instance) Close(ctx context.Context) error {
	if in.guest == nil {
		return nil
	}
	err := in.guest.close(ctx)
	in.guest = nil
	return err
}
