package sandbox

import (
	"bytes"
	"context"
	"fmt"

	"github.com/IamTheCarl/grid-engine/internal/faults"
	"github.com/IamTheCarl/grid-engine/internal/modules"
	"github.com/IamTheCarl/grid-engine/internal/tuning"
)

// Policy is the deployment policy slice the loader enforces, derived from
// tuning by the engine host.
type Policy struct {
	SupportedABI        []int
	AllowedCapabilities []string
	MaxMemoryPages      uint32
	HookFuelBudget      uint64
	HookWallClockMs     int
}

func PolicyFromTuning(t tuning.Tuning) Policy {
	return Policy{
		SupportedABI:        t.SupportedABI,
		AllowedCapabilities: t.AllowedCapabilities,
		MaxMemoryPages:      t.MaxMemoryPages,
		HookFuelBudget:      t.HookFuelBudget,
		HookWallClockMs:     t.HookWallClockMs,
	}
}

func (p Policy) supportsABI(v int) bool {
	for _, s := range p.SupportedABI {
		if s == v {
			return true
		}
	}
	return false
}

func (p Policy) allowsCapability(cap string) bool {
	for _, c := range p.AllowedCapabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Loader verifies module packages and produces linked instances. Loading is
// synchronous and idempotent-on-failure: any error leaves no partial
// instance behind.
type Loader struct {
	policy Policy
}

func NewLoader(policy Policy) *Loader {
	return &Loader{policy: policy}
}

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Load verifies and links a wasm package against host, returning an
// instance in state Linked. Checks run in a fixed order so operators see the
// same first failure everywhere: well-formedness, ABI, capabilities, memory.
func (l *Loader) Load(ctx context.Context, pkg *modules.Package, host Host) (*Instance, error) {
	mf := pkg.Manifest
	if mf.Runtime != modules.RuntimeWasm {
		return nil, &faults.LoadError{
			Code: faults.CodeInvalidBinary, ModuleID: mf.ModuleID,
			Detail: fmt.Sprintf("runtime %q is not loadable from a package", mf.Runtime),
		}
	}
	if len(pkg.Wasm) < 8 || !bytes.HasPrefix(pkg.Wasm, wasmMagic) {
		return nil, &faults.LoadError{
			Code: faults.CodeInvalidBinary, ModuleID: mf.ModuleID, Detail: "not a wasm binary",
		}
	}

	in, err := l.verify(mf, host)
	if err != nil {
		return nil, err
	}

	memLimit := l.policy.MaxMemoryPages
	if mf.MemoryPages > 0 && mf.MemoryPages < memLimit {
		memLimit = mf.MemoryPages
	}

	g, err := instantiateWasm(ctx, in, pkg.Wasm, memLimit)
	if err != nil {
		return nil, err
	}
	in.guest = g
	in.state = StateLinked
	return in, nil
}

// LoadNative verifies and links an in-process guest. It walks the same
// verification and grant path as wasm loading; only the final linking step
// differs.
func (l *Loader) LoadNative(mf modules.Manifest, mod NativeModule, host Host) (*Instance, error) {
	if mf.Runtime != modules.RuntimeNative {
		return nil, &faults.LoadError{
			Code: faults.CodeInvalidBinary, ModuleID: mf.ModuleID,
			Detail: fmt.Sprintf("runtime %q is not native", mf.Runtime),
		}
	}
	in, err := l.verify(mf, host)
	if err != nil {
		return nil, err
	}
	g := &nativeGuest{mod: mod, in: in}
	g.env = linkNativeEnv(in)
	in.guest = g
	in.state = StateLinked
	return in, nil
}

// verify applies the manifest-level checks and computes the capability
// grant. Capabilities are checked in manifest order so the error names the
// first disallowed one.
func (l *Loader) verify(mf modules.Manifest, host Host) (*Instance, error) {
	if !l.policy.supportsABI(mf.ABIVersion) {
		return nil, &faults.LoadError{
			Code: faults.CodeAbiMismatch, ModuleID: mf.ModuleID,
			Detail: fmt.Sprintf("module targets ABI %d, host supports %v", mf.ABIVersion, l.policy.SupportedABI),
		}
	}
	for _, cap := range mf.Capabilities {
		if !l.policy.allowsCapability(cap) {
			return nil, &faults.LoadError{
				Code: faults.CodeCapabilityDenied, ModuleID: mf.ModuleID, Detail: cap,
			}
		}
	}
	if mf.MemoryPages > l.policy.MaxMemoryPages {
		return nil, &faults.LoadError{
			Code: faults.CodeMemoryLimitExceeded, ModuleID: mf.ModuleID,
			Detail: fmt.Sprintf("declares %d pages, policy allows %d", mf.MemoryPages, l.policy.MaxMemoryPages),
		}
	}

	// The grant is the verified request set, fixed for the instance's
	// lifetime. Revocation is expressed by quarantine, never by mutation.
	grant := make(map[string]struct{}, len(mf.Capabilities))
	for _, cap := range mf.Capabilities {
		grant[cap] = struct{}{}
	}

	return &Instance{
		mf:         mf,
		grant:      grant,
		state:      StateVerified,
		host:       host,
		hookBudget: l.policy.HookFuelBudget,
		hookWallMs: l.policy.HookWallClockMs,
	}, nil
}
