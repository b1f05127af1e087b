package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/IamTheCarl/grid-engine/internal/faults"
)

// HostModuleName is the wasm import module guests link host functions from.
const HostModuleName = "grid"

type wasmGuest struct {
	rt  wazero.Runtime
	mod api.Module

	register api.Function
	tick     api.Function
}

func (g *wasmGuest) hasHook(name string) bool {
	switch name {
	case HookRegister:
		return g.register != nil
	case HookTick:
		return g.tick != nil
	}
	return false
}

func (g *wasmGuest) invoke(ctx context.Context, hook string, tick uint64) error {
	switch hook {
	case HookRegister:
		_, err := g.register.Call(ctx)
		return err
	case HookTick:
		_, err := g.tick.Call(ctx, tick)
		return err
	}
	return nil
}

func (g *wasmGuest) close(ctx context.Context) error { return g.rt.Close(ctx) }

// instantiateWasm builds a dedicated runtime for one instance: its memory
// ceiling, its host module containing only granted functions, its compiled
// guest. A per-instance runtime keeps modules from sharing anything at all.
func instantiateWasm(ctx context.Context, in *Instance, binary []byte, memLimitPages uint32) (*wasmGuest, error) {
	rcfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, rcfg)

	if err := exportHostModule(ctx, rt, in); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("link host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, binary)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, &faults.LoadError{
			Code: faults.CodeInvalidBinary, ModuleID: in.mf.ModuleID, Detail: err.Error(),
		}
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(in.mf.ModuleID))
	if err != nil {
		_ = rt.Close(ctx)
		// An import absent from the host module means the guest reached for
		// a function its grant does not cover; that is a capability failure,
		// not a malformed binary.
		if isWasmUnresolvedImport(err) {
			return nil, &faults.LoadError{
				Code: faults.CodeCapabilityDenied, ModuleID: in.mf.ModuleID, Detail: err.Error(),
			}
		}
		return nil, &faults.LoadError{
			Code: faults.CodeInvalidBinary, ModuleID: in.mf.ModuleID, Detail: err.Error(),
		}
	}

	return &wasmGuest{
		rt:       rt,
		mod:      mod,
		register: mod.ExportedFunction(HookRegister),
		tick:     mod.ExportedFunction(HookTick),
	}, nil
}

func isWasmUnresolvedImport(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "is not exported") || strings.Contains(msg, "not instantiated")
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// exportHostModule instantiates the "grid" host module for one instance,
// exporting only the granted entries of the host function table. Primitives
// cross by value; buffers cross as (offset, length) into the guest's own
// linear memory and are copied out before use, so no guest pointer outlives
// a call and the host never dereferences unchecked addresses.
func exportHostModule(ctx context.Context, rt wazero.Runtime, in *Instance) error {
	b := rt.NewHostModuleBuilder(HostModuleName)

	if in.Granted(CapWorldMutate) {
		b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
			func(ctx context.Context, m api.Module, stack []uint64) {
				in.charge(FnSetBlock)
				in.host.SetBlock(
					int32(uint32(stack[0])), int32(uint32(stack[1])), int32(uint32(stack[2])),
					uint32(stack[3]),
				)
			}), []api.ValueType{i32, i32, i32, i32}, nil).Export(FnSetBlock)
	}

	if in.Granted(CapWorldRead) {
		b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
			func(ctx context.Context, m api.Module, stack []uint64) {
				in.charge(FnGetBlock)
				id := in.host.GetBlock(
					int32(uint32(stack[0])), int32(uint32(stack[1])), int32(uint32(stack[2])),
				)
				stack[0] = uint64(id)
			}), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}).Export(FnGetBlock)
	}

	if in.Granted(CapEntitySpawn) {
		b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
			func(ctx context.Context, m api.Module, stack []uint64) {
				in.charge(FnEntitySpawn)
				id, err := in.host.SpawnEntity(
					uint32(stack[0]),
					int32(uint32(stack[1])), int32(uint32(stack[2])), int32(uint32(stack[3])),
				)
				if err != nil {
					// Domain rejection, not a fault: id 0 is never valid.
					stack[0] = 0
					return
				}
				stack[0] = id
			}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i64}).Export(FnEntitySpawn)
	}

	if in.Granted(CapInvMutate) {
		b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
			func(ctx context.Context, m api.Module, stack []uint64) {
				in.charge(FnInvTransfer)
				err := in.host.TransferItems(
					stack[0], stack[1], uint32(stack[2]), int32(uint32(stack[3])),
				)
				if err != nil {
					stack[0] = 1
					return
				}
				stack[0] = 0
			}), []api.ValueType{i64, i64, i32, i32}, []api.ValueType{i32}).Export(FnInvTransfer)
	}

	if in.Granted(CapDiagnostics) {
		b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
			func(ctx context.Context, m api.Module, stack []uint64) {
				in.charge(FnLogWrite)
				msg := in.readGuestBytes(m, uint32(stack[1]), uint32(stack[2]))
				in.host.LogWrite(uint32(stack[0]), string(msg))
			}), []api.ValueType{i32, i32, i32}, nil).Export(FnLogWrite)
	}

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			in.charge(FnRegisterContent)
			ns := in.readGuestBytes(m, uint32(stack[0]), uint32(stack[1]))
			key := in.readGuestBytes(m, uint32(stack[2]), uint32(stack[3]))
			desc := in.readGuestBytes(m, uint32(stack[5]), uint32(stack[6]))
			id, err := in.host.RegisterContent(string(ns), string(key), uint32(stack[4]), desc)
			if err != nil {
				panic(err)
			}
			stack[0] = uint64(id)
		}), []api.ValueType{i32, i32, i32, i32, i32, i32, i32}, []api.ValueType{i64}).Export(FnRegisterContent)

	_, err := b.Instantiate(ctx)
	return err
}

// readGuestBytes copies (offset, length) out of guest linear memory. A range
// outside the guest's own memory aborts the hook as an out-of-bounds fault.
func (in *Instance) readGuestBytes(m api.Module, offset, length uint32) []byte {
	if length == 0 {
		return nil
	}
	buf, ok := m.Memory().Read(offset, length)
	if !ok {
		in.abort(faults.CodeOutOfBoundsAccess, fmt.Sprintf("buffer (%d,%d) outside guest memory", offset, length))
	}
	out := make([]byte, length)
	copy(out, buf)
	return out
}
