package sandbox

import (
	"context"
	"fmt"
)

// NativeModule is a guest implemented in Go, used for in-tree content in dev
// mode and for exercising the full bridge/fuel/quarantine machinery in
// tests. Nil hooks are simply absent, like a missing wasm export.
type NativeModule struct {
	Register func(env *Env) error
	Tick     func(env *Env, tick uint64) error
}

// Env is the linked host environment handed to a native guest. Only granted
// functions are populated; an ungranted function is nil, so calling it traps
// the same way an unresolvable wasm import does.
type Env struct {
	SetBlock        func(x, y, z int32, block uint32)
	GetBlock        func(x, y, z int32) uint32
	SpawnEntity     func(typeID uint32, x, y, z int32) (uint64, error)
	TransferItems   func(src, dst uint64, item uint32, qty int32) error
	Log             func(level uint32, msg string)
	RegisterContent func(namespace, local string, category uint32, descriptor []byte) uint32
}

type nativeGuest struct {
	mod NativeModule
	env *Env
	in  *Instance
}

func (g *nativeGuest) hasHook(name string) bool {
	switch name {
	case HookRegister:
		return g.mod.Register != nil
	case HookTick:
		return g.mod.Tick != nil
	}
	return false
}

// invoke runs the hook on its own goroutine so the watchdog context bounds
// native guests the same way it bounds wasm ones. Go code cannot be
// preempted, so a timed-out hook is abandoned: the instance is marked and
// the runaway goroutine unwinds at its next host call. A compute loop that
// never calls the host leaks the goroutine, which is why native modules are
// confined to dev mode and tests.
func (g *nativeGuest) invoke(ctx context.Context, hook string, tick uint64) error {
	if g.in.abandoned.Load() {
		return fmt.Errorf("guest abandoned after watchdog timeout")
	}
	done := make(chan error, 1)
	go func() { done <- g.call(hook, tick) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		g.in.abandoned.Store(true)
		return ctx.Err()
	}
}

func (g *nativeGuest) call(hook string, tick uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("guest panic: %v", r)
		}
	}()
	switch hook {
	case HookRegister:
		return g.mod.Register(g.env)
	case HookTick:
		return g.mod.Tick(g.env, tick)
	}
	return nil
}

func (g *nativeGuest) close(context.Context) error { return nil }

// linkNativeEnv wires the granted subset of the host function table into an
// Env. Each wrapper debits its declared weight before committing, matching
// the wasm bindings exactly.
func linkNativeEnv(in *Instance) *Env {
	env := &Env{}
	if in.Granted(CapWorldMutate) {
		env.SetBlock = func(x, y, z int32, block uint32) {
			in.charge(FnSetBlock)
			in.host.SetBlock(x, y, z, block)
		}
	}
	if in.Granted(CapWorldRead) {
		env.GetBlock = func(x, y, z int32) uint32 {
			in.charge(FnGetBlock)
			return in.host.GetBlock(x, y, z)
		}
	}
	if in.Granted(CapEntitySpawn) {
		env.SpawnEntity = func(typeID uint32, x, y, z int32) (uint64, error) {
			in.charge(FnEntitySpawn)
			return in.host.SpawnEntity(typeID, x, y, z)
		}
	}
	if in.Granted(CapInvMutate) {
		env.TransferItems = func(src, dst uint64, item uint32, qty int32) error {
			in.charge(FnInvTransfer)
			return in.host.TransferItems(src, dst, item, qty)
		}
	}
	if in.Granted(CapDiagnostics) {
		env.Log = func(level uint32, msg string) {
			in.charge(FnLogWrite)
			in.host.LogWrite(level, msg)
		}
	}
	env.RegisterContent = func(namespace, local string, category uint32, descriptor []byte) uint32 {
		in.charge(FnRegisterContent)
		id, err := in.host.RegisterContent(namespace, local, category, descriptor)
		if err != nil {
			// Registration rejections abort the module's whole init; the
			// scheduler rolls its staged ids back.
			panic(err)
		}
		return id
	}
	return env
}
