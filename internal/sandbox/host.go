package sandbox

// Host is the engine-side surface behind the call bridge. One Host binding
// exists per module instance (the engine closes over the module id), so
// implementations never see raw guest state: the bridge owns capability
// gating, fuel accounting and marshaling, and a Host only commits effects.
//
// Commits are immediate and non-transactional: effects applied before a hook
// faults stay applied.
type Host interface {
	SetBlock(x, y, z int32, block uint32)
	GetBlock(x, y, z int32) uint32
	SpawnEntity(typeID uint32, x, y, z int32) (uint64, error)
	TransferItems(src, dst uint64, item uint32, qty int32) error
	LogWrite(level uint32, msg string)
	RegisterContent(namespace, local string, category uint32, descriptor []byte) (uint32, error)
}

// Guest-facing host function names. These are the import names a wasm guest
// links against (module "grid") and the only channel by which guest code can
// affect host state.
const (
	FnSetBlock        = "world.set_block"
	FnGetBlock        = "world.get_block"
	FnEntitySpawn     = "entity.spawn"
	FnInvTransfer     = "inventory.transfer"
	FnLogWrite        = "log.write"
	FnRegisterContent = "registry.register_content"
)

// Capability names a manifest may request. CapOverride has no host function;
// it changes registry collision behavior.
const (
	CapWorldRead   = "world.read"
	CapWorldMutate = "world.mutate"
	CapEntitySpawn = "entity.spawn"
	CapInvMutate   = "inventory.mutate"
	CapDiagnostics = "diagnostics"
	CapOverride    = "override"
)

// hostFuncDef is one entry of the host function table: the fuel weight
// reflects the call's real cost, and the capability tag decides whether the
// function is linked at all for a given instance.
type hostFuncDef struct {
	name       string
	capability string // "" links unconditionally
	weight     uint64
}

var hostFuncTable = []hostFuncDef{
	{name: FnSetBlock, capability: CapWorldMutate, weight: 10},
	{name: FnGetBlock, capability: CapWorldRead, weight: 2},
	{name: FnEntitySpawn, capability: CapEntitySpawn, weight: 20},
	{name: FnInvTransfer, capability: CapInvMutate, weight: 5},
	{name: FnLogWrite, capability: CapDiagnostics, weight: 1},
	{name: FnRegisterContent, capability: "", weight: 2},
}

func hostFunc(name string) hostFuncDef {
	for _, d := range hostFuncTable {
		if d.name == name {
			return d
		}
	}
	panic("sandbox: unknown host function " + name)
}

// FuelWeight exposes a host function's cost (operator docs, tests).
func FuelWeight(name string) uint64 { return hostFunc(name).weight }

// CapabilityFor reports the capability gating a host function and whether
// the name is known at all. An empty capability links unconditionally.
func CapabilityFor(name string) (string, bool) {
	for _, d := range hostFuncTable {
		if d.name == name {
			return d.capability, true
		}
	}
	return "", false
}

// NopHost discards every effect. Verification tooling and tests link
// against it when no simulation state exists.
type NopHost struct{}

func (NopHost) SetBlock(x, y, z int32, block uint32) {}
func (NopHost) GetBlock(x, y, z int32) uint32        { return 0 }
func (NopHost) SpawnEntity(typeID uint32, x, y, z int32) (uint64, error) {
	return 1, nil
}
func (NopHost) TransferItems(src, dst uint64, item uint32, qty int32) error { return nil }
func (NopHost) LogWrite(level uint32, msg string)                           {}
func (NopHost) RegisterContent(namespace, local string, category uint32, descriptor []byte) (uint32, error) {
	return 0, nil
}
