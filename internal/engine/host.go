package engine

import (
	"github.com/IamTheCarl/grid-engine/internal/registry"
)

// binding is the per-instance sandbox.Host implementation. It closes over
// the module id so guest effects are attributable without the guest ever
// naming itself.
type binding struct {
	eng      *Engine
	moduleID string
}

func (b *binding) SetBlock(x, y, z int32, block uint32) {
	b.eng.store.SetBlock(int(x), int(y), int(z), block)
}

func (b *binding) GetBlock(x, y, z int32) uint32 {
	return b.eng.store.GetBlock(int(x), int(y), int(z))
}

func (b *binding) SpawnEntity(typeID uint32, x, y, z int32) (uint64, error) {
	return b.eng.store.SpawnEntity(typeID, int(x), int(y), int(z))
}

func (b *binding) TransferItems(src, dst uint64, item uint32, qty int32) error {
	return b.eng.store.Transfer(src, dst, item, int(qty))
}

func (b *binding) LogWrite(level uint32, msg string) {
	if len(msg) > 512 {
		msg = msg[:512]
	}
	b.eng.logger.Printf("[mod %s] L%d %s", b.moduleID, level, msg)
}

func (b *binding) RegisterContent(namespace, local string, category uint32, descriptor []byte) (uint32, error) {
	return b.eng.reg.Register(namespace, local, registry.Category(category), descriptor)
}
