// Package world is the world-storage collaborator consumed by host
// functions. It stores blocks by registry-assigned id in 16x16 chunk columns
// and keeps minimal entity and inventory tables. Everything here is mutated
// only from the simulation thread, through capability calls; manifest-order
// scheduling is the concurrency control, so there are no locks.
package world

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

const chunkSide = 16

type ChunkKey struct {
	CX int
	CZ int
}

type Chunk struct {
	CX, CZ int
	Blocks []uint32 // len = 16*16, flat column, id 0 = air

	dirty bool
	hash  [32]byte
}

func (c *Chunk) index(x, z int) int { return x + z*chunkSide }

func (c *Chunk) Get(x, z int) uint32 { return c.Blocks[c.index(x, z)] }

func (c *Chunk) Set(x, z int, b uint32) {
	i := c.index(x, z)
	if c.Blocks[i] == b {
		return
	}
	c.Blocks[i] = b
	c.dirty = true
}

func (c *Chunk) Digest() [32]byte {
	if c.dirty || c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [4]byte
		for _, v := range c.Blocks {
			binary.LittleEndian.PutUint32(tmp[:], v)
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.dirty = false
	}
	return c.hash
}

// Entity is a spawned entity instance. TypeID is a registry entity id.
type Entity struct {
	ID      uint64
	TypeID  uint32
	X, Y, Z int
}

// Store is the in-process world state. Chunks materialize empty (all air) on
// first touch; terrain generation belongs to the world-gen collaborator, not
// this core.
type Store struct {
	BoundaryR int

	chunks map[ChunkKey]*Chunk

	entities   map[uint64]*Entity
	nextEntity uint64

	// inventories: container id -> item id -> count.
	inventories map[uint64]map[uint32]int
}

func NewStore(boundaryR int) *Store {
	return &Store{
		BoundaryR:   boundaryR,
		chunks:      map[ChunkKey]*Chunk{},
		entities:    map[uint64]*Entity{},
		inventories: map[uint64]map[uint32]int{},
	}
}

func (s *Store) InBounds(x, y, z int) bool {
	if y != 0 {
		return false
	}
	if s.BoundaryR > 0 {
		if x < -s.BoundaryR || x > s.BoundaryR || z < -s.BoundaryR || z > s.BoundaryR {
			return false
		}
	}
	return true
}

func (s *Store) GetBlock(x, y, z int) uint32 {
	if !s.InBounds(x, y, z) {
		return 0
	}
	ch, ok := s.chunks[ChunkKey{CX: floorDiv(x, chunkSide), CZ: floorDiv(z, chunkSide)}]
	if !ok {
		return 0
	}
	return ch.Get(mod(x, chunkSide), mod(z, chunkSide))
}

func (s *Store) SetBlock(x, y, z int, b uint32) {
	if !s.InBounds(x, y, z) {
		return
	}
	ch := s.getOrMakeChunk(floorDiv(x, chunkSide), floorDiv(z, chunkSide))
	ch.Set(mod(x, chunkSide), mod(z, chunkSide), b)
}

func (s *Store) getOrMakeChunk(cx, cz int) *Chunk {
	k := ChunkKey{CX: cx, CZ: cz}
	if ch, ok := s.chunks[k]; ok {
		return ch
	}
	ch := &Chunk{CX: cx, CZ: cz, Blocks: make([]uint32, chunkSide*chunkSide)}
	s.chunks[k] = ch
	return ch
}

func (s *Store) LoadedChunkKeys() []ChunkKey {
	keys := make([]ChunkKey, 0, len(s.chunks))
	for k := range s.chunks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
	return keys
}

// SpawnEntity creates an entity and returns its id. Entity ids are a plain
// counter, so independent instances replaying the same call stream agree.
func (s *Store) SpawnEntity(typeID uint32, x, y, z int) (uint64, error) {
	if !s.InBounds(x, y, z) {
		return 0, fmt.Errorf("spawn out of bounds: (%d,%d,%d)", x, y, z)
	}
	s.nextEntity++
	id := s.nextEntity
	s.entities[id] = &Entity{ID: id, TypeID: typeID, X: x, Y: y, Z: z}
	return id, nil
}

func (s *Store) Entity(id uint64) (Entity, bool) {
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

func (s *Store) EntityCount() int { return len(s.entities) }

// ItemCount reports how many of item the container holds.
func (s *Store) ItemCount(container uint64, item uint32) int {
	return s.inventories[container][item]
}

// AddItems credits a container, materializing it on first use.
func (s *Store) AddItems(container uint64, item uint32, qty int) {
	if qty <= 0 {
		return
	}
	inv, ok := s.inventories[container]
	if !ok {
		inv = map[uint32]int{}
		s.inventories[container] = inv
	}
	inv[item] += qty
}

// Transfer moves qty of item from src to dst, failing without partial effect
// when src holds too few.
func (s *Store) Transfer(src, dst uint64, item uint32, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("transfer qty must be positive")
	}
	if src == dst {
		return fmt.Errorf("transfer src == dst")
	}
	have := s.inventories[src][item]
	if have < qty {
		return fmt.Errorf("transfer: container %d holds %d of item %d, need %d", src, have, item, qty)
	}
	s.inventories[src][item] = have - qty
	if s.inventories[src][item] == 0 {
		delete(s.inventories[src], item)
	}
	s.AddItems(dst, item, qty)
	return nil
}

// Digest hashes loaded chunks, entities and inventories. Used by determinism
// tests and the observer stream, never by the simulation itself.
func (s *Store) Digest() string {
	h := sha256.New()
	var tmp [8]byte
	for _, k := range s.LoadedChunkKeys() {
		binary.LittleEndian.PutUint64(tmp[:], uint64(int64(k.CX)))
		h.Write(tmp[:])
		binary.LittleEndian.PutUint64(tmp[:], uint64(int64(k.CZ)))
		h.Write(tmp[:])
		d := s.chunks[k].Digest()
		h.Write(d[:])
	}

	entIDs := make([]uint64, 0, len(s.entities))
	for id := range s.entities {
		entIDs = append(entIDs, id)
	}
	sort.Slice(entIDs, func(i, j int) bool { return entIDs[i] < entIDs[j] })
	for _, id := range entIDs {
		e := s.entities[id]
		fmt.Fprintf(h, "E%d:%d:%d,%d,%d;", e.ID, e.TypeID, e.X, e.Y, e.Z)
	}

	contIDs := make([]uint64, 0, len(s.inventories))
	for id := range s.inventories {
		contIDs = append(contIDs, id)
	}
	sort.Slice(contIDs, func(i, j int) bool { return contIDs[i] < contIDs[j] })
	for _, id := range contIDs {
		inv := s.inventories[id]
		items := make([]uint32, 0, len(inv))
		for it := range inv {
			items = append(items, it)
		}
		sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
		for _, it := range items {
			fmt.Fprintf(h, "I%d:%d=%d;", id, it, inv[it])
		}
	}

	sum := h.Sum(nil)
	return fmt.Sprintf("%x", sum)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
