// Package registry assigns deterministic numeric ids to module-declared
// content. Given the same load set in the same order, two independent engine
// processes (server and every client) produce bit-identical id mappings; the
// mapping itself is never transmitted, only its digest, in the same way the
// voxel catalogs exchange palette digests.
package registry

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/IamTheCarl/grid-engine/internal/faults"
)

// Category scopes an independent id space. Values are part of the guest ABI.
type Category uint32

const (
	CategoryBlock  Category = 1
	CategoryEntity Category = 2
	CategoryItem   Category = 3
	CategoryRecipe Category = 4
)

var categories = []Category{CategoryBlock, CategoryEntity, CategoryItem, CategoryRecipe}

func (c Category) String() string {
	switch c {
	case CategoryBlock:
		return "block"
	case CategoryEntity:
		return "entity"
	case CategoryItem:
		return "item"
	case CategoryRecipe:
		return "recipe"
	default:
		return fmt.Sprintf("category(%d)", uint32(c))
	}
}

func ValidCategory(c Category) bool {
	switch c {
	case CategoryBlock, CategoryEntity, CategoryItem, CategoryRecipe:
		return true
	}
	return false
}

// Key identifies one piece of content within a category.
type Key struct {
	Namespace string
	Local     string
}

func (k Key) String() string { return k.Namespace + ":" + k.Local }

// Entry is one committed registration.
type Entry struct {
	ID         uint32
	Category   Category
	Key        Key
	Owner      string // module id that holds the mapping
	Descriptor []byte
}

// reserved namespaces are owned by the engine itself.
var reservedNamespaces = map[string]struct{}{
	"core":   {},
	"engine": {},
}

func ReservedNamespace(ns string) bool {
	_, ok := reservedNamespaces[ns]
	return ok
}

// Registry holds the committed id mappings plus, during a module's
// registration call, a journal of staged entries so a failed module leaves
// no partial ids behind.
type Registry struct {
	entries map[Category]map[Key]*Entry
	order   map[Category][]Key // assignment order, drives digests
	nextID  map[Category]uint32

	sealed bool

	// Journal for the module currently registering.
	staging     string // module id, "" when idle
	staged      []stagedOp
	declaredNS  map[string]struct{}
	canOverride bool
}

type stagedOp struct {
	cat   Category
	key   Key
	fresh bool // id newly assigned (vs override of an existing mapping)
	prev  *Entry
}

// New returns a registry seeded with the engine's own block 0 (core:air),
// which keeps palette slot zero meaning "empty" everywhere downstream.
func New() *Registry {
	r := &Registry{
		entries: map[Category]map[Key]*Entry{},
		order:   map[Category][]Key{},
		nextID:  map[Category]uint32{},
	}
	for _, c := range categories {
		r.entries[c] = map[Key]*Entry{}
	}
	air := Key{Namespace: "core", Local: "air"}
	r.entries[CategoryBlock][air] = &Entry{ID: 0, Category: CategoryBlock, Key: air, Owner: "engine"}
	r.order[CategoryBlock] = append(r.order[CategoryBlock], air)
	r.nextID[CategoryBlock] = 1
	return r
}

// Begin opens a registration journal for moduleID. declared is the manifest's
// namespace list; override reports whether the module holds the override
// capability.
func (r *Registry) Begin(moduleID string, declared []string, override bool) error {
	if r.sealed {
		return fmt.Errorf("registry sealed: module %q registering after init phase", moduleID)
	}
	if r.staging != "" {
		return fmt.Errorf("registry busy: %q still staging", r.staging)
	}
	ns := map[string]struct{}{}
	for _, n := range declared {
		if ReservedNamespace(n) {
			return &faults.RegistrationError{
				Code: faults.CodeReservedNamespace, ModuleID: moduleID, Namespace: n,
			}
		}
		ns[n] = struct{}{}
	}
	r.staging = moduleID
	r.staged = r.staged[:0]
	r.declaredNS = ns
	r.canOverride = override
	return nil
}

// Register stages one (namespace, local-key) -> id assignment for the module
// opened by Begin. Ids ascend per category in call order.
func (r *Registry) Register(namespace, local string, cat Category, descriptor []byte) (uint32, error) {
	if r.staging == "" {
		return 0, fmt.Errorf("registry: Register outside Begin")
	}
	if !ValidCategory(cat) {
		return 0, fmt.Errorf("registry: unknown category %d for %s:%s", cat, namespace, local)
	}
	if ReservedNamespace(namespace) {
		return 0, &faults.RegistrationError{
			Code: faults.CodeReservedNamespace, ModuleID: r.staging, Namespace: namespace, Key: local,
		}
	}
	if _, ok := r.declaredNS[namespace]; !ok {
		return 0, &faults.RegistrationError{
			Code: faults.CodeReservedNamespace, ModuleID: r.staging, Namespace: namespace, Key: local,
		}
	}

	key := Key{Namespace: namespace, Local: local}
	if prev, exists := r.entries[cat][key]; exists {
		if !r.canOverride {
			return 0, &faults.RegistrationError{
				Code: faults.CodeDuplicateNamespaceKey, ModuleID: r.staging, Namespace: namespace, Key: local,
			}
		}
		// Override keeps the id: downstream consumers already holding it stay
		// valid; only the descriptor and owner change.
		saved := *prev
		prev.Owner = r.staging
		prev.Descriptor = descriptor
		r.staged = append(r.staged, stagedOp{cat: cat, key: key, prev: &saved})
		return prev.ID, nil
	}

	id := r.nextID[cat]
	r.nextID[cat] = id + 1
	r.entries[cat][key] = &Entry{
		ID: id, Category: cat, Key: key, Owner: r.staging, Descriptor: descriptor,
	}
	r.order[cat] = append(r.order[cat], key)
	r.staged = append(r.staged, stagedOp{cat: cat, key: key, fresh: true})
	return id, nil
}

// Commit closes the journal, keeping all staged registrations.
func (r *Registry) Commit() {
	r.staging = ""
	r.staged = nil
	r.declaredNS = nil
	r.canOverride = false
}

// Rollback undoes every staged registration of the current module, restoring
// overridden entries and releasing freshly assigned ids. Assignments are
// undone newest-first so nextID unwinds exactly.
func (r *Registry) Rollback() {
	for i := len(r.staged) - 1; i >= 0; i-- {
		op := r.staged[i]
		if op.fresh {
			delete(r.entries[op.cat], op.key)
			ord := r.order[op.cat]
			r.order[op.cat] = ord[:len(ord)-1]
			r.nextID[op.cat]--
			continue
		}
		// Restore the pre-override entry in place.
		*r.entries[op.cat][op.key] = *op.prev
	}
	r.Commit()
}

// Seal ends the init phase; all further registration attempts fail.
func (r *Registry) Seal() { r.sealed = true }

func (r *Registry) Sealed() bool { return r.sealed }

// Lookup returns the id for (namespace, local) in cat.
func (r *Registry) Lookup(cat Category, namespace, local string) (uint32, bool) {
	e, ok := r.entries[cat][Key{Namespace: namespace, Local: local}]
	if !ok {
		return 0, false
	}
	return e.ID, true
}

// Descriptor returns the committed descriptor bytes for an entry.
func (r *Registry) Descriptor(cat Category, namespace, local string) ([]byte, bool) {
	e, ok := r.entries[cat][Key{Namespace: namespace, Local: local}]
	if !ok {
		return nil, false
	}
	return e.Descriptor, true
}

func (r *Registry) Count(cat Category) int { return len(r.entries[cat]) }

// Mapping returns the committed entries of one category in assignment order.
func (r *Registry) Mapping(cat Category) []Entry {
	out := make([]Entry, 0, len(r.order[cat]))
	for _, k := range r.order[cat] {
		out = append(out, *r.entries[cat][k])
	}
	return out
}

// Digest hashes one category's ordered (key, id) mapping. Descriptors are
// excluded: the digest verifies id agreement between peers, not content.
func (r *Registry) Digest(cat Category) string {
	h := sha256.New()
	var tmp [4]byte
	for _, k := range r.order[cat] {
		e := r.entries[cat][k]
		h.Write([]byte(k.Namespace))
		h.Write([]byte{0})
		h.Write([]byte(k.Local))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint32(tmp[:], e.ID)
		h.Write(tmp[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CombinedDigest hashes all category digests in a fixed order. This is the
// single checksum a replication layer exchanges during handshake.
func (r *Registry) CombinedDigest() string {
	h := sha256.New()
	for _, c := range categories {
		h.Write([]byte(c.String()))
		h.Write([]byte{0})
		h.Write([]byte(r.Digest(c)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Owners returns the distinct module ids owning committed entries, sorted.
func (r *Registry) Owners() []string {
	set := map[string]struct{}{}
	for _, c := range categories {
		for _, e := range r.entries[c] {
			set[e.Owner] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}
