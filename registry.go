package dagrun

import (
	"sync"
	"weak"

	"github.com/google/uuid"
)

// atomRegistry is the process-wide weak-reference registry of every
// constructed Atom, keyed by its UUID. It exists so tooling (the
// graph-debug extension, execution-tree rendering) can resolve an
// AnyAtom's human name from anywhere without atoms themselves holding
// the registry alive — mirroring spec's Design Notes guidance on
// "global registries via weak references" using stdlib weak.Pointer.
//
// The weak pointer must target the concrete *Atom[T] the caller
// retains (Provide/derivedAtom's own return value), never a local copy
// of the AnyAtom interface box — a weak pointer to the latter loses
// its referent the instant the registering call returns, since nothing
// else holds that particular interface value alive. registerAtom is
// therefore generic: it closes over the typed weak.Pointer[Atom[T]] so
// the map can still store a uniform, type-erased entry.
var atomRegistry sync.Map // uuid.UUID -> weakAtomEntry

type weakAtomEntry struct {
	resolve func() (AnyAtom, bool)
}

func registerAtom[T any](a *Atom[T]) {
	ptr := weak.Make(a)
	atomRegistry.Store(a.id, weakAtomEntry{
		resolve: func() (AnyAtom, bool) {
			v := ptr.Value()
			if v == nil {
				return nil, false
			}
			return v, true
		},
	})
}

// lookupAtom returns the still-alive AnyAtom for id, or false if it
// has since been garbage collected (no strong references remain) or
// was never registered.
func lookupAtom(id uuid.UUID) (AnyAtom, bool) {
	v, ok := atomRegistry.Load(id)
	if !ok {
		return nil, false
	}
	entry := v.(weakAtomEntry)
	a, ok := entry.resolve()
	if !ok {
		atomRegistry.Delete(id)
		return nil, false
	}
	return a, true
}

// atomDisplayName returns a's diagnostic name, falling back to the
// registry and finally to the raw id.
func atomDisplayName(a AnyAtom) string {
	if a == nil {
		return "<nil>"
	}
	if n := a.atomName(); n != "" {
		return n
	}
	if found, ok := lookupAtom(a.atomID()); ok {
		return found.atomName()
	}
	return a.atomID().String()
}

// tagRegistry is the process-wide weak-reference registry of every
// constructed Tag's identity, keyed by the weak pointer to that
// identity (weak pointers made from the same *tagIdentity compare
// equal), so the registry itself never keeps a tag alive. It backs
// AllRegisteredTagLabels, the tag-side counterpart of the atom
// registry's diagnostic enumeration, per spec's Helper-components list
// ("global tag/atom registries (WeakRef)").
var tagRegistry sync.Map // weak.Pointer[tagIdentity] -> weak.Pointer[tagIdentity]

func registerTagIdentity(id *tagIdentity) {
	ptr := weak.Make(id)
	tagRegistry.Store(ptr, ptr)
}

// AllRegisteredTagLabels returns the labels of every Tag currently
// alive anywhere in the process, for tooling/diagnostics. Tags whose
// identity has since been collected are pruned from the registry as
// they're encountered.
func AllRegisteredTagLabels() []string {
	var out []string
	tagRegistry.Range(func(key, value any) bool {
		ptr := value.(weak.Pointer[tagIdentity])
		if id := ptr.Value(); id != nil {
			out = append(out, id.label)
		} else {
			tagRegistry.Delete(key)
		}
		return true
	})
	return out
}
