package memmod

import (
	"debug/elf"
	"fmt"
	"slices"
	"strings"
)

// Module is a shared object mapped into guest memory.
type Module struct {
	// Name is the name the module was first loaded under.
	Name string
	// Path is the guest path the image was read from.
	Path string
	// Soname is the DT_SONAME of the image, if any.
	Soname string
	// Base is the load bias and the module handle.
	Base uint64
	// Size is the extent of the mapped image from Base.
	Size uint64
	// Needed lists the DT_NEEDED libraries in order.
	Needed []string

	exports    map[string]uint64
	imports    []importRef
	bound      map[string]binding
	unresolved []string
	inits      []InitFunction
	segments   []segment
	refs       int
}

type importRef struct {
	name string
	weak bool
}

type binding struct {
	value uint64
	from  *Module // nil when supplied by a hook
}

type segment struct {
	addr, size uint64
}

// Symbol is a resolved symbol.
type Symbol struct {
	Name   string
	Value  uint64
	Module *Module
}

// InitFunction is a static initializer the guest must run before the
// module is used.
type InitFunction struct {
	Address uint64
	// Source is elf.DT_INIT or elf.DT_INIT_ARRAY.
	Source elf.DynTag
	// Index is the position in the init array.
	Index int
}

func (f InitFunction) String() string {
	return fmt.Sprintf("%v[%d]@0x%x", f.Source, f.Index, f.Address)
}

// Contains reports whether addr lies within the mapped image.
func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr-m.Base < m.Size
}

// Refs returns the number of outstanding loads of the module.
func (m *Module) Refs() int { return m.refs }

// Export returns the address of the exported symbol name.
func (m *Module) Export(name string) (uint64, bool) {
	v, ok := m.exports[name]
	return v, ok
}

// Exports returns the exported symbols ordered by address then name.
func (m *Module) Exports() []Symbol {
	syms := make([]Symbol, 0, len(m.exports))
	for name, v := range m.exports {
		syms = append(syms, Symbol{Name: name, Value: v, Module: m})
	}
	slices.SortFunc(syms, func(a, b Symbol) int {
		if a.Value != b.Value {
			if a.Value < b.Value {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return syms
}

// Unresolved returns the imports that are not yet bound, in declaration
// order.
func (m *Module) Unresolved() []string {
	return slices.Clone(m.unresolved)
}

// InitFunctions returns the pending initializers without consuming them.
func (m *Module) InitFunctions() []InitFunction {
	return slices.Clone(m.inits)
}

// DrainInitFunctions returns the pending initializers in registration
// order and clears them. A second drain returns nothing.
func (m *Module) DrainInitFunctions() []InitFunction {
	inits := m.inits
	m.inits = nil
	return inits
}

func (m *Module) String() string {
	return fmt.Sprintf("%s@0x%x", m.Name, m.Base)
}
