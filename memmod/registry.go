// Package memmod is the guest module registry: it maps ELF shared objects
// into guest memory, binds their imports and tracks their pending static
// initializers.
//
// The registry does not apply relocations or execute guest code. Binding
// an import records where the symbol lives so the module can be reported
// as fully resolved; initializers are handed to the guest to run.
package memmod

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/sliverarmory/dlshim/guest"
	"github.com/sliverarmory/dlshim/internal/slogext"
)

// DefaultBase is the guest address of the first loaded module.
const DefaultBase = 0x40000000

// SearchAll is the Resolve handle that searches every loaded module.
const SearchAll = ^uint64(0)

// SymbolHook can supply or replace the address an import binds to.
// Hook is called with the name of a library the importing module
// depends on, the imported symbol and the address it would otherwise
// bind to, or 0. A non-zero result replaces that address.
type SymbolHook interface {
	Hook(library, symbol string, old uint64) uint64
}

// SymbolHookFunc adapts a function to a SymbolHook.
type SymbolHookFunc func(library, symbol string, old uint64) uint64

func (f SymbolHookFunc) Hook(library, symbol string, old uint64) uint64 {
	return f(library, symbol, old)
}

// Options configures a Registry.
type Options struct {
	// Root is the host directory holding the guest file system. When
	// empty, guest paths are host paths.
	Root string
	// SearchPath lists guest directories searched for bare library
	// names, in order.
	SearchPath []string
	// Base is the guest address of the first module. Zero selects
	// DefaultBase.
	Base uint64
}

// Registry is the set of modules loaded into one guest address space.
// It is not safe for concurrent use.
type Registry struct {
	mem  guest.Memory
	arch guest.Arch
	log  *slog.Logger

	root   string
	search []string
	next   uint64

	modules []*Module
	hooks   []SymbolHook
}

// New returns an empty registry for an arch guest whose memory is mem.
func New(mem guest.Memory, arch guest.Arch, opts Options, log *slog.Logger) *Registry {
	base := opts.Base
	if base == 0 {
		base = DefaultBase
	}
	return &Registry{
		mem:    mem,
		arch:   arch,
		log:    slogext.OrDiscard(log).With(slog.String("component", "dlshim.memmod")),
		root:   opts.Root,
		search: opts.SearchPath,
		next:   guest.AlignUp(base, guest.PageSize),
	}
}

// AddHook appends h to the hooks consulted when binding imports.
func (r *Registry) AddHook(h SymbolHook) {
	r.hooks = append(r.hooks, h)
}

// Modules returns the loaded modules in load order.
func (r *Registry) Modules() []*Module {
	return append([]*Module(nil), r.modules...)
}

// Lookup returns the module loaded at base.
func (r *Registry) Lookup(base uint64) (*Module, bool) {
	for _, m := range r.modules {
		if m.Base == base {
			return m, true
		}
	}
	return nil, false
}

// Find returns the loaded module known by filename, matching the name it
// was loaded under, its path or its soname.
func (r *Registry) Find(filename string) (*Module, bool) {
	if filename == "" {
		return nil, false
	}
	base := path.Base(filename)
	for _, m := range r.modules {
		switch {
		case m.Name == filename, m.Path == filename:
			return m, true
		case !strings.Contains(filename, "/") && (path.Base(m.Path) == base || m.Soname == base):
			return m, true
		}
	}
	return nil, false
}

// Load returns the module for filename, loading it and its dependencies
// if it is not already loaded. A module that is already loaded has its
// reference count incremented.
//
// A nil module with a nil error means the library could not be found or
// is not a loadable image for the guest. A non-nil error is a host I/O
// or guest memory failure.
//
// When loading a dependency fails with an error, every module mapped by
// the call is unmapped again.
func (r *Registry) Load(filename string) (*Module, error) {
	n := len(r.modules)
	m, err := r.load(filename)
	if err != nil {
		r.discard(n)
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	r.relink()
	return m, nil
}

// discard unmaps and forgets the modules registered after the first n.
func (r *Registry) discard(n int) {
	for _, m := range r.modules[n:] {
		r.unmap(m)
		r.log.LogAttrs(context.Background(), slog.LevelWarn, "discard module",
			slog.String("name", m.Name), slog.Any("base", slogext.Hex(m.Base)))
	}
	clear(r.modules[n:])
	r.modules = r.modules[:n]
}

func (r *Registry) load(filename string) (*Module, error) {
	ctx := context.Background()
	if filename == "" {
		return nil, nil
	}
	if m, ok := r.Find(filename); ok {
		m.refs++
		r.log.LogAttrs(ctx, slog.LevelDebug, "reuse module", slog.String("name", filename), slog.Int("refs", m.refs))
		return m, nil
	}

	guestPath, data, err := r.open(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.log.LogAttrs(ctx, slog.LevelInfo, "library not found", slog.String("name", filename))
			return nil, nil
		}
		return nil, fmt.Errorf("memmod: load %s: %w", filename, err)
	}

	m, err := r.mapModule(filename, guestPath, data)
	if err != nil {
		var ferr *FormatError
		if errors.As(err, &ferr) {
			r.log.LogAttrs(ctx, slog.LevelWarn, "not a loadable image", slog.String("path", guestPath), slog.Any("error", err))
			return nil, nil
		}
		return nil, err
	}
	r.modules = append(r.modules, m)
	r.log.LogAttrs(ctx, slog.LevelInfo, "loaded module",
		slog.String("name", m.Name), slog.String("path", m.Path),
		slog.Any("base", slogext.Hex(m.Base)), slog.Any("size", slogext.Hex(m.Size)),
		slog.Int("exports", len(m.exports)), slog.Int("imports", len(m.imports)), slog.Int("inits", len(m.inits)))

	// Dependencies are registered after the module that needs them.
	for _, dep := range m.Needed {
		if _, ok := r.Find(dep); ok {
			continue
		}
		d, err := r.load(dep)
		if err != nil {
			return nil, err
		}
		if d == nil {
			r.log.LogAttrs(ctx, slog.LevelDebug, "dependency not loaded", slog.String("module", m.Name), slog.String("needed", dep))
		}
	}
	r.bind(m)
	return m, nil
}

// open finds filename and returns its guest path and contents.
func (r *Registry) open(filename string) (string, []byte, error) {
	candidates := []string{filename}
	if !strings.Contains(filename, "/") && len(r.search) != 0 {
		candidates = candidates[:0]
		for _, dir := range r.search {
			candidates = append(candidates, path.Join(dir, filename))
		}
	}
	for _, c := range candidates {
		data, err := readImage(r.hostPath(c))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return c, nil, err
		}
		return c, data, nil
	}
	return "", nil, fmt.Errorf("%s: %w", filename, fs.ErrNotExist)
}

// hostPath returns the host path of a guest path, confined to the root.
func (r *Registry) hostPath(guestPath string) string {
	if r.root == "" {
		return filepath.FromSlash(guestPath)
	}
	return filepath.Join(r.root, filepath.FromSlash(path.Clean("/"+guestPath)))
}

// bind resolves the imports of m that are not yet bound.
func (r *Registry) bind(m *Module) {
	m.unresolved = m.unresolved[:0]
	for _, imp := range m.imports {
		if _, ok := m.bound[imp.name]; ok {
			continue
		}
		b, ok := r.lookupImport(m, imp.name)
		if ok {
			m.bound[imp.name] = b
			continue
		}
		if !imp.weak {
			m.unresolved = append(m.unresolved, imp.name)
		}
	}
}

func (r *Registry) lookupImport(m *Module, name string) (binding, bool) {
	var (
		b     binding
		found bool
	)
	for _, other := range r.modules {
		if other == m {
			continue
		}
		if v, ok := other.exports[name]; ok {
			b, found = binding{value: v, from: other}, true
			break
		}
	}
	for _, lib := range m.Needed {
		for _, h := range r.hooks {
			if v := h.Hook(lib, name, b.value); v != 0 {
				return binding{value: v}, true
			}
		}
	}
	return b, found
}

// relink retries binding for every module with unresolved imports.
func (r *Registry) relink() {
	for _, m := range r.modules {
		if len(m.unresolved) != 0 {
			r.bind(m)
		}
	}
}

// Resolve returns the address of name as seen through handle: the
// exports of the module loaded at handle, then those of its direct
// dependencies. SearchAll searches every module in load order.
func (r *Registry) Resolve(handle uint64, name string) (*Symbol, bool) {
	if handle == SearchAll {
		for _, m := range r.modules {
			if v, ok := m.exports[name]; ok {
				return &Symbol{Name: name, Value: v, Module: m}, true
			}
		}
		return nil, false
	}
	m, ok := r.Lookup(handle)
	if !ok {
		return nil, false
	}
	if v, ok := m.exports[name]; ok {
		return &Symbol{Name: name, Value: v, Module: m}, true
	}
	for _, dep := range m.Needed {
		d, ok := r.Find(dep)
		if !ok {
			continue
		}
		if v, ok := d.exports[name]; ok {
			return &Symbol{Name: name, Value: v, Module: d}, true
		}
	}
	return nil, false
}

// Unload drops a reference to the module loaded at handle, unmapping it
// when the last reference is gone. It reports whether handle named a
// loaded module. Imports of other modules bound into an unmapped module
// become unresolved.
func (r *Registry) Unload(handle uint64) bool {
	ctx := context.Background()
	idx := -1
	for i, m := range r.modules {
		if m.Base == handle {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	m := r.modules[idx]
	m.refs--
	if m.refs > 0 {
		r.log.LogAttrs(ctx, slog.LevelDebug, "release module", slog.String("name", m.Name), slog.Int("refs", m.refs))
		return true
	}
	for _, s := range m.segments {
		err := r.mem.MemUnmap(s.addr, s.size)
		if err != nil {
			r.log.LogAttrs(ctx, slog.LevelError, "unmap segment", slog.String("name", m.Name),
				slog.Any("addr", slogext.Hex(s.addr)), slog.Any("error", err))
		}
	}
	r.modules = append(r.modules[:idx], r.modules[idx+1:]...)
	for _, other := range r.modules {
		var lost bool
		for name, b := range other.bound {
			if b.from == m {
				delete(other.bound, name)
				lost = true
			}
		}
		if lost {
			r.bind(other)
		}
	}
	r.log.LogAttrs(ctx, slog.LevelInfo, "unloaded module", slog.String("name", m.Name), slog.Any("base", slogext.Hex(m.Base)))
	return true
}

// FormatError is returned for files that are not loadable images for the
// registry's guest.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("memmod: %s: invalid image: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func machineFor(arch guest.Arch) (elf.Class, elf.Machine, error) {
	switch arch {
	case guest.ArchARM:
		return elf.ELFCLASS32, elf.EM_ARM, nil
	case guest.ArchARM64:
		return elf.ELFCLASS64, elf.EM_AARCH64, nil
	default:
		return 0, 0, fmt.Errorf("unsupported guest architecture: %v", arch)
	}
}
