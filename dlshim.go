// Package dlshim emulates libdl for code running inside a CPU emulator.
//
// A Linker installs dlopen, dlsym, dlclose, dlerror, dladdr and
// dl_unwind_find_exidx as traps. Guest code reaches them through the
// import bindings the Linker supplies as a memmod.SymbolHook; each call
// runs against the module registry on the host and its results are
// written back to guest registers and memory.
package dlshim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"

	"github.com/sliverarmory/dlshim/abi"
	"github.com/sliverarmory/dlshim/guest"
	"github.com/sliverarmory/dlshim/internal/slogext"
	"github.com/sliverarmory/dlshim/memmod"
	"github.com/sliverarmory/dlshim/svc"
)

// Library is the name guest modules import the emulated entry points
// from.
const Library = "libdl.so"

// Symbols lists the emulated entry points.
var Symbols = []string{"dlopen", "dlsym", "dlclose", "dlerror", "dladdr", "dl_unwind_find_exidx"}

// Registry is the module registry the Linker operates on.
type Registry interface {
	// Load returns the module for filename. A nil module with a nil
	// error means the library was not found.
	Load(filename string) (*memmod.Module, error)
	Resolve(handle uint64, name string) (*memmod.Symbol, bool)
	Unload(handle uint64) bool
	Modules() []*memmod.Module
}

var (
	_ Registry          = (*memmod.Registry)(nil)
	_ memmod.SymbolHook = (*Linker)(nil)
)

// Options configures a Linker.
type Options struct {
	// ErrorBufferSize is the capacity of the dlerror buffer. Zero
	// selects DefaultErrorBufferSize.
	ErrorBufferSize uint64
	Logger          *slog.Logger
}

// Linker implements the libdl entry points for one guest.
// It is not safe for concurrent use.
type Linker struct {
	cpu      guest.CPU
	cc       abi.CallingConvention
	traps    *svc.Memory
	registry Registry
	errbuf   *ErrorBuffer
	log      *slog.Logger
}

// New returns a Linker for an arch guest. The dlerror buffer is allocated
// from traps.
func New(cpu guest.CPU, arch guest.Arch, traps *svc.Memory, registry Registry, opts Options) (*Linker, error) {
	cc, err := abi.For(arch)
	if err != nil {
		return nil, fmt.Errorf("dlshim: %w", err)
	}
	size := opts.ErrorBufferSize
	if size == 0 {
		size = DefaultErrorBufferSize
	}
	addr, err := traps.Allocate(size, "dlerror buffer")
	if err != nil {
		return nil, fmt.Errorf("dlshim: %w", err)
	}
	errbuf, err := NewErrorBuffer(cpu, addr, size)
	if err != nil {
		return nil, err
	}
	return &Linker{
		cpu:      cpu,
		cc:       cc,
		traps:    traps,
		registry: registry,
		errbuf:   errbuf,
		log:      slogext.OrDiscard(opts.Logger).With(slog.String("component", "dlshim.linker")),
	}, nil
}

// ErrorBuffer returns the dlerror buffer.
func (l *Linker) ErrorBuffer() *ErrorBuffer { return l.errbuf }

// Hook supplies the trap address for imports of the emulated entry points
// from Library, installing the trap on first use. It returns 0 for any
// other import.
func (l *Linker) Hook(library, symbol string, old uint64) uint64 {
	if path.Base(library) != Library || !slices.Contains(Symbols, symbol) {
		return 0
	}
	l.log.LogAttrs(context.Background(), slog.LevelDebug, "link",
		slog.String("symbol", symbol), slog.Any("old", slogext.Hex(old)))
	addr, err := l.Trap(symbol)
	if err != nil {
		l.log.LogAttrs(context.Background(), slog.LevelError, "install trap",
			slog.String("symbol", symbol), slog.Any("error", err))
		return 0
	}
	return addr
}

// Trap returns the guest address of the named entry point, installing it
// if needed.
func (l *Linker) Trap(symbol string) (uint64, error) {
	var h svc.HandlerFunc
	switch symbol {
	case "dlopen":
		h = l.dlopen
	case "dlsym":
		h = l.dlsym
	case "dlclose":
		h = l.dlclose
	case "dlerror":
		h = l.dlerror
	case "dladdr":
		h = l.dladdr
	case "dl_unwind_find_exidx":
		h = l.dlUnwindFindExidx
	default:
		return 0, fmt.Errorf("dlshim: %s is not emulated", symbol)
	}
	return l.traps.Register(symbol, h)
}

// Call invokes the named entry point as the guest would and returns its
// result. Arguments are passed in registers.
func (l *Linker) Call(symbol string, args ...uint64) (uint64, error) {
	addr, err := l.Trap(symbol)
	if err != nil {
		return 0, err
	}
	for i, arg := range args {
		err = l.cc.SetArg(l.cpu, i, arg)
		if err != nil {
			return 0, fmt.Errorf("dlshim: call %s: %w", symbol, err)
		}
	}
	err = l.traps.Dispatch(l.cpu, addr)
	if err != nil {
		return 0, err
	}
	return l.cc.Return(l.cpu)
}

// nullString stands in for a NULL string argument in messages.
const nullString = "(null)"

func (l *Linker) args(cpu guest.CPU, op string, n int) ([]uint64, error) {
	args, err := abi.Args(l.cc, cpu, n)
	if err != nil {
		return nil, fatal(op, err)
	}
	return args, nil
}

// cstring reads a string argument. ok is false for NULL and for strings
// longer than guest.MaxCString, which name nothing the registry holds; s
// is then "(null)" or the truncated string for use in messages.
func (l *Linker) cstring(cpu guest.CPU, op string, addr uint64) (s string, ok bool, err error) {
	if addr == 0 {
		return nullString, false, nil
	}
	s, err = guest.ReadCString(cpu, addr)
	switch {
	case errors.Is(err, guest.ErrStringTooLong):
		l.log.LogAttrs(context.Background(), slog.LevelWarn, "string too long",
			slog.String("op", op), slog.Any("addr", slogext.Hex(addr)))
		return s, false, nil
	case err != nil:
		return "", false, fatal(op, err)
	}
	return s, true, nil
}

func (l *Linker) fail(op, msg string) error {
	if err := l.errbuf.Set(msg); err != nil {
		return fatal(op, err)
	}
	return nil
}

func (l *Linker) ret(cpu guest.CPU, op string, v uint64) error {
	if err := l.cc.SetReturn(cpu, v); err != nil {
		return fatal(op, err)
	}
	return nil
}

func (l *Linker) dlopen(cpu guest.CPU) error {
	const op = "dlopen"
	ctx := context.Background()
	args, err := l.args(cpu, op, 2)
	if err != nil {
		return err
	}
	filename, valid, err := l.cstring(cpu, op, args[0])
	if err != nil {
		return err
	}
	flags := args[1]

	if l.cc.Arch() == guest.ArchARM64 {
		l.log.LogAttrs(ctx, slog.LevelInfo, "dlopen", slog.String("filename", filename), slog.Any("flags", slogext.Hex(flags)))
		if err := l.fail(op, fmt.Sprintf("dlopen %s is not supported", filename)); err != nil {
			return err
		}
		return l.ret(cpu, op, 0)
	}

	var m *memmod.Module
	if valid {
		m, err = l.registry.Load(filename)
		if err != nil {
			return fatal(op, err)
		}
	}
	if m == nil {
		// The guest pops the handle and the terminator on failure too.
		if _, err := l.cc.PushFrame(cpu, 0, 0); err != nil {
			return fatal(op, err)
		}
		l.log.LogAttrs(ctx, slog.LevelInfo, "dlopen failed", slog.String("filename", filename))
		if err := l.fail(op, fmt.Sprintf("Resolve library %s failed", filename)); err != nil {
			return err
		}
		return l.ret(cpu, op, 0)
	}

	frame := []uint64{m.Base, 0}
	for _, mod := range l.registry.Modules() {
		if unresolved := mod.Unresolved(); len(unresolved) != 0 {
			l.log.LogAttrs(ctx, slog.LevelDebug, "defer initializers",
				slog.String("module", mod.Name), slog.Any("unresolved", unresolved))
			continue
		}
		for _, fn := range mod.DrainInitFunctions() {
			l.log.LogAttrs(ctx, slog.LevelDebug, "push initializer",
				slog.String("module", mod.Name), slog.String("init", fn.String()))
			frame = append(frame, fn.Address)
		}
	}
	sp, err := l.cc.PushFrame(cpu, frame...)
	if err != nil {
		return fatal(op, err)
	}
	l.log.LogAttrs(ctx, slog.LevelInfo, "dlopen",
		slog.String("filename", filename), slog.Any("flags", slogext.Hex(flags)),
		slog.Any("handle", slogext.Hex(m.Base)), slog.Int("inits", len(frame)-2), slog.Any("sp", slogext.Hex(sp)))
	return l.ret(cpu, op, m.Base)
}

func (l *Linker) dlsym(cpu guest.CPU) error {
	const op = "dlsym"
	args, err := l.args(cpu, op, 2)
	if err != nil {
		return err
	}
	handle := args[0]
	name, valid, err := l.cstring(cpu, op, args[1])
	if err != nil {
		return err
	}
	l.log.LogAttrs(context.Background(), slog.LevelDebug, "dlsym",
		slog.Any("handle", slogext.Hex(handle)), slog.String("symbol", name))

	if handle == l.cc.Arch().DefaultHandle() {
		handle = memmod.SearchAll
	}
	var sym *memmod.Symbol
	var ok bool
	if valid {
		sym, ok = l.registry.Resolve(handle, name)
	}
	if !ok {
		if err := l.fail(op, fmt.Sprintf("Find symbol %s failed", name)); err != nil {
			return err
		}
		return l.ret(cpu, op, 0)
	}
	return l.ret(cpu, op, sym.Value)
}

func (l *Linker) dlclose(cpu guest.CPU) error {
	const op = "dlclose"
	args, err := l.args(cpu, op, 1)
	if err != nil {
		return err
	}
	handle := args[0]
	l.log.LogAttrs(context.Background(), slog.LevelDebug, "dlclose", slog.Any("handle", slogext.Hex(handle)))
	if l.registry.Unload(handle) {
		return l.ret(cpu, op, 0)
	}
	if err := l.fail(op, fmt.Sprintf("dlclose 0x%x failed", handle)); err != nil {
		return err
	}
	return l.ret(cpu, op, ^uint64(0))
}

func (l *Linker) dlerror(cpu guest.CPU) error {
	return l.ret(cpu, "dlerror", l.errbuf.Addr())
}

func (l *Linker) dladdr(cpu guest.CPU) error {
	const op = "dladdr"
	args, err := l.args(cpu, op, 2)
	if err != nil {
		return err
	}
	l.log.LogAttrs(context.Background(), slog.LevelInfo, "dladdr",
		slog.Any("addr", slogext.Hex(args[0])), slog.Any("info", slogext.Hex(args[1])))
	return fatal(op, fmt.Errorf("addr 0x%x: %w", args[0], errors.ErrUnsupported))
}

// dlUnwindFindExidx reports that no exception index exists for any pc.
// pcount is left untouched.
func (l *Linker) dlUnwindFindExidx(cpu guest.CPU) error {
	const op = "dl_unwind_find_exidx"
	args, err := l.args(cpu, op, 2)
	if err != nil {
		return err
	}
	l.log.LogAttrs(context.Background(), slog.LevelDebug, op,
		slog.Any("pc", slogext.Hex(args[0])), slog.Any("pcount", slogext.Hex(args[1])))
	return l.ret(cpu, op, 0)
}
