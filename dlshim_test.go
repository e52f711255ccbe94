package dlshim

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sliverarmory/dlshim/guest"
	"github.com/sliverarmory/dlshim/internal/elftest"
	"github.com/sliverarmory/dlshim/memmod"
	"github.com/sliverarmory/dlshim/svc"
)

const (
	trapBase    = 0xffff0000
	trapSize    = 0x10000
	stackBase   = 0xbff00000
	stackTop    = 0xbff10000
	scratchBase = 0x10000000
	scratchSize = 0x10000
)

type harness struct {
	t        *testing.T
	cpu      *guest.Flat
	registry *memmod.Registry
	linker   *Linker
	scratch  uint64
}

func newHarness(t *testing.T, arch guest.Arch, images ...elftest.Image) *harness {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "system", "lib")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for _, img := range images {
		if err := img.WriteFile(filepath.Join(dir, img.Soname)); err != nil {
			t.Fatalf("write %s: %v", img.Soname, err)
		}
	}

	cpu := guest.NewFlat(arch)
	for _, r := range []struct{ base, size uint64 }{
		{stackBase, stackTop - stackBase},
		{scratchBase, scratchSize},
	} {
		if err := cpu.MemMap(r.base, r.size, guest.ProtRead|guest.ProtWrite); err != nil {
			t.Fatalf("MemMap(0x%x): %v", r.base, err)
		}
	}
	sp := guest.ArmSP
	if arch == guest.ArchARM64 {
		sp = guest.Arm64SP
	}
	if err := cpu.RegWrite(sp, stackTop); err != nil {
		t.Fatalf("RegWrite(sp): %v", err)
	}

	traps, err := svc.New(cpu, arch, trapBase, trapSize, nil)
	if err != nil {
		t.Fatalf("svc.New: %v", err)
	}
	registry := memmod.New(cpu, arch, memmod.Options{Root: root, SearchPath: []string{"/system/lib"}}, nil)
	linker, err := New(cpu, arch, traps, registry, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	registry.AddHook(linker)
	return &harness{t: t, cpu: cpu, registry: registry, linker: linker, scratch: scratchBase}
}

// str writes s into scratch memory and returns its address.
func (h *harness) str(s string) uint64 {
	h.t.Helper()
	addr := h.scratch
	if err := guest.WriteCString(h.cpu, addr, s); err != nil {
		h.t.Fatalf("WriteCString(%q): %v", s, err)
	}
	h.scratch = guest.AlignUp(addr+uint64(len(s))+1, 8)
	return addr
}

func (h *harness) call(symbol string, args ...uint64) uint64 {
	h.t.Helper()
	v, err := h.linker.Call(symbol, args...)
	if err != nil {
		h.t.Fatalf("Call(%s): %v", symbol, err)
	}
	return v
}

func (h *harness) sp() uint64 {
	h.t.Helper()
	reg := guest.ArmSP
	if h.cpu.Arch() == guest.ArchARM64 {
		reg = guest.Arm64SP
	}
	sp, err := h.cpu.RegRead(reg)
	if err != nil {
		h.t.Fatalf("RegRead(sp): %v", err)
	}
	return sp
}

// stack returns the words between the stack pointer and top, lowest
// address first.
func (h *harness) stack(top uint64) []uint64 {
	h.t.Helper()
	word := h.cpu.Arch().WordSize()
	var words []uint64
	for addr := h.sp(); addr < top; addr += uint64(word) {
		w, err := guest.ReadWord(h.cpu, addr, word)
		if err != nil {
			h.t.Fatalf("ReadWord(0x%x): %v", addr, err)
		}
		words = append(words, w)
	}
	return words
}

func (h *harness) dlerror() string {
	h.t.Helper()
	s, err := guest.ReadCString(h.cpu, h.call("dlerror"))
	if err != nil {
		h.t.Fatalf("read dlerror: %v", err)
	}
	return s
}

func libfoo() elftest.Image {
	img := elftest.ARM("libfoo.so")
	img.Exports = []elftest.Symbol{{Name: "foo", Value: 0x120}}
	img.InitArray = []uint64{0x140, 0x160}
	return img
}

func TestDlopenFrame(t *testing.T) {
	h := newHarness(t, guest.ArchARM, libfoo())

	handle := h.call("dlopen", h.str("libfoo.so"), 2)
	if handle != memmod.DefaultBase {
		t.Fatalf("dlopen returned 0x%x, want 0x%x", handle, memmod.DefaultBase)
	}
	if got := h.sp(); got != stackTop-16 {
		t.Errorf("unexpected stack pointer: got=0x%x want=0x%x", got, stackTop-16)
	}
	want := []uint64{handle + 0x160, handle + 0x140, 0, handle}
	if diff := cmp.Diff(want, h.stack(stackTop)); diff != "" {
		t.Errorf("unexpected return frame:\n--- want:\n+++ got:\n%s", diff)
	}

	m, ok := h.registry.Lookup(handle)
	if !ok {
		t.Fatal("module not registered")
	}
	if got := m.DrainInitFunctions(); len(got) != 0 {
		t.Errorf("initializers not drained: %v", got)
	}

	// Initializers run once: reopening pushes only the handle.
	top := h.sp()
	if again := h.call("dlopen", h.str("libfoo.so"), 2); again != handle {
		t.Fatalf("second dlopen returned 0x%x, want 0x%x", again, handle)
	}
	if diff := cmp.Diff([]uint64{0, handle}, h.stack(top)); diff != "" {
		t.Errorf("unexpected return frame on reopen:\n--- want:\n+++ got:\n%s", diff)
	}
}

func TestDlopenFailure(t *testing.T) {
	h := newHarness(t, guest.ArchARM)

	if got := h.call("dlopen", h.str("libmissing.so"), 0); got != 0 {
		t.Fatalf("dlopen returned 0x%x for a missing library", got)
	}
	if diff := cmp.Diff([]uint64{0, 0}, h.stack(stackTop)); diff != "" {
		t.Errorf("unexpected failure frame:\n--- want:\n+++ got:\n%s", diff)
	}
	if got, want := h.dlerror(), "Resolve library libmissing.so failed"; got != want {
		t.Errorf("unexpected dlerror: got=%q want=%q", got, want)
	}

	top := h.sp()
	if got := h.call("dlopen", 0, 0); got != 0 {
		t.Fatalf("dlopen(NULL) returned 0x%x", got)
	}
	if n := len(h.stack(top)); n != 2 {
		t.Errorf("dlopen(NULL) pushed %d words, want 2", n)
	}
	if got, want := h.dlerror(), "Resolve library (null) failed"; got != want {
		t.Errorf("unexpected dlerror: got=%q want=%q", got, want)
	}
}

func TestDlopenDefersUnresolvedModules(t *testing.T) {
	user := elftest.ARM("libuser.so")
	user.Imports = []elftest.Import{{Name: "bar"}}
	user.InitArray = []uint64{0x100, 0x104}
	provider := elftest.ARM("libprovider.so")
	provider.Exports = []elftest.Symbol{{Name: "bar", Value: 0x180}}
	provider.Init = 0x1c0
	h := newHarness(t, guest.ArchARM, user, provider)

	u := h.call("dlopen", h.str("libuser.so"), 0)
	if u == 0 {
		t.Fatalf("dlopen(libuser.so) failed: %s", h.dlerror())
	}
	if diff := cmp.Diff([]uint64{0, u}, h.stack(stackTop)); diff != "" {
		t.Errorf("initializers of an unresolved module were pushed:\n--- want:\n+++ got:\n%s", diff)
	}

	top := h.sp()
	p := h.call("dlopen", h.str("libprovider.so"), 0)
	if p == 0 {
		t.Fatalf("dlopen(libprovider.so) failed: %s", h.dlerror())
	}
	want := []uint64{p + 0x1c0, u + 0x104, u + 0x100, 0, p}
	if diff := cmp.Diff(want, h.stack(top)); diff != "" {
		t.Errorf("unexpected return frame:\n--- want:\n+++ got:\n%s", diff)
	}
}

func TestDlsym(t *testing.T) {
	h := newHarness(t, guest.ArchARM, libfoo())
	handle := h.call("dlopen", h.str("libfoo.so"), 0)

	if got := h.call("dlsym", handle, h.str("foo")); got != handle+0x120 {
		t.Errorf("dlsym(foo) = 0x%x, want 0x%x", got, handle+0x120)
	}
	if got := h.call("dlsym", 0xffffffff, h.str("foo")); got != handle+0x120 {
		t.Errorf("dlsym(RTLD_DEFAULT, foo) = 0x%x, want 0x%x", got, handle+0x120)
	}
	if got := h.call("dlsym", 0, h.str("foo")); got != 0 {
		t.Errorf("dlsym(NULL, foo) = 0x%x, want 0", got)
	}
	if got, want := h.dlerror(), "Find symbol foo failed"; got != want {
		t.Errorf("unexpected dlerror: got=%q want=%q", got, want)
	}
	if got := h.call("dlsym", handle, h.str("missing")); got != 0 {
		t.Errorf("dlsym(missing) = 0x%x, want 0", got)
	}
	if got, want := h.dlerror(), "Find symbol missing failed"; got != want {
		t.Errorf("unexpected dlerror: got=%q want=%q", got, want)
	}

	// A later success leaves the message in place.
	h.call("dlsym", handle, h.str("foo"))
	if got, want := h.dlerror(), "Find symbol missing failed"; got != want {
		t.Errorf("dlerror cleared by success: got=%q want=%q", got, want)
	}
}

func TestDlclose(t *testing.T) {
	h := newHarness(t, guest.ArchARM, libfoo())
	handle := h.call("dlopen", h.str("libfoo.so"), 0)

	if got := h.call("dlclose", handle); got != 0 {
		t.Fatalf("dlclose(0x%x) = 0x%x, want 0", handle, got)
	}
	if got := h.call("dlsym", handle, h.str("foo")); got != 0 {
		t.Errorf("dlsym on a closed handle returned 0x%x", got)
	}
	if got := h.call("dlclose", handle); got != 0xffffffff {
		t.Errorf("second dlclose = 0x%x, want 0xffffffff", got)
	}
	if got, want := h.dlerror(), "dlclose 0x40000000 failed"; got != want {
		t.Errorf("unexpected dlerror: got=%q want=%q", got, want)
	}

	// A handle that was never issued.
	if got := h.call("dlclose", 0x1234); got != 0xffffffff {
		t.Errorf("dlclose(0x1234) = 0x%x, want 0xffffffff", got)
	}
	if got, want := h.dlerror(), "dlclose 0x1234 failed"; got != want {
		t.Errorf("unexpected dlerror: got=%q want=%q", got, want)
	}
}

func TestDlsymDefaultHandleARM64(t *testing.T) {
	img := elftest.ARM64("libfoo.so")
	img.Exports = []elftest.Symbol{{Name: "foo", Value: 0x120}}
	h := newHarness(t, guest.ArchARM64, img)
	m, err := h.registry.Load("libfoo.so")
	if err != nil || m == nil {
		t.Fatalf("Load(libfoo.so) = %v, %v", m, err)
	}

	if got := h.call("dlsym", 0, h.str("foo")); got != m.Base+0x120 {
		t.Errorf("dlsym(RTLD_DEFAULT, foo) = 0x%x, want 0x%x", got, m.Base+0x120)
	}
	if got := h.call("dlsym", 0xffffffff, h.str("foo")); got != 0 {
		t.Errorf("dlsym(0xffffffff, foo) = 0x%x, want 0", got)
	}
}

func TestOverlongStrings(t *testing.T) {
	h := newHarness(t, guest.ArchARM, libfoo())

	// The first MaxCString bytes alone name an existing library.
	const lib = "system/lib/libfoo.so"
	long := strings.Repeat("/", guest.MaxCString-len(lib)) + lib + "/garbage"
	if got := h.call("dlopen", h.str(long), 0); got != 0 {
		t.Fatalf("dlopen of a %d byte path returned 0x%x", len(long), got)
	}
	if diff := cmp.Diff([]uint64{0, 0}, h.stack(stackTop)); diff != "" {
		t.Errorf("unexpected failure frame:\n--- want:\n+++ got:\n%s", diff)
	}
	msg := "Resolve library " + long
	if got, want := h.dlerror(), msg[:DefaultErrorBufferSize-1]; got != want {
		t.Errorf("unexpected dlerror: got=%q want=%q", got, want)
	}
	if n := len(h.registry.Modules()); n != 0 {
		t.Errorf("dlopen loaded %d modules", n)
	}

	handle := h.call("dlopen", h.str("libfoo.so"), 0)
	if handle == 0 {
		t.Fatalf("dlopen(libfoo.so) failed: %s", h.dlerror())
	}
	if got := h.call("dlsym", handle, h.str(strings.Repeat("f", guest.MaxCString+1))); got != 0 {
		t.Errorf("dlsym of an overlong name returned 0x%x", got)
	}
	if got := h.dlerror(); !strings.HasPrefix(got, "Find symbol fff") {
		t.Errorf("unexpected dlerror: %q", got)
	}
}

func TestErrorBufferTruncation(t *testing.T) {
	h := newHarness(t, guest.ArchARM)
	long := strings.Repeat("x", 100) + ".so"

	h.call("dlopen", h.str(long), 0)
	msg := "Resolve library " + long + " failed"
	got := h.dlerror()
	if want := msg[:DefaultErrorBufferSize-1]; got != want {
		t.Errorf("unexpected truncated message:\n got=%q\nwant=%q", got, want)
	}

	h.call("dlsym", 0, h.str("x"))
	raw, err := h.cpu.MemRead(h.linker.ErrorBuffer().Addr(), DefaultErrorBufferSize)
	if err != nil {
		t.Fatalf("MemRead(error buffer): %v", err)
	}
	want := make([]byte, DefaultErrorBufferSize)
	copy(want, "Find symbol x failed")
	if diff := cmp.Diff(want, raw); diff != "" {
		t.Errorf("stale bytes left in error buffer:\n--- want:\n+++ got:\n%s", diff)
	}
}

func TestDladdrIsFatal(t *testing.T) {
	h := newHarness(t, guest.ArchARM)
	_, err := h.linker.Call("dladdr", 0x40001000, scratchBase)
	var ferr *FatalError
	if !errors.As(err, &ferr) {
		t.Fatalf("dladdr: expected *FatalError, got %v", err)
	}
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("dladdr: error does not wrap ErrUnsupported: %v", err)
	}
}

func TestDlUnwindFindExidx(t *testing.T) {
	h := newHarness(t, guest.ArchARM)
	pcount := h.str("abcd")
	if got := h.call("dl_unwind_find_exidx", 0x40001234, pcount); got != 0 {
		t.Errorf("dl_unwind_find_exidx = 0x%x, want 0", got)
	}
	s, err := guest.ReadCString(h.cpu, pcount)
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if s != "abcd" {
		t.Errorf("pcount was written: %q", s)
	}
}

func TestArgumentFault(t *testing.T) {
	h := newHarness(t, guest.ArchARM)
	_, err := h.linker.Call("dlsym", 0, 0x20000000)
	var ferr *FatalError
	if !errors.As(err, &ferr) {
		t.Fatalf("dlsym: expected *FatalError, got %v", err)
	}
	if !errors.Is(err, guest.ErrNotMapped) {
		t.Errorf("dlsym: error does not wrap ErrNotMapped: %v", err)
	}
}

func TestDlopenARM64(t *testing.T) {
	img := elftest.ARM64("libfoo.so")
	h := newHarness(t, guest.ArchARM64, img)

	if got := h.call("dlopen", h.str("libfoo.so"), 1); got != 0 {
		t.Errorf("dlopen = 0x%x, want 0", got)
	}
	if got := h.sp(); got != stackTop {
		t.Errorf("stack pointer moved: 0x%x", got)
	}
	if got, want := h.dlerror(), "dlopen libfoo.so is not supported"; got != want {
		t.Errorf("unexpected dlerror: got=%q want=%q", got, want)
	}
	if n := len(h.registry.Modules()); n != 0 {
		t.Errorf("dlopen loaded %d modules", n)
	}
}

func TestHook(t *testing.T) {
	h := newHarness(t, guest.ArchARM)

	addrs := make(map[uint64]string)
	for _, name := range Symbols {
		addr := h.linker.Hook(Library, name, 0)
		if addr == 0 {
			t.Errorf("Hook(%s, %s) = 0", Library, name)
			continue
		}
		if again := h.linker.Hook("/system/lib/libdl.so", name, 0x1234); again != addr {
			t.Errorf("Hook(%s) not stable: 0x%x then 0x%x", name, addr, again)
		}
		if prev, ok := addrs[addr]; ok {
			t.Errorf("%s and %s share trap 0x%x", prev, name, addr)
		}
		addrs[addr] = name
	}
	for _, test := range []struct{ library, symbol string }{
		{"libc.so", "dlopen"},
		{Library, "dlvsym"},
		{Library, "malloc"},
	} {
		if got := h.linker.Hook(test.library, test.symbol, 0); got != 0 {
			t.Errorf("Hook(%s, %s) = 0x%x, want 0", test.library, test.symbol, got)
		}
	}
}

func TestImportsBindToTraps(t *testing.T) {
	app := elftest.ARM("libapp.so")
	app.Needed = []string{"libdl.so"}
	app.Imports = []elftest.Import{{Name: "dlopen"}, {Name: "dlsym"}, {Name: "dlerror"}}
	app.InitArray = []uint64{0x100}
	h := newHarness(t, guest.ArchARM, app)

	handle := h.call("dlopen", h.str("libapp.so"), 0)
	if handle == 0 {
		t.Fatalf("dlopen failed: %s", h.dlerror())
	}
	m, _ := h.registry.Lookup(handle)
	if got := m.Unresolved(); len(got) != 0 {
		t.Errorf("libdl imports left unresolved: %v", got)
	}
	if diff := cmp.Diff([]uint64{handle + 0x100, 0, handle}, h.stack(stackTop)); diff != "" {
		t.Errorf("unexpected return frame:\n--- want:\n+++ got:\n%s", diff)
	}
}

func TestNewErrorBuffer(t *testing.T) {
	cpu := guest.NewFlat(guest.ArchARM)
	if err := cpu.MemMap(scratchBase, guest.PageSize, guest.ProtRead|guest.ProtWrite); err != nil {
		t.Fatalf("MemMap: %v", err)
	}
	if err := cpu.MemWrite(scratchBase, []byte("garbage")); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	b, err := NewErrorBuffer(cpu, scratchBase, 8)
	if err != nil {
		t.Fatalf("NewErrorBuffer: %v", err)
	}
	raw, _ := cpu.MemRead(scratchBase, 8)
	if diff := cmp.Diff(make([]byte, 8), raw); diff != "" {
		t.Errorf("buffer not zeroed:\n--- want:\n+++ got:\n%s", diff)
	}
	if err := b.Set("0123456789"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := b.String(); got != "0123456" {
		t.Errorf("unexpected message: %q", got)
	}
	if _, err := NewErrorBuffer(cpu, scratchBase, 0); err == nil {
		t.Error("NewErrorBuffer accepted a zero size")
	}
	if _, err := NewErrorBuffer(cpu, 0x20000000, 8); !errors.Is(err, guest.ErrNotMapped) {
		t.Errorf("NewErrorBuffer on unmapped memory: %v", err)
	}
}
