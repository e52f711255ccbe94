// Package svc installs host callbacks as callable guest functions.
//
// Each registered handler gets a small stub in a dedicated guest region
// that issues a supervisor call and returns. The emulator intercepts the
// supervisor call and hands control to Dispatch or DispatchNumber, which
// run the handler on the host before guest execution resumes at the
// stub's return instruction.
package svc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sliverarmory/dlshim/guest"
	"github.com/sliverarmory/dlshim/internal/slogext"
)

var (
	// ErrTrapSpace is returned when the trap region is exhausted.
	ErrTrapSpace = errors.New("svc: trap region exhausted")
	// ErrNoTrap is returned when dispatching to an unknown trap.
	ErrNoTrap = errors.New("svc: no trap registered")
)

// Handler is a host callback invoked when the guest calls a trap.
type Handler interface {
	Handle(cpu guest.CPU) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(cpu guest.CPU) error

func (f HandlerFunc) Handle(cpu guest.CPU) error { return f(cpu) }

// Trap is an installed stub.
type Trap struct {
	Name    string
	Number  uint32
	Addr    uint64
	Handler Handler
}

// stubSize is the size of one trap cell: a supervisor call followed by a
// return.
const stubSize = 8

// firstNumber keeps trap numbers clear of real system call numbers.
const firstNumber = 0x100

// Memory is a guest region holding trap stubs and small host-owned
// allocations. Storage is never reclaimed.
type Memory struct {
	mem  guest.Memory
	arch guest.Arch
	log  *slog.Logger

	base uint64
	size uint64
	next uint64

	number   uint32
	traps    []*Trap
	byName   map[string]*Trap
	byAddr   map[uint64]*Trap
	byNumber map[uint32]*Trap
}

// New maps a trap region of size bytes at base in mem.
func New(mem guest.Memory, arch guest.Arch, base, size uint64, log *slog.Logger) (*Memory, error) {
	if arch != guest.ArchARM && arch != guest.ArchARM64 {
		return nil, fmt.Errorf("svc: unsupported architecture: %v", arch)
	}
	size = guest.AlignUp(size, guest.PageSize)
	err := mem.MemMap(base, size, guest.ProtRead|guest.ProtWrite|guest.ProtExec)
	if err != nil {
		return nil, fmt.Errorf("svc: map trap region: %w", err)
	}
	return &Memory{
		mem:      mem,
		arch:     arch,
		log:      slogext.OrDiscard(log).With(slog.String("component", "dlshim.svc")),
		base:     base,
		size:     size,
		next:     base,
		number:   firstNumber,
		byName:   make(map[string]*Trap),
		byAddr:   make(map[uint64]*Trap),
		byNumber: make(map[uint32]*Trap),
	}, nil
}

// Base returns the guest address of the trap region.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the size of the trap region.
func (m *Memory) Size() uint64 { return m.size }

// Contains reports whether addr lies in the trap region.
func (m *Memory) Contains(addr uint64) bool {
	return addr >= m.base && addr-m.base < m.size
}

// Allocate reserves size bytes of the region, aligned to the guest word
// size.
func (m *Memory) Allocate(size uint64, label string) (uint64, error) {
	if size == 0 {
		return 0, errors.New("svc: zero sized allocation")
	}
	addr := guest.AlignUp(m.next, uint64(m.arch.WordSize()))
	if addr+size > m.base+m.size || addr+size < addr {
		return 0, fmt.Errorf("allocate %d bytes for %s: %w", size, label, ErrTrapSpace)
	}
	m.next = addr + size
	m.log.LogAttrs(context.Background(), slog.LevelDebug, "allocate",
		slog.String("label", label), slog.Any("addr", slogext.Hex(addr)), slog.Uint64("size", size))
	return addr, nil
}

// Register installs h under name and returns the stub address. A name is
// installed once; later registrations return the existing address and
// ignore h.
func (m *Memory) Register(name string, h Handler) (uint64, error) {
	if t, ok := m.byName[name]; ok {
		return t.Addr, nil
	}
	if h == nil {
		return 0, fmt.Errorf("svc: nil handler for %s", name)
	}
	if m.number > m.maxNumber() {
		return 0, fmt.Errorf("register %s: trap numbers exhausted: %w", name, ErrTrapSpace)
	}
	addr, err := m.Allocate(stubSize, name)
	if err != nil {
		return 0, err
	}
	t := &Trap{Name: name, Number: m.number, Addr: addr, Handler: h}
	err = m.mem.MemWrite(addr, m.stub(t.Number))
	if err != nil {
		return 0, fmt.Errorf("svc: write stub for %s: %w", name, err)
	}
	m.number++
	m.traps = append(m.traps, t)
	m.byName[name] = t
	m.byAddr[addr] = t
	m.byNumber[t.Number] = t
	m.log.LogAttrs(context.Background(), slog.LevelDebug, "register",
		slog.String("name", name), slog.Uint64("number", uint64(t.Number)), slog.Any("addr", slogext.Hex(addr)))
	return addr, nil
}

func (m *Memory) maxNumber() uint32 {
	if m.arch == guest.ArchARM64 {
		return 0xffff
	}
	return 0xffffff
}

// stub returns the encoding of "svc #n" followed by a return.
func (m *Memory) stub(n uint32) []byte {
	var b [stubSize]byte
	switch m.arch {
	case guest.ArchARM:
		binary.LittleEndian.PutUint32(b[0:], 0xef000000|n&0xffffff) // svc #n
		binary.LittleEndian.PutUint32(b[4:], 0xe12fff1e)            // bx lr
	case guest.ArchARM64:
		binary.LittleEndian.PutUint32(b[0:], 0xd4000001|(n&0xffff)<<5) // svc #n
		binary.LittleEndian.PutUint32(b[4:], 0xd65f03c0)               // ret
	}
	return b[:]
}

// Lookup returns the trap whose stub starts at addr.
func (m *Memory) Lookup(addr uint64) (*Trap, bool) {
	t, ok := m.byAddr[addr]
	return t, ok
}

// LookupName returns the trap registered under name.
func (m *Memory) LookupName(name string) (*Trap, bool) {
	t, ok := m.byName[name]
	return t, ok
}

// LookupNumber returns the trap with supervisor call number n.
func (m *Memory) LookupNumber(n uint32) (*Trap, bool) {
	t, ok := m.byNumber[n]
	return t, ok
}

// Traps returns the installed traps in registration order.
func (m *Memory) Traps() []Trap {
	traps := make([]Trap, len(m.traps))
	for i, t := range m.traps {
		traps[i] = *t
	}
	return traps
}

// Dispatch runs the handler of the trap at addr.
func (m *Memory) Dispatch(cpu guest.CPU, addr uint64) error {
	t, ok := m.byAddr[addr]
	if !ok {
		return fmt.Errorf("dispatch 0x%x: %w", addr, ErrNoTrap)
	}
	return m.run(cpu, t)
}

// DispatchNumber runs the handler of the trap with supervisor call
// number n.
func (m *Memory) DispatchNumber(cpu guest.CPU, n uint32) error {
	t, ok := m.byNumber[n]
	if !ok {
		return fmt.Errorf("dispatch svc #0x%x: %w", n, ErrNoTrap)
	}
	return m.run(cpu, t)
}

func (m *Memory) run(cpu guest.CPU, t *Trap) error {
	m.log.LogAttrs(context.Background(), slog.LevelDebug, "dispatch", slog.String("name", t.Name), slog.Any("addr", slogext.Hex(t.Addr)))
	err := t.Handler.Handle(cpu)
	if err != nil {
		return fmt.Errorf("%s: %w", t.Name, err)
	}
	return nil
}
