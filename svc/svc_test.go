package svc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sliverarmory/dlshim/guest"
)

const trapBase = 0xfffe0000

func TestRegisterIdempotent(t *testing.T) {
	cpu := guest.NewFlat(guest.ArchARM)
	m, err := New(cpu, guest.ArchARM, trapBase, 0x1000, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var calls int
	h := HandlerFunc(func(guest.CPU) error { calls++; return nil })
	first, err := m.Register("dlopen", h)
	if err != nil {
		t.Fatalf("Register(dlopen): %v", err)
	}
	again, err := m.Register("dlopen", HandlerFunc(func(guest.CPU) error { return errors.New("replaced") }))
	if err != nil {
		t.Fatalf("Register(dlopen) again: %v", err)
	}
	if first != again {
		t.Errorf("second registration moved the trap: first=0x%x again=0x%x", first, again)
	}
	other, err := m.Register("dlsym", h)
	if err != nil {
		t.Fatalf("Register(dlsym): %v", err)
	}
	if other == first {
		t.Errorf("distinct names share trap address 0x%x", other)
	}
	if got := len(m.Traps()); got != 2 {
		t.Errorf("unexpected trap count: got=%d want=2", got)
	}

	if err := m.Dispatch(cpu, first); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls != 1 {
		t.Errorf("handler calls: got=%d want=1", calls)
	}
}

func TestStubEncoding(t *testing.T) {
	for _, test := range []struct {
		arch     guest.Arch
		svc, ret uint32
	}{
		{arch: guest.ArchARM, svc: 0xef000100, ret: 0xe12fff1e},
		{arch: guest.ArchARM64, svc: 0xd4000001 | 0x100<<5, ret: 0xd65f03c0},
	} {
		t.Run(test.arch.String(), func(t *testing.T) {
			cpu := guest.NewFlat(test.arch)
			m, err := New(cpu, test.arch, trapBase, 0x1000, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			addr, err := m.Register("dlerror", HandlerFunc(func(guest.CPU) error { return nil }))
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			b, err := cpu.MemRead(addr, stubSize)
			if err != nil {
				t.Fatalf("MemRead: %v", err)
			}
			if got := binary.LittleEndian.Uint32(b); got != test.svc {
				t.Errorf("unexpected svc encoding: got=0x%08x want=0x%08x", got, test.svc)
			}
			if got := binary.LittleEndian.Uint32(b[4:]); got != test.ret {
				t.Errorf("unexpected return encoding: got=0x%08x want=0x%08x", got, test.ret)
			}
			prot, err := cpu.MemProt(addr)
			if err != nil {
				t.Fatalf("MemProt: %v", err)
			}
			if prot&guest.ProtExec == 0 {
				t.Errorf("trap page is not executable: prot=%#x", prot)
			}
			tr, ok := m.LookupNumber(firstNumber)
			if !ok || tr.Addr != addr {
				t.Errorf("LookupNumber(0x%x) = %+v, %t", firstNumber, tr, ok)
			}
		})
	}
}

func TestDispatchErrors(t *testing.T) {
	cpu := guest.NewFlat(guest.ArchARM64)
	m, err := New(cpu, guest.ArchARM64, trapBase, 0x1000, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Dispatch(cpu, trapBase); !errors.Is(err, ErrNoTrap) {
		t.Errorf("Dispatch(unregistered): got %v want ErrNoTrap", err)
	}
	if err := m.DispatchNumber(cpu, 7); !errors.Is(err, ErrNoTrap) {
		t.Errorf("DispatchNumber(7): got %v want ErrNoTrap", err)
	}

	errFatal := errors.New("fatal")
	addr, err := m.Register("dladdr", HandlerFunc(func(guest.CPU) error { return errFatal }))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Dispatch(cpu, addr); !errors.Is(err, errFatal) {
		t.Errorf("Dispatch(dladdr): got %v want wrapped handler error", err)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	cpu := guest.NewFlat(guest.ArchARM)
	m, err := New(cpu, guest.ArchARM, trapBase, 0x1000, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := m.Allocate(0x40, "error buffer")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !m.Contains(a) || a != trapBase {
		t.Errorf("unexpected allocation address: 0x%x", a)
	}
	_, err = m.Allocate(0x1000, "too big")
	if !errors.Is(err, ErrTrapSpace) {
		t.Errorf("Allocate(too big): got %v want ErrTrapSpace", err)
	}
	if _, err := New(cpu, guest.ArchARM, trapBase, 0x1000, nil); err == nil {
		t.Error("expected error mapping an overlapping trap region")
	}
}
