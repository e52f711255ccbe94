package guest

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

type page struct {
	prot int
	data []byte
}

// Flat is an in-memory CPU state: a register file and a page table of
// mapped guest memory. It does not execute instructions; it backs the
// linker shim when no instruction emulator is attached.
type Flat struct {
	arch  Arch
	regs  map[Reg]uint64
	pages map[uint64]*page
}

// NewFlat returns an empty CPU state for arch.
func NewFlat(arch Arch) *Flat {
	return &Flat{
		arch:  arch,
		regs:  make(map[Reg]uint64),
		pages: make(map[uint64]*page),
	}
}

// Arch returns the architecture the state was created for.
func (f *Flat) Arch() Arch { return f.arch }

func (f *Flat) RegRead(reg Reg) (uint64, error) {
	return f.regs[reg], nil
}

func (f *Flat) RegWrite(reg Reg, val uint64) error {
	f.regs[reg] = val & f.arch.WordMask()
	return nil
}

// MemMap maps size bytes at addr. Both must be page aligned and the
// range must not overlap an existing mapping.
func (f *Flat) MemMap(addr, size uint64, prot int) error {
	if addr%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return fmt.Errorf("map 0x%x+0x%x: unaligned range", addr, size)
	}
	if addr+size < addr {
		return fmt.Errorf("map 0x%x+0x%x: range overflows", addr, size)
	}
	for a := addr; a < addr+size; a += PageSize {
		if _, ok := f.pages[a]; ok {
			return fmt.Errorf("map 0x%x+0x%x: page 0x%x already mapped", addr, size, a)
		}
	}
	for a := addr; a < addr+size; a += PageSize {
		f.pages[a] = &page{prot: prot, data: make([]byte, PageSize)}
	}
	return nil
}

// MemUnmap unmaps size bytes at addr. Every page in the range must be
// mapped.
func (f *Flat) MemUnmap(addr, size uint64) error {
	if addr%PageSize != 0 || size%PageSize != 0 {
		return fmt.Errorf("unmap 0x%x+0x%x: unaligned range", addr, size)
	}
	for a := addr; a < addr+size; a += PageSize {
		if _, ok := f.pages[a]; !ok {
			return &FaultError{Op: "unmap", Addr: a, Err: ErrNotMapped}
		}
	}
	for a := addr; a < addr+size; a += PageSize {
		delete(f.pages, a)
	}
	return nil
}

// MemProt returns the protection of the page holding addr.
func (f *Flat) MemProt(addr uint64) (int, error) {
	p, ok := f.pages[AlignDown(addr, PageSize)]
	if !ok {
		return 0, &FaultError{Op: "prot", Addr: addr, Err: ErrNotMapped}
	}
	return p.prot, nil
}

// Mapped reports whether every byte of the range is mapped.
func (f *Flat) Mapped(addr, size uint64) bool {
	for a := AlignDown(addr, PageSize); a < addr+size; a += PageSize {
		if _, ok := f.pages[a]; !ok {
			return false
		}
	}
	return true
}

// Regions returns the mapped page addresses in ascending order.
func (f *Flat) Regions() []uint64 {
	return slices.Sorted(maps.Keys(f.pages))
}

// MemRead reads size bytes at addr. Page protections are not enforced
// for host accesses.
func (f *Flat) MemRead(addr, size uint64) ([]byte, error) {
	out := make([]byte, 0, size)
	err := f.walk("read", addr, size, func(p *page, off, n uint64) {
		out = append(out, p.data[off:off+n]...)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Flat) MemWrite(addr uint64, b []byte) error {
	return f.walk("write", addr, uint64(len(b)), func(p *page, off, n uint64) {
		copy(p.data[off:off+n], b[:n])
		b = b[n:]
	})
}

// walk calls fn for each page fragment of the range, failing before any
// call if part of the range is unmapped.
func (f *Flat) walk(op string, addr, size uint64, fn func(p *page, off, n uint64)) error {
	if addr+size < addr {
		return &FaultError{Op: op, Addr: addr, Err: errors.New("range overflows")}
	}
	for a := AlignDown(addr, PageSize); a < addr+size; a += PageSize {
		if _, ok := f.pages[a]; !ok {
			fault := a
			if fault < addr {
				fault = addr
			}
			return &FaultError{Op: op, Addr: fault, Err: ErrNotMapped}
		}
	}
	for size > 0 {
		base := AlignDown(addr, PageSize)
		off := addr - base
		n := PageSize - off
		if n > size {
			n = size
		}
		fn(f.pages[base], off, n)
		addr += n
		size -= n
	}
	return nil
}
