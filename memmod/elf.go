package memmod

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sliverarmory/dlshim/guest"
)

// mapModule validates an image, maps its loadable segments at the next
// free base and collects its symbols and initializers.
func (r *Registry) mapModule(name, guestPath string, data []byte) (*Module, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &FormatError{Path: guestPath, Err: err}
	}
	defer f.Close()

	if err := r.validate(f); err != nil {
		return nil, &FormatError{Path: guestPath, Err: err}
	}

	var lo, hi uint64
	var loads []elf.ProgHeader
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Filesz > p.Memsz || p.Off+p.Filesz > uint64(len(data)) || p.Off+p.Filesz < p.Off {
			return nil, &FormatError{Path: guestPath, Err: fmt.Errorf("segment at 0x%x exceeds file", p.Vaddr)}
		}
		start := guest.AlignDown(p.Vaddr, guest.PageSize)
		end := guest.AlignUp(p.Vaddr+p.Memsz, guest.PageSize)
		if len(loads) == 0 || start < lo {
			lo = start
		}
		if end > hi {
			hi = end
		}
		loads = append(loads, p.ProgHeader)
	}
	if len(loads) == 0 {
		return nil, &FormatError{Path: guestPath, Err: errors.New("no loadable segments")}
	}

	base := r.next - lo
	m := &Module{
		Name:    name,
		Path:    guestPath,
		Base:    base,
		Size:    hi,
		exports: make(map[string]uint64),
		bound:   make(map[string]binding),
		refs:    1,
	}

	// Segments are mapped in address order; a page shared with the
	// previous segment is already mapped.
	var mapped uint64
	for _, p := range loads {
		start := guest.AlignDown(base+p.Vaddr, guest.PageSize)
		end := guest.AlignUp(base+p.Vaddr+p.Memsz, guest.PageSize)
		if start < mapped {
			start = mapped
		}
		if start < end {
			err = r.mem.MemMap(start, end-start, progProt(p.Flags))
			if err != nil {
				r.unmap(m)
				return nil, fmt.Errorf("memmod: map %s segment 0x%x: %w", name, start, err)
			}
			m.segments = append(m.segments, segment{addr: start, size: end - start})
			mapped = end
		}
		if p.Filesz != 0 {
			err = r.mem.MemWrite(base+p.Vaddr, data[p.Off:p.Off+p.Filesz])
			if err != nil {
				r.unmap(m)
				return nil, fmt.Errorf("memmod: write %s segment 0x%x: %w", name, base+p.Vaddr, err)
			}
		}
	}

	if err := r.readDynamic(f, m); err != nil {
		r.unmap(m)
		var ferr *FormatError
		if errors.As(err, &ferr) {
			ferr.Path = guestPath
		}
		return nil, err
	}
	r.next = guest.AlignUp(base+hi, guest.PageSize) + guest.PageSize
	return m, nil
}

func (r *Registry) validate(f *elf.File) error {
	class, machine, err := machineFor(r.arch)
	if err != nil {
		return err
	}
	switch {
	case f.Class != class:
		return fmt.Errorf("foreign class (provided: %s, expected: %s)", f.Class, class)
	case f.Machine != machine:
		return fmt.Errorf("foreign platform (provided: %s, expected: %s)", f.Machine, machine)
	case f.Data != elf.ELFDATA2LSB:
		return fmt.Errorf("unsupported byte order: %s", f.Data)
	case f.Type != elf.ET_DYN:
		return fmt.Errorf("unsupported ELF file type: %s", f.Type)
	}
	return nil
}

func (r *Registry) unmap(m *Module) {
	for _, s := range m.segments {
		_ = r.mem.MemUnmap(s.addr, s.size)
	}
	m.segments = nil
}

func progProt(flags elf.ProgFlag) int {
	var prot int
	if flags&elf.PF_R != 0 {
		prot |= guest.ProtRead
	}
	if flags&elf.PF_W != 0 {
		prot |= guest.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		prot |= guest.ProtExec
	}
	return prot
}

// readDynamic collects the dependency list, symbols and initializers of a
// mapped module.
func (r *Registry) readDynamic(f *elf.File, m *Module) error {
	needed, err := f.DynString(elf.DT_NEEDED)
	if err != nil {
		return &FormatError{Err: fmt.Errorf("read DT_NEEDED: %w", err)}
	}
	m.Needed = needed
	soname, err := f.DynString(elf.DT_SONAME)
	if err != nil {
		return &FormatError{Err: fmt.Errorf("read DT_SONAME: %w", err)}
	}
	if len(soname) != 0 {
		m.Soname = soname[0]
	}

	syms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return &FormatError{Err: fmt.Errorf("read dynamic symbols: %w", err)}
	}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		bind := elf.ST_BIND(s.Info)
		if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
			continue
		}
		if s.Section == elf.SHN_UNDEF {
			m.imports = append(m.imports, importRef{name: s.Name, weak: bind == elf.STB_WEAK})
			continue
		}
		if elf.ST_TYPE(s.Info) == elf.STT_TLS {
			continue
		}
		if _, ok := m.exports[s.Name]; ok {
			continue
		}
		value := s.Value
		if s.Section != elf.SHN_ABS {
			value += m.Base
		}
		m.exports[s.Name] = value & r.arch.WordMask()
	}

	return r.readInitFunctions(f, m)
}

// readInitFunctions collects DT_INIT followed by the DT_INIT_ARRAY entries
// as they appear in guest memory. Entries patched by RELATIVE relocations
// take their value from the relocation addend.
func (r *Registry) readInitFunctions(f *elf.File, m *Module) error {
	mask := r.arch.WordMask()
	initAddr, err := f.DynValue(elf.DT_INIT)
	if err != nil {
		return &FormatError{Err: fmt.Errorf("read DT_INIT: %w", err)}
	}
	if len(initAddr) != 0 && initAddr[0] != 0 {
		m.inits = append(m.inits, InitFunction{Address: (m.Base + initAddr[0]) & mask, Source: elf.DT_INIT})
	}

	array, err := f.DynValue(elf.DT_INIT_ARRAY)
	if err != nil {
		return &FormatError{Err: fmt.Errorf("read DT_INIT_ARRAY: %w", err)}
	}
	size, err := f.DynValue(elf.DT_INIT_ARRAYSZ)
	if err != nil {
		return &FormatError{Err: fmt.Errorf("read DT_INIT_ARRAYSZ: %w", err)}
	}
	if len(array) == 0 || len(size) == 0 {
		return nil
	}
	addends, err := r.relativeAddends(f, m)
	if err != nil {
		return &FormatError{Err: err}
	}
	word := uint64(r.arch.WordSize())
	for i := uint64(0); i < size[0]/word; i++ {
		slot := array[0] + i*word
		v, err := guest.ReadWord(r.mem, m.Base+slot, int(word))
		if err != nil {
			return &FormatError{Err: fmt.Errorf("read DT_INIT_ARRAY entry %d: %w", i, err)}
		}
		if a, ok := addends[slot]; ok {
			v = a & mask
		}
		if v == 0 || v == mask {
			continue
		}
		m.inits = append(m.inits, InitFunction{Address: (m.Base + v) & mask, Source: elf.DT_INIT_ARRAY, Index: int(i)})
	}
	return nil
}

// relativeAddends returns the addends of RELATIVE relocations in the
// DT_RELA table of a mapped module, keyed by the link-time address they
// patch.
func (r *Registry) relativeAddends(f *elf.File, m *Module) (map[uint64]uint64, error) {
	rela, err := f.DynValue(elf.DT_RELA)
	if err != nil {
		return nil, fmt.Errorf("read DT_RELA: %w", err)
	}
	size, err := f.DynValue(elf.DT_RELASZ)
	if err != nil {
		return nil, fmt.Errorf("read DT_RELASZ: %w", err)
	}
	if len(rela) == 0 || len(size) == 0 || size[0] == 0 {
		return nil, nil
	}
	entsize := uint64(12)
	if f.Class == elf.ELFCLASS64 {
		entsize = 24
	}
	ent, err := f.DynValue(elf.DT_RELAENT)
	if err != nil {
		return nil, fmt.Errorf("read DT_RELAENT: %w", err)
	}
	if len(ent) != 0 && ent[0] != entsize {
		return nil, fmt.Errorf("unsupported DT_RELAENT %d", ent[0])
	}
	if size[0]%entsize != 0 || rela[0] > m.Size || size[0] > m.Size-rela[0] {
		return nil, fmt.Errorf("invalid DT_RELA table 0x%x+0x%x", rela[0], size[0])
	}
	data, err := r.mem.MemRead(m.Base+rela[0], size[0])
	if err != nil {
		return nil, fmt.Errorf("read DT_RELA: %w", err)
	}

	addends := make(map[uint64]uint64)
	rd := bytes.NewReader(data)
	for rd.Len() != 0 {
		var off, typ uint64
		var addend int64
		if f.Class == elf.ELFCLASS64 {
			var rel elf.Rela64
			if err := binary.Read(rd, f.ByteOrder, &rel); err != nil {
				return nil, fmt.Errorf("read DT_RELA: %w", err)
			}
			off, typ, addend = rel.Off, uint64(elf.R_TYPE64(rel.Info)), rel.Addend
		} else {
			var rel elf.Rela32
			if err := binary.Read(rd, f.ByteOrder, &rel); err != nil {
				return nil, fmt.Errorf("read DT_RELA: %w", err)
			}
			off, typ, addend = uint64(rel.Off), uint64(elf.R_TYPE32(rel.Info)), int64(rel.Addend)
		}
		if isRelative(f.Machine, typ) {
			addends[off] = uint64(addend)
		}
	}
	return addends, nil
}

func isRelative(machine elf.Machine, typ uint64) bool {
	switch machine {
	case elf.EM_ARM:
		return elf.R_ARM(typ) == elf.R_ARM_RELATIVE
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ) == elf.R_AARCH64_RELATIVE
	}
	return false
}
