// Package elftest builds minimal ELF shared objects for tests.
//
// Images are laid out with file offsets equal to virtual addresses and a
// single RWX PT_LOAD segment covering the whole file. A zero filled text
// area of TextSize bytes starts at TextStart; export and initializer
// addresses in tests should point into it.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
)

const (
	TextStart = 0x100
	TextSize  = 0x200
)

// Symbol is a defined dynamic symbol.
type Symbol struct {
	Name  string
	Value uint64
	Weak  bool
}

// Import is an undefined dynamic symbol.
type Import struct {
	Name string
	Weak bool
}

// Image describes a shared object.
type Image struct {
	Class   elf.Class   // defaults to ELFCLASS32
	Machine elf.Machine // defaults to EM_ARM or EM_AARCH64 by class
	Type    elf.Type    // defaults to ET_DYN

	Soname    string
	Needed    []string
	Exports   []Symbol
	Imports   []Import
	Init      uint64   // DT_INIT, omitted when zero
	InitArray []uint64 // contents of .init_array

	// InitArrayAt replaces the DT_INIT_ARRAY address when non-zero.
	InitArrayAt uint64
	// Rela writes .init_array as zero slots patched by RELATIVE
	// relocations with the InitArray values as addends. The DT_RELA
	// table has no section header.
	Rela bool
}

// ARM returns an empty 32-bit ARM image named soname.
func ARM(soname string) Image {
	return Image{Class: elf.ELFCLASS32, Machine: elf.EM_ARM, Soname: soname}
}

// ARM64 returns an empty AArch64 image named soname.
func ARM64(soname string) Image {
	return Image{Class: elf.ELFCLASS64, Machine: elf.EM_AARCH64, Soname: soname}
}

// WriteFile writes the encoded image to path.
func (img Image) WriteFile(path string) error {
	return os.WriteFile(path, img.Bytes(), 0o644)
}

type strtab struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{off: make(map[string]uint32)}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.off[s] = off
	return off
}

const (
	shText = iota + 1
	shDynstr
	shDynsym
	shInitArray
	shDynamic
	shShstrtab
	shNum
)

// Bytes encodes the image.
func (img Image) Bytes() []byte {
	if img.Class == elf.ELFCLASSNONE {
		img.Class = elf.ELFCLASS32
	}
	if img.Machine == elf.EM_NONE {
		img.Machine = elf.EM_ARM
		if img.Class == elf.ELFCLASS64 {
			img.Machine = elf.EM_AARCH64
		}
	}
	if img.Type == elf.ET_NONE {
		img.Type = elf.ET_DYN
	}
	is64 := img.Class == elf.ELFCLASS64
	word := 4
	if is64 {
		word = 8
	}

	dynstr := newStrtab()
	type dyn struct {
		tag elf.DynTag
		val uint64
	}
	var dyns []dyn
	for _, n := range img.Needed {
		dyns = append(dyns, dyn{elf.DT_NEEDED, uint64(dynstr.add(n))})
	}
	if img.Soname != "" {
		dyns = append(dyns, dyn{elf.DT_SONAME, uint64(dynstr.add(img.Soname))})
	}

	var dynsym bytes.Buffer
	sym := func(name string, value uint64, bind elf.SymBind, typ elf.SymType, shndx elf.SectionIndex) {
		nameOff := dynstr.add(name)
		info := elf.ST_INFO(bind, typ)
		if is64 {
			binary.Write(&dynsym, binary.LittleEndian, elf.Sym64{
				Name: nameOff, Info: info, Shndx: uint16(shndx), Value: value,
			})
		} else {
			binary.Write(&dynsym, binary.LittleEndian, elf.Sym32{
				Name: nameOff, Value: uint32(value), Info: info, Shndx: uint16(shndx),
			})
		}
	}
	sym("", 0, elf.STB_LOCAL, elf.STT_NOTYPE, elf.SHN_UNDEF)
	for _, s := range img.Exports {
		bind := elf.STB_GLOBAL
		if s.Weak {
			bind = elf.STB_WEAK
		}
		sym(s.Name, s.Value, bind, elf.STT_FUNC, shText)
	}
	for _, s := range img.Imports {
		bind := elf.STB_GLOBAL
		if s.Weak {
			bind = elf.STB_WEAK
		}
		sym(s.Name, 0, bind, elf.STT_NOTYPE, elf.SHN_UNDEF)
	}

	ehsize, phentsize, shentsize := 52, 32, 40
	if is64 {
		ehsize, phentsize, shentsize = 64, 56, 64
	}
	const phnum = 2

	var body bytes.Buffer
	pad := func(align int) {
		for body.Len()%align != 0 {
			body.WriteByte(0)
		}
	}
	body.Write(make([]byte, TextStart+TextSize))

	dynstrOff := body.Len()
	body.Write(dynstr.buf.Bytes())
	dynstrSize := body.Len() - dynstrOff

	pad(word)
	dynsymOff := body.Len()
	body.Write(dynsym.Bytes())

	pad(word)
	initArrayOff := body.Len()
	for _, v := range img.InitArray {
		if img.Rela {
			v = 0
		}
		if is64 {
			binary.Write(&body, binary.LittleEndian, v)
		} else {
			binary.Write(&body, binary.LittleEndian, uint32(v))
		}
	}
	initArraySize := body.Len() - initArrayOff

	if img.Rela && len(img.InitArray) != 0 {
		pad(word)
		relaOff := body.Len()
		for i, v := range img.InitArray {
			off := uint64(initArrayOff + i*word)
			if is64 {
				binary.Write(&body, binary.LittleEndian, elf.Rela64{
					Off: off, Info: elf.R_INFO(0, uint32(elf.R_AARCH64_RELATIVE)), Addend: int64(v),
				})
			} else {
				binary.Write(&body, binary.LittleEndian, elf.Rela32{
					Off: uint32(off), Info: elf.R_INFO32(0, uint32(elf.R_ARM_RELATIVE)), Addend: int32(v),
				})
			}
		}
		entsize := 12
		if is64 {
			entsize = 24
		}
		dyns = append(dyns,
			dyn{elf.DT_RELA, uint64(relaOff)},
			dyn{elf.DT_RELASZ, uint64(body.Len() - relaOff)},
			dyn{elf.DT_RELAENT, uint64(entsize)},
		)
	}

	if img.Init != 0 {
		dyns = append(dyns, dyn{elf.DT_INIT, img.Init})
	}
	if len(img.InitArray) != 0 {
		at := uint64(initArrayOff)
		if img.InitArrayAt != 0 {
			at = img.InitArrayAt
		}
		dyns = append(dyns,
			dyn{elf.DT_INIT_ARRAY, at},
			dyn{elf.DT_INIT_ARRAYSZ, uint64(initArraySize)},
		)
	}
	dyns = append(dyns,
		dyn{elf.DT_STRTAB, uint64(dynstrOff)},
		dyn{elf.DT_SYMTAB, uint64(dynsymOff)},
		dyn{elf.DT_STRSZ, uint64(dynstrSize)},
		dyn{elf.DT_NULL, 0},
	)

	pad(word)
	dynamicOff := body.Len()
	for _, d := range dyns {
		if is64 {
			binary.Write(&body, binary.LittleEndian, elf.Dyn64{Tag: int64(d.tag), Val: d.val})
		} else {
			binary.Write(&body, binary.LittleEndian, elf.Dyn32{Tag: int32(d.tag), Val: uint32(d.val)})
		}
	}
	dynamicSize := body.Len() - dynamicOff
	loadSize := body.Len()

	shstrtab := newStrtab()
	names := [shNum]uint32{
		shText:      shstrtab.add(".text"),
		shDynstr:    shstrtab.add(".dynstr"),
		shDynsym:    shstrtab.add(".dynsym"),
		shInitArray: shstrtab.add(".init_array"),
		shDynamic:   shstrtab.add(".dynamic"),
		shShstrtab:  shstrtab.add(".shstrtab"),
	}
	shstrtabOff := body.Len()
	body.Write(shstrtab.buf.Bytes())

	pad(8)
	shoff := body.Len()

	type section struct {
		typ            elf.SectionType
		flags          elf.SectionFlag
		off, size      int
		link, info     uint32
		align, entsize int
	}
	symsize := 16
	dynsize := 8
	if is64 {
		symsize, dynsize = 24, 16
	}
	sections := [shNum]section{
		shText:      {typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, off: TextStart, size: TextSize, align: 4},
		shDynstr:    {typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, off: dynstrOff, size: dynstrSize, align: 1},
		shDynsym:    {typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, off: dynsymOff, size: dynsym.Len(), link: shDynstr, info: 1, align: word, entsize: symsize},
		shInitArray: {typ: elf.SHT_INIT_ARRAY, flags: elf.SHF_ALLOC | elf.SHF_WRITE, off: initArrayOff, size: initArraySize, align: word, entsize: word},
		shDynamic:   {typ: elf.SHT_DYNAMIC, flags: elf.SHF_ALLOC | elf.SHF_WRITE, off: dynamicOff, size: dynamicSize, link: shDynstr, align: word, entsize: dynsize},
		shShstrtab:  {typ: elf.SHT_STRTAB, off: shstrtabOff, size: shstrtab.buf.Len(), align: 1},
	}
	for i, s := range sections {
		if i == 0 {
			body.Write(make([]byte, shentsize))
			continue
		}
		if is64 {
			binary.Write(&body, binary.LittleEndian, elf.Section64{
				Name: names[i], Type: uint32(s.typ), Flags: uint64(s.flags),
				Addr: uint64(s.off), Off: uint64(s.off), Size: uint64(s.size),
				Link: s.link, Info: s.info, Addralign: uint64(s.align), Entsize: uint64(s.entsize),
			})
		} else {
			binary.Write(&body, binary.LittleEndian, elf.Section32{
				Name: names[i], Type: uint32(s.typ), Flags: uint32(s.flags),
				Addr: uint32(s.off), Off: uint32(s.off), Size: uint32(s.size),
				Link: s.link, Info: s.info, Addralign: uint32(s.align), Entsize: uint32(s.entsize),
			})
		}
	}

	out := body.Bytes()
	var hdr bytes.Buffer
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(img.Class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	flags := elf.PF_R | elf.PF_W | elf.PF_X
	if is64 {
		binary.Write(&hdr, binary.LittleEndian, elf.Header64{
			Ident: ident, Type: uint16(img.Type), Machine: uint16(img.Machine), Version: uint32(elf.EV_CURRENT),
			Phoff: uint64(ehsize), Shoff: uint64(shoff),
			Ehsize: uint16(ehsize), Phentsize: uint16(phentsize), Phnum: phnum,
			Shentsize: uint16(shentsize), Shnum: shNum, Shstrndx: shShstrtab,
		})
		binary.Write(&hdr, binary.LittleEndian, elf.Prog64{
			Type: uint32(elf.PT_LOAD), Flags: uint32(flags),
			Filesz: uint64(loadSize), Memsz: uint64(loadSize), Align: 0x1000,
		})
		binary.Write(&hdr, binary.LittleEndian, elf.Prog64{
			Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W),
			Off: uint64(dynamicOff), Vaddr: uint64(dynamicOff), Paddr: uint64(dynamicOff),
			Filesz: uint64(dynamicSize), Memsz: uint64(dynamicSize), Align: 8,
		})
	} else {
		binary.Write(&hdr, binary.LittleEndian, elf.Header32{
			Ident: ident, Type: uint16(img.Type), Machine: uint16(img.Machine), Version: uint32(elf.EV_CURRENT),
			Phoff: uint32(ehsize), Shoff: uint32(shoff),
			Ehsize: uint16(ehsize), Phentsize: uint16(phentsize), Phnum: phnum,
			Shentsize: uint16(shentsize), Shnum: shNum, Shstrndx: shShstrtab,
		})
		binary.Write(&hdr, binary.LittleEndian, elf.Prog32{
			Type: uint32(elf.PT_LOAD), Flags: uint32(flags),
			Filesz: uint32(loadSize), Memsz: uint32(loadSize), Align: 0x1000,
		})
		binary.Write(&hdr, binary.LittleEndian, elf.Prog32{
			Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W),
			Off: uint32(dynamicOff), Vaddr: uint32(dynamicOff), Paddr: uint32(dynamicOff),
			Filesz: uint32(dynamicSize), Memsz: uint32(dynamicSize), Align: 4,
		})
	}
	copy(out, hdr.Bytes())
	return out
}
