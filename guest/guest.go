// Package guest describes the emulated machine as seen by the linker shim:
// architectures, register identifiers and the CPU state interface.
package guest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Arch identifies a guest architecture.
type Arch int

const (
	ArchARM Arch = iota + 1
	ArchARM64
)

// ParseArch returns the Arch named by s.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arm", "arm32", "armv7":
		return ArchARM, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	default:
		return 0, fmt.Errorf("unsupported guest architecture: %q", s)
	}
}

func (a Arch) String() string {
	switch a {
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// WordSize returns the pointer width of a in bytes.
func (a Arch) WordSize() int {
	if a == ArchARM64 {
		return 8
	}
	return 4
}

// WordMask returns the mask truncating a value to the pointer width of a.
func (a Arch) WordMask() uint64 {
	if a == ArchARM64 {
		return ^uint64(0)
	}
	return 0xffffffff
}

// DefaultHandle returns the RTLD_DEFAULT handle on a: 0xffffffff on ARM
// and 0 on AArch64.
func (a Arch) DefaultHandle() uint64 {
	if a == ArchARM64 {
		return 0
	}
	return 0xffffffff
}

// Reg is an architecture specific register identifier.
type Reg int

// AArch32 registers.
const (
	ArmR0 Reg = iota
	ArmR1
	ArmR2
	ArmR3
	ArmR4
	ArmR5
	ArmR6
	ArmR7
	ArmR8
	ArmR9
	ArmR10
	ArmR11
	ArmR12
	ArmSP
	ArmLR
	ArmPC
)

// AArch64 registers.
const (
	Arm64X0 Reg = 0x100 + iota
	Arm64X1
	Arm64X2
	Arm64X3
	Arm64X4
	Arm64X5
	Arm64X6
	Arm64X7
	Arm64SP
	Arm64LR
	Arm64PC
)

// Memory protections.
const (
	ProtRead = 1 << iota
	ProtWrite
	ProtExec

	ProtNone = 0
	ProtAll  = ProtRead | ProtWrite | ProtExec
)

// PageSize is the mapping granularity of guest memory.
const PageSize = 0x1000

// Memory is the guest address space.
type Memory interface {
	MemMap(addr, size uint64, prot int) error
	MemUnmap(addr, size uint64) error
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, p []byte) error
}

// CPU is the minimum an emulator must provide to host the linker shim.
type CPU interface {
	Memory
	RegRead(reg Reg) (uint64, error)
	RegWrite(reg Reg, val uint64) error
}

// ErrNotMapped is wrapped by faults on unmapped guest memory.
var ErrNotMapped = errors.New("guest memory not mapped")

// FaultError reports a failed guest memory access.
type FaultError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s 0x%x: %v", e.Op, e.Addr, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// MaxCString bounds the length of strings read from guest memory,
// excluding the NUL.
const MaxCString = 0x1000

// ErrStringTooLong is returned by ReadCString when no NUL appears within
// MaxCString bytes.
var ErrStringTooLong = errors.New("guest string exceeds length bound")

// ReadCString reads a NUL terminated string at addr. It fails at the
// first unmapped byte before the NUL. A string with no NUL within
// MaxCString bytes is returned truncated to MaxCString bytes along with a
// *FaultError wrapping ErrStringTooLong.
func ReadCString(mem Memory, addr uint64) (string, error) {
	start := addr
	var buf []byte
	for len(buf) <= MaxCString {
		// Read up to the end of the current page so a string ending
		// just before an unmapped page does not fault.
		n := PageSize - addr%PageSize
		if rem := uint64(MaxCString + 1 - len(buf)); n > rem {
			n = rem
		}
		chunk, err := mem.MemRead(addr, n)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(buf, chunk[:i]...)), nil
		}
		buf = append(buf, chunk...)
		addr += n
	}
	return string(buf[:MaxCString]), &FaultError{Op: "read string", Addr: start, Err: ErrStringTooLong}
}

// WriteCString writes s and a terminating NUL at addr.
func WriteCString(mem Memory, addr uint64, s string) error {
	if strings.ContainsRune(s, '\x00') {
		return errors.New("string contains NUL")
	}
	b := make([]byte, len(s)+1)
	copy(b, s)
	return mem.MemWrite(addr, b)
}

// ReadWord reads a little endian word of the given size at addr.
func ReadWord(mem Memory, addr uint64, size int) (uint64, error) {
	b, err := mem.MemRead(addr, uint64(size))
	if err != nil {
		return 0, err
	}
	switch size {
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("unsupported word size: %d", size)
	}
}

// WriteWord writes v as a little endian word of the given size at addr.
func WriteWord(mem Memory, addr uint64, size int, v uint64) error {
	b := make([]byte, size)
	switch size {
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		return fmt.Errorf("unsupported word size: %d", size)
	}
	return mem.MemWrite(addr, b)
}

// AlignDown rounds v down to a multiple of a, which must be a power of two.
func AlignDown(v, a uint64) uint64 {
	return v &^ (a - 1)
}

// AlignUp rounds v up to a multiple of a, which must be a power of two.
func AlignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
