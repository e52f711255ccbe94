// Package abi implements the guest calling conventions the linker shim
// needs: reading integer and pointer arguments, writing a single word
// return value, and emitting a multi-word return frame on the stack.
package abi

import (
	"fmt"

	"github.com/sliverarmory/dlshim/guest"
)

// CallingConvention is the argument and return contract of one guest
// architecture.
type CallingConvention interface {
	// Arch returns the architecture the convention belongs to.
	Arch() guest.Arch

	// Arg returns integer argument i, truncated to the word size.
	Arg(cpu guest.CPU, i int) (uint64, error)
	// SetArg writes integer argument i. It is used by host code that
	// invokes a trap on behalf of the guest.
	SetArg(cpu guest.CPU, i int, v uint64) error

	// Return reads the return register.
	Return(cpu guest.CPU) (uint64, error)
	// SetReturn writes v, truncated to the word size, to the return
	// register.
	SetReturn(cpu guest.CPU, v uint64) error

	// PushFrame pushes words onto the guest stack in order, each push
	// becoming the new lowest stack word, and writes the final stack
	// pointer back. It returns the new stack pointer.
	PushFrame(cpu guest.CPU, words ...uint64) (uint64, error)
	// StackPointer returns the stack pointer register.
	StackPointer() guest.Reg
}

// For returns the calling convention of arch.
func For(arch guest.Arch) (CallingConvention, error) {
	switch arch {
	case guest.ArchARM:
		return ARM{}, nil
	case guest.ArchARM64:
		return ARM64{}, nil
	default:
		return nil, fmt.Errorf("no calling convention for %v", arch)
	}
}

// Args reads the first n arguments of the current call.
func Args(cc CallingConvention, cpu guest.CPU, n int) ([]uint64, error) {
	args := make([]uint64, n)
	for i := range args {
		v, err := cc.Arg(cpu, i)
		if err != nil {
			return nil, fmt.Errorf("read argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

// regConv holds the register assignment shared by the ARM family.
type regConv struct {
	arch guest.Arch
	args []guest.Reg
	ret  guest.Reg
	sp   guest.Reg
}

func (c regConv) arg(cpu guest.CPU, i int) (uint64, error) {
	if i < 0 {
		return 0, fmt.Errorf("invalid argument index: %d", i)
	}
	if i < len(c.args) {
		v, err := cpu.RegRead(c.args[i])
		return v & c.arch.WordMask(), err
	}
	// Spilled arguments start at the stack pointer on entry.
	sp, err := cpu.RegRead(c.sp)
	if err != nil {
		return 0, err
	}
	word := c.arch.WordSize()
	return guest.ReadWord(cpu, sp+uint64((i-len(c.args))*word), word)
}

func (c regConv) setArg(cpu guest.CPU, i int, v uint64) error {
	if i < 0 || i >= len(c.args) {
		return fmt.Errorf("argument %d is not passed in a register", i)
	}
	return cpu.RegWrite(c.args[i], v&c.arch.WordMask())
}

func (c regConv) pushFrame(cpu guest.CPU, words []uint64) (uint64, error) {
	sp, err := cpu.RegRead(c.sp)
	if err != nil {
		return 0, err
	}
	word := c.arch.WordSize()
	for _, w := range words {
		sp -= uint64(word)
		err = guest.WriteWord(cpu, sp, word, w&c.arch.WordMask())
		if err != nil {
			return 0, fmt.Errorf("push frame word: %w", err)
		}
	}
	return sp, cpu.RegWrite(c.sp, sp)
}

// ARM is the AAPCS convention for 32-bit ARM guests: r0-r3 carry the
// first four arguments, r0 carries the result.
type ARM struct{}

var armConv = regConv{
	arch: guest.ArchARM,
	args: []guest.Reg{guest.ArmR0, guest.ArmR1, guest.ArmR2, guest.ArmR3},
	ret:  guest.ArmR0,
	sp:   guest.ArmSP,
}

func (ARM) Arch() guest.Arch { return guest.ArchARM }

func (ARM) Arg(cpu guest.CPU, i int) (uint64, error) { return armConv.arg(cpu, i) }

func (ARM) SetArg(cpu guest.CPU, i int, v uint64) error { return armConv.setArg(cpu, i, v) }

func (ARM) Return(cpu guest.CPU) (uint64, error) {
	v, err := cpu.RegRead(armConv.ret)
	return v & armConv.arch.WordMask(), err
}

func (ARM) SetReturn(cpu guest.CPU, v uint64) error {
	return cpu.RegWrite(armConv.ret, v&armConv.arch.WordMask())
}

func (ARM) PushFrame(cpu guest.CPU, words ...uint64) (uint64, error) {
	return armConv.pushFrame(cpu, words)
}

func (ARM) StackPointer() guest.Reg { return armConv.sp }

// ARM64 is the AAPCS64 convention: x0-x7 carry the first eight
// arguments, x0 carries the result.
type ARM64 struct{}

var arm64Conv = regConv{
	arch: guest.ArchARM64,
	args: []guest.Reg{
		guest.Arm64X0, guest.Arm64X1, guest.Arm64X2, guest.Arm64X3,
		guest.Arm64X4, guest.Arm64X5, guest.Arm64X6, guest.Arm64X7,
	},
	ret: guest.Arm64X0,
	sp:  guest.Arm64SP,
}

func (ARM64) Arch() guest.Arch { return guest.ArchARM64 }

func (ARM64) Arg(cpu guest.CPU, i int) (uint64, error) { return arm64Conv.arg(cpu, i) }

func (ARM64) SetArg(cpu guest.CPU, i int, v uint64) error { return arm64Conv.setArg(cpu, i, v) }

func (ARM64) Return(cpu guest.CPU) (uint64, error) { return cpu.RegRead(arm64Conv.ret) }

func (ARM64) SetReturn(cpu guest.CPU, v uint64) error { return cpu.RegWrite(arm64Conv.ret, v) }

func (ARM64) PushFrame(cpu guest.CPU, words ...uint64) (uint64, error) {
	return arm64Conv.pushFrame(cpu, words)
}

func (ARM64) StackPointer() guest.Reg { return arm64Conv.sp }
