package dlshim

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/dlshim/guest"
)

// DefaultErrorBufferSize is the capacity of the dlerror buffer.
const DefaultErrorBufferSize = 0x40

// ErrorBuffer is the guest region dlerror returns. It holds the message
// of the last failure as a NUL terminated string and is never cleared by
// a successful call.
type ErrorBuffer struct {
	mem  guest.Memory
	addr uint64
	size uint64
	msg  string
}

// NewErrorBuffer zeroes size bytes at addr and returns a buffer over
// them.
func NewErrorBuffer(mem guest.Memory, addr, size uint64) (*ErrorBuffer, error) {
	if size == 0 {
		return nil, errors.New("dlshim: zero sized error buffer")
	}
	err := mem.MemWrite(addr, make([]byte, size))
	if err != nil {
		return nil, fmt.Errorf("dlshim: clear error buffer: %w", err)
	}
	return &ErrorBuffer{mem: mem, addr: addr, size: size}, nil
}

// Addr returns the guest address of the buffer.
func (b *ErrorBuffer) Addr() uint64 { return b.addr }

// Cap returns the capacity of the buffer in bytes, including the NUL.
func (b *ErrorBuffer) Cap() uint64 { return b.size }

// Set replaces the buffer contents with msg. Messages longer than
// Cap()-1 bytes are truncated; the rest of the buffer is zeroed.
func (b *ErrorBuffer) Set(msg string) error {
	if uint64(len(msg)) > b.size-1 {
		msg = msg[:b.size-1]
	}
	p := make([]byte, b.size)
	copy(p, msg)
	err := b.mem.MemWrite(b.addr, p)
	if err != nil {
		return fmt.Errorf("dlshim: write error buffer: %w", err)
	}
	b.msg = msg
	return nil
}

// String returns the last message written, as truncated.
func (b *ErrorBuffer) String() string { return b.msg }
