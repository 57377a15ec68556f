package pata

import (
	"sync"

	"github.com/behrlich/go-pata/internal/constants"
)

// RequestBuffer is the memory a block request transfers to or from. Channel
// implementations move bytes through CopyIn/CopyOut; either may fail with a
// bad-address error when the buffer wraps caller-supplied memory.
type RequestBuffer interface {
	// Len returns the number of accessible bytes.
	Len() int

	// CopyIn copies len(dst) bytes out of the buffer starting at off.
	CopyIn(off int, dst []byte) error

	// CopyOut copies src into the buffer starting at off.
	CopyOut(off int, src []byte) error
}

// FaultFunc reports whether an access to [off, off+length) of a caller
// buffer faults. Used by tests to model inaccessible address ranges.
type FaultFunc func(off, length int) bool

// CallerBuffer wraps memory supplied by the caller of Read/Write. Unlike a
// ScratchBuffer, accesses can fail: the memory belongs to a foreign address
// space and may be unmapped out from under the driver.
type CallerBuffer struct {
	data  []byte
	fault FaultFunc
}

// NewCallerBuffer wraps p as a caller-supplied request buffer.
func NewCallerBuffer(p []byte) *CallerBuffer {
	return &CallerBuffer{data: p}
}

// NewFaultingCallerBuffer wraps p with a fault hook consulted on every
// access.
func NewFaultingCallerBuffer(p []byte, fault FaultFunc) *CallerBuffer {
	return &CallerBuffer{data: p, fault: fault}
}

// Len implements RequestBuffer
func (b *CallerBuffer) Len() int {
	return len(b.data)
}

// CopyIn implements RequestBuffer
func (b *CallerBuffer) CopyIn(off int, dst []byte) error {
	if err := b.check(off, len(dst)); err != nil {
		return err
	}
	copy(dst, b.data[off:off+len(dst)])
	return nil
}

// CopyOut implements RequestBuffer
func (b *CallerBuffer) CopyOut(off int, src []byte) error {
	if err := b.check(off, len(src)); err != nil {
		return err
	}
	copy(b.data[off:off+len(src)], src)
	return nil
}

func (b *CallerBuffer) check(off, length int) error {
	if off < 0 || length < 0 || off+length > len(b.data) {
		return ErrBadAddress
	}
	if b.fault != nil && b.fault(off, length) {
		return ErrBadAddress
	}
	return nil
}

// scratchPool recycles block-sized scratch buffers to keep the remainder
// path allocation-free. Uses the pointer-to-slice pattern to avoid
// sync.Pool interface allocation overhead. Only the default block size is
// pooled; odd sizes are allocated directly.
var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, constants.DefaultBlockSize)
		return &b
	},
}

// ScratchBuffer is driver-owned memory used for the read-modify-write of
// partial blocks. It is always mapped and block-sized by construction, so
// its native accessors have no error to return: a scratch buffer cannot
// fault. A channel completing a scratch-backed request with MemoryFault is
// violating that invariant.
type ScratchBuffer struct {
	data []byte
}

// NewScratchBuffer returns a zeroed scratch buffer of size bytes.
func NewScratchBuffer(size int) *ScratchBuffer {
	if size == constants.DefaultBlockSize {
		p := scratchPool.Get().(*[]byte)
		b := (*p)[:size]
		for i := range b {
			b[i] = 0
		}
		return &ScratchBuffer{data: b}
	}
	return &ScratchBuffer{data: make([]byte, size)}
}

// Release returns the buffer to the pool. The buffer must not be used
// afterwards.
func (b *ScratchBuffer) Release() {
	if cap(b.data) == constants.DefaultBlockSize {
		p := b.data[:cap(b.data)]
		scratchPool.Put(&p)
	}
	b.data = nil
}

// Len implements RequestBuffer
func (b *ScratchBuffer) Len() int {
	return len(b.data)
}

// Bytes returns the underlying block. Infallible.
func (b *ScratchBuffer) Bytes() []byte {
	return b.data
}

// Splice copies src into the block at off. Infallible; out-of-range splices
// are a caller bug and panic via the slice bounds check.
func (b *ScratchBuffer) Splice(off int, src []byte) {
	copy(b.data[off:off+len(src)], src)
}

// CopyIn implements RequestBuffer
func (b *ScratchBuffer) CopyIn(off int, dst []byte) error {
	copy(dst, b.data[off:off+len(dst)])
	return nil
}

// CopyOut implements RequestBuffer
func (b *ScratchBuffer) CopyOut(off int, src []byte) error {
	copy(b.data[off:off+len(src)], src)
	return nil
}

// Compile-time interface checks
var (
	_ RequestBuffer = (*CallerBuffer)(nil)
	_ RequestBuffer = (*ScratchBuffer)(nil)
)
