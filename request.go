package pata

import (
	"context"
	"fmt"
	"sync/atomic"
)

// OpKind is the direction of a block request
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// RequestState is the state of a Completion in its lifecycle state machine:
// Pending -> Started -> {Success, Failure, Cancelled, MemoryFault}.
type RequestState int32

const (
	StatePending RequestState = iota
	StateStarted
	StateSuccess
	StateFailure
	StateCancelled
	StateMemoryFault
)

// Terminal reports whether s is an absorbing state
func (s RequestState) Terminal() bool {
	return s >= StateSuccess
}

func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarted:
		return "started"
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	case StateCancelled:
		return "cancelled"
	case StateMemoryFault:
		return "memory fault"
	default:
		return fmt.Sprintf("RequestState(%d)", int32(s))
	}
}

// Completion tracks one asynchronous device operation from submission to its
// terminal outcome. Only the channel executing the request transitions it;
// the submitting context observes the outcome through Wait. Once terminal,
// the state never changes.
type Completion struct {
	state atomic.Int32
	done  chan struct{}
}

// State returns the current state
func (c *Completion) State() RequestState {
	return RequestState(c.state.Load())
}

// MarkStarted moves the request from Pending to Started. Channel-side only.
func (c *Completion) MarkStarted() {
	if !c.state.CompareAndSwap(int32(StatePending), int32(StateStarted)) {
		panic(fmt.Sprintf("pata: MarkStarted on %s request", c.State()))
	}
}

// Complete drives the request to a terminal state and wakes the waiter.
// Called exactly once per request, ordinarily from the channel's completion
// context. Completing twice, or with a non-terminal state, is a channel bug.
func (c *Completion) Complete(s RequestState) {
	if !s.Terminal() {
		panic(fmt.Sprintf("pata: Complete with non-terminal state %s", s))
	}
	for {
		cur := c.state.Load()
		if RequestState(cur).Terminal() {
			panic(fmt.Sprintf("pata: Complete on already-%s request", RequestState(cur)))
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			break
		}
	}
	close(c.done)
}

// WaitResult carries the two independent facts a waiter can learn: whether
// the wait itself was interrupted, and the request state that was observed.
// An interrupted wait does not cancel the underlying operation; the channel
// may still drive it to a terminal state later.
type WaitResult struct {
	Interrupted bool
	State       RequestState
}

// Wait blocks the calling context until the request reaches a terminal
// state or ctx is cancelled (the driver's stand-in for a pending signal).
// A terminal state that is already observable wins over a simultaneous
// cancellation, so interruption is only reported when it genuinely preceded
// the outcome.
func (c *Completion) Wait(ctx context.Context) WaitResult {
	select {
	case <-c.done:
		return WaitResult{State: c.State()}
	default:
	}

	select {
	case <-c.done:
		return WaitResult{State: c.State()}
	case <-ctx.Done():
		// The completion may have raced in; prefer it if so.
		select {
		case <-c.done:
			return WaitResult{State: c.State()}
		default:
		}
		return WaitResult{Interrupted: true, State: c.State()}
	}
}

// BlockRequest is a Completion specialized for fixed-size block transfers:
// an operation kind, a block range, and the buffer the channel transfers
// through. A request is owned by the call that created it and is never
// shared across concurrent submissions.
type BlockRequest struct {
	Completion

	op         OpKind
	blockIndex int64
	blockCount int
	buffer     RequestBuffer
	length     int
	disk       *Disk
}

// NewBlockRequest builds a request for count blocks starting at index.
// length is the total byte length of the transfer (count x block size).
func NewBlockRequest(op OpKind, index int64, count int, buf RequestBuffer, length int) *BlockRequest {
	return &BlockRequest{
		Completion: Completion{done: make(chan struct{})},
		op:         op,
		blockIndex: index,
		blockCount: count,
		buffer:     buf,
		length:     length,
	}
}

// Op returns the operation kind
func (r *BlockRequest) Op() OpKind {
	return r.op
}

// BlockIndex returns the starting block index
func (r *BlockRequest) BlockIndex() int64 {
	return r.blockIndex
}

// BlockCount returns the number of blocks to transfer
func (r *BlockRequest) BlockCount() int {
	return r.blockCount
}

// Buffer returns the memory the transfer moves through
func (r *BlockRequest) Buffer() RequestBuffer {
	return r.buffer
}

// Length returns the transfer length in bytes
func (r *BlockRequest) Length() int {
	return r.length
}

// Disk returns the device that issued the request, or nil for requests
// built outside a disk.
func (r *BlockRequest) Disk() *Disk {
	return r.disk
}
