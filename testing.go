package pata

import "sync"

// MockStart records one StartRequest call for verification.
type MockStart struct {
	Op         OpKind
	BlockIndex int64
	BlockCount int
	Length     int
	UseDMA     bool
	Slave      bool
}

// MockChannel provides a mock Channel implementation for testing. It
// completes requests synchronously against an in-memory image and tracks
// submissions for verification. Outcomes can be scripted per submission;
// StatePending leaves the request in flight so wait-interruption paths can
// be exercised.
type MockChannel struct {
	mu sync.Mutex

	data     []byte
	dma      bool
	starts   []MockStart
	outcomes []RequestState
	pending  []*BlockRequest
}

// NewMockChannel creates a mock channel backed by size bytes of zeroed
// image data. DMA is reported unavailable until SetDMAAvailable.
func NewMockChannel(size int64) *MockChannel {
	return &MockChannel{
		data: make([]byte, size),
	}
}

// SetDMAAvailable controls what DMAAvailable reports
func (c *MockChannel) SetDMAAvailable(available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dma = available
}

// DMAAvailable implements the Channel interface
func (c *MockChannel) DMAAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dma
}

// EnqueueOutcome scripts the terminal state for an upcoming submission, in
// FIFO order. Unscripted submissions succeed. StatePending leaves the
// request uncompleted; resolve it later with CompletePending.
func (c *MockChannel) EnqueueOutcome(states ...RequestState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, states...)
}

// StartRequest implements the Channel interface
func (c *MockChannel) StartRequest(r *BlockRequest, useDMA bool, slave bool) {
	c.mu.Lock()
	c.starts = append(c.starts, MockStart{
		Op:         r.Op(),
		BlockIndex: r.BlockIndex(),
		BlockCount: r.BlockCount(),
		Length:     r.Length(),
		UseDMA:     useDMA,
		Slave:      slave,
	})

	outcome := StateSuccess
	if len(c.outcomes) > 0 {
		outcome = c.outcomes[0]
		c.outcomes = c.outcomes[1:]
	}

	r.MarkStarted()

	if outcome == StatePending {
		c.pending = append(c.pending, r)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if outcome != StateSuccess {
		r.Complete(outcome)
		return
	}
	c.transfer(r)
}

// transfer executes a successful request against the backing image. Buffer
// faults surface as MemoryFault, mirroring a bus-master hitting an
// unmapped caller page.
func (c *MockChannel) transfer(r *BlockRequest) {
	blockSize := r.Length() / r.BlockCount()
	off := r.BlockIndex() * int64(blockSize)

	c.mu.Lock()
	if off < 0 || off+int64(r.Length()) > int64(len(c.data)) {
		c.mu.Unlock()
		r.Complete(StateFailure)
		return
	}

	var err error
	switch r.Op() {
	case OpRead:
		err = r.Buffer().CopyOut(0, c.data[off:off+int64(r.Length())])
	case OpWrite:
		err = r.Buffer().CopyIn(0, c.data[off:off+int64(r.Length())])
	}
	c.mu.Unlock()

	if err != nil {
		r.Complete(StateMemoryFault)
		return
	}
	r.Complete(StateSuccess)
}

// CompletePending resolves the oldest in-flight request with the given
// terminal state and reports whether one existed.
func (c *MockChannel) CompletePending(state RequestState) bool {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return false
	}
	r := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	if state == StateSuccess {
		c.transfer(r)
		return true
	}
	r.Complete(state)
	return true
}

// Starts returns a copy of the recorded submissions
func (c *MockChannel) Starts() []MockStart {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MockStart, len(c.starts))
	copy(out, c.starts)
	return out
}

// StartCount returns the number of submissions seen
func (c *MockChannel) StartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.starts)
}

// Data exposes the backing image for seeding and verification
func (c *MockChannel) Data() []byte {
	return c.data
}

// Compile-time interface check
var _ Channel = (*MockChannel)(nil)
