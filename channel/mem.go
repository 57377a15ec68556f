package channel

import (
	"fmt"
	"sync"

	pata "github.com/behrlich/go-pata"
	"github.com/behrlich/go-pata/internal/constants"
)

// TransferFault injects drive-level failures into a memory channel. It is
// consulted for every transfer with its direction, byte offset, and length;
// returning true fails that transfer, which the driver sees as a request
// Failure.
type TransferFault func(write bool, off int64, length int) bool

// memImage is a RAM-backed drive image
type memImage struct {
	mu    sync.RWMutex
	data  []byte
	fault TransferFault
}

func (m *memImage) readAt(p []byte, off int64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.fault != nil && m.fault(false, off, len(p)) {
		return fmt.Errorf("injected read fault at %d", off)
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return fmt.Errorf("read outside image at %d", off)
	}
	copy(p, m.data[off:off+int64(len(p))])
	return nil
}

func (m *memImage) writeAt(p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil && m.fault(true, off, len(p)) {
		return fmt.Errorf("injected write fault at %d", off)
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return fmt.Errorf("write outside image at %d", off)
	}
	copy(m.data[off:off+int64(len(p))], p)
	return nil
}

func (m *memImage) size() int64 {
	return int64(len(m.data))
}

// MemoryConfig configures a memory channel
type MemoryConfig struct {
	// MasterSize is the master drive's image size in bytes (required,
	// must be a multiple of the block size)
	MasterSize int64

	// SlaveSize is the slave drive's image size in bytes; 0 means no
	// slave drive on the cable
	SlaveSize int64

	// BlockSize in bytes (default: 512)
	BlockSize int

	// PageSize is the transfer buffer size in bytes (default: 4096)
	PageSize int

	// QueueDepth bounds queued submissions before StartRequest blocks
	// (default: 32)
	QueueDepth int

	// BusMaster models whether the bus-master DMA resource exists.
	// Without it DMAAvailable is always false.
	BusMaster bool

	// Fault, when set, injects transfer failures on both drives
	Fault TransferFault
}

// Memory is a RAM-backed channel for up to two drives on one cable
type Memory struct {
	*executor
}

// NewMemory creates a memory channel
func NewMemory(config MemoryConfig) (*Memory, error) {
	blockSize := defaultInt(config.BlockSize, constants.DefaultBlockSize)
	pageSize := defaultInt(config.PageSize, constants.DefaultPageSize)
	depth := defaultInt(config.QueueDepth, constants.DefaultQueueDepth)

	if config.MasterSize <= 0 || config.MasterSize%int64(blockSize) != 0 {
		return nil, pata.NewError("CREATE", pata.ErrCodeInvalidParameters,
			"master size must be a positive multiple of block size")
	}
	if config.SlaveSize < 0 || config.SlaveSize%int64(blockSize) != 0 {
		return nil, pata.NewError("CREATE", pata.ErrCodeInvalidParameters,
			"slave size must be a multiple of block size")
	}

	master := &memImage{data: make([]byte, config.MasterSize), fault: config.Fault}
	var slave image
	if config.SlaveSize > 0 {
		slave = &memImage{data: make([]byte, config.SlaveSize), fault: config.Fault}
	}

	return &Memory{
		executor: startExecutor("mem", master, slave, "GOPATA MEMORY DISK",
			blockSize, pageSize, depth, config.BusMaster),
	}, nil
}

// Image exposes a drive's backing bytes for seeding and verification in
// tests. Not synchronized against in-flight transfers.
func (m *Memory) Image(slave bool) []byte {
	img := m.executor.image(slave)
	if img == nil {
		return nil
	}
	return img.(*memImage).data
}
