// Package pata implements the asynchronous block-I/O path of a PATA disk:
// the request/completion state machine and the driver logic that turns
// byte-oriented, synchronous-looking reads and writes into block-aligned
// asynchronous channel transfers.
package pata

import (
	"context"
	"time"

	"github.com/behrlich/go-pata/internal/constants"
	"github.com/behrlich/go-pata/internal/logging"
)

// Geometry is the cylinders/heads/sectors-per-track tuple reported by the
// drive at discovery. It bounds the device's addressable capacity.
type Geometry struct {
	Cylinders       uint16
	Heads           uint16
	SectorsPerTrack uint16
}

// TotalSectors returns the number of addressable blocks
func (g Geometry) TotalSectors() int64 {
	return int64(g.Cylinders) * int64(g.Heads) * int64(g.SectorsPerTrack)
}

// Capacity returns the addressable size in bytes for the given block size
func (g Geometry) Capacity(blockSize int) int64 {
	return g.TotalSectors() * int64(blockSize)
}

// BlockDevice is the base identity every fixed-block device carries: major
// and minor numbers and a block size that never changes for the device's
// lifetime.
type BlockDevice struct {
	major     int
	minor     int
	blockSize int
}

// Major returns the device major number
func (d *BlockDevice) Major() int {
	return d.major
}

// Minor returns the device minor number
func (d *BlockDevice) Minor() int {
	return d.minor
}

// BlockSize returns the fixed block size in bytes
func (d *BlockDevice) BlockSize() int {
	return d.blockSize
}

// DriveRole selects which drive on the cable a disk is
type DriveRole int

const (
	Master DriveRole = iota
	Slave
)

func (r DriveRole) String() string {
	if r == Slave {
		return "slave"
	}
	return "master"
}

// Logger is the optional printf-style logger callers can pass in Options
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// DiskParams contains parameters for attaching a disk to a channel
type DiskParams struct {
	// Role selects master or slave on the cable
	Role DriveRole

	// Device identity
	Major int
	Minor int

	// BlockSize is the fixed block size in bytes (default: 512)
	BlockSize int

	// PageSize is the channel's transfer buffer size in bytes
	// (default: 4096). One call moves at most PageSize/BlockSize whole
	// blocks; longer requests silently truncate and the caller must
	// reissue for the rest.
	PageSize int
}

// DefaultDiskParams returns default parameters for the given identity
func DefaultDiskParams(role DriveRole, major, minor int) DiskParams {
	return DiskParams{
		Role:      role,
		Major:     major,
		Minor:     minor,
		BlockSize: constants.DefaultBlockSize,
		PageSize:  constants.DefaultPageSize,
	}
}

// Options contains additional options for disk creation
type Options struct {
	// Logger for debug/info messages (if nil, no printf logging)
	Logger Logger

	// Observer for metrics collection (if nil, records to the disk's
	// built-in Metrics)
	Observer Observer
}

// Disk is a PATA disk drive attached to a channel. The channel may be
// shared with a second drive on the same cable; the channel owns all
// serialization between them.
type Disk struct {
	BlockDevice

	role     DriveRole
	channel  Channel
	pageSize int
	geo      Geometry

	log      *logging.Logger
	userLog  Logger
	metrics  *Metrics
	observer Observer
}

// NewDisk attaches a disk with the given role and identity to a channel.
// Geometry is unset until SetDriveGeometry is called from discovery, so
// CanRead/CanWrite report false for every offset until then.
func NewDisk(channel Channel, params DiskParams, options *Options) (*Disk, error) {
	if channel == nil {
		return nil, NewError("ATTACH", ErrCodeInvalidParameters, "nil channel")
	}
	if params.BlockSize <= 0 {
		return nil, NewError("ATTACH", ErrCodeInvalidParameters, "block size must be positive")
	}
	if params.PageSize < params.BlockSize || params.PageSize%params.BlockSize != 0 {
		return nil, NewError("ATTACH", ErrCodeInvalidParameters, "page size must be a positive multiple of block size")
	}

	if options == nil {
		options = &Options{}
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	d := &Disk{
		BlockDevice: BlockDevice{
			major:     params.Major,
			minor:     params.Minor,
			blockSize: params.BlockSize,
		},
		role:     params.Role,
		channel:  channel,
		pageSize: params.PageSize,
		log:      logging.Default().WithDevice(params.Major, params.Minor),
		userLog:  options.Logger,
		metrics:  metrics,
		observer: observer,
	}

	d.log.Info("disk attached", "role", params.Role.String(), "block_size", params.BlockSize)
	if options.Logger != nil {
		options.Logger.Printf("Disk attached: %d:%d (%s, block size %d)",
			params.Major, params.Minor, params.Role, params.BlockSize)
	}

	return d, nil
}

// ClassName returns the device class name
func (d *Disk) ClassName() string {
	return "PATADiskDevice"
}

// Role returns the drive role on the cable
func (d *Disk) Role() DriveRole {
	return d.role
}

// IsSlave reports whether this drive is the slave on its cable. The channel
// consumes it to assert the correct device-select line; it has no other
// effect.
func (d *Disk) IsSlave() bool {
	return d.role == Slave
}

// SetDriveGeometry records the geometry reported at discovery. Set once
// before I/O begins; the geometry is immutable afterwards.
func (d *Disk) SetDriveGeometry(g Geometry) {
	d.geo = g
	d.log.Info("drive geometry set",
		"cylinders", g.Cylinders,
		"heads", g.Heads,
		"sectors_per_track", g.SectorsPerTrack,
		"capacity", g.Capacity(d.blockSize))
}

// Geometry returns the drive geometry
func (d *Disk) Geometry() Geometry {
	return d.geo
}

// BlocksPerPage returns the maximum whole blocks a single call can move
func (d *Disk) BlocksPerPage() int {
	return d.pageSize / d.blockSize
}

// CanRead reports whether offset is inside the device's addressable range
func (d *Disk) CanRead(offset int64) bool {
	return offset < d.geo.Capacity(d.blockSize)
}

// CanWrite reports whether offset is inside the device's addressable range
func (d *Disk) CanWrite(offset int64) bool {
	return offset < d.geo.Capacity(d.blockSize)
}

// Metrics returns the disk's built-in metrics
func (d *Disk) Metrics() *Metrics {
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the disk's metrics
func (d *Disk) MetricsSnapshot() MetricsSnapshot {
	return d.metrics.Snapshot()
}

// Detach marks the disk detached in its metrics. The channel is shared and
// stays up.
func (d *Disk) Detach() {
	d.metrics.Stop()
	d.log.Info("disk detached")
}

// submitRequest builds a request owned by this call and submits it. DMA
// availability is asked fresh from the channel every time because bus-master
// state can change at runtime.
func (d *Disk) submitRequest(op OpKind, index int64, count int, buf RequestBuffer) *BlockRequest {
	r := NewBlockRequest(op, index, count, buf, count*d.blockSize)
	r.disk = d

	useDMA := d.channel.DMAAvailable()
	d.observer.ObserveSubmit(useDMA)
	d.channel.StartRequest(r, useDMA, d.IsSlave())
	return r
}

// Read reads length bytes at offset into buf. Returns the number of bytes
// transferred, which may be less than length: requests longer than one page
// are truncated to the channel's transfer buffer limit, and a hardware
// failure on the sub-block remainder degrades to a short read. Callers
// needing a full transfer must loop.
func (d *Disk) Read(ctx context.Context, offset int64, buf *CallerBuffer, length int) (int, error) {
	start := time.Now()
	n, err := d.read(ctx, offset, buf, length)
	d.observer.ObserveRead(uint64(n), uint64(time.Since(start).Nanoseconds()), err == nil)
	return n, err
}

func (d *Disk) read(ctx context.Context, offset int64, buf *CallerBuffer, length int) (int, error) {
	if buf == nil || offset < 0 || length < 0 {
		return 0, d.opError("READ", ErrCodeInvalidParameters, "bad read parameters")
	}
	if length == 0 {
		return 0, nil
	}

	blockSize := d.blockSize
	index := offset / int64(blockSize)
	wholeBlocks := length / blockSize
	remaining := length % blockSize

	// The channel uses a single page for its transfer buffer, so one call
	// moves at most a page; the caller must reissue for anything beyond.
	blocksPerPage := d.pageSize / blockSize
	if wholeBlocks >= blocksPerPage {
		wholeBlocks = blocksPerPage
		remaining = 0
	}

	d.log.Debug("read", "block", index, "whole_blocks", wholeBlocks, "remaining", remaining)

	if wholeBlocks > 0 {
		r := d.submitRequest(OpRead, index, wholeBlocks, buf)
		res := r.Wait(ctx)
		if res.Interrupted {
			return 0, d.opError("READ", ErrCodeInterrupted, "wait interrupted")
		}
		switch res.State {
		case StateFailure, StateCancelled:
			return 0, d.opError("READ", ErrCodeIO, "whole-block read failed")
		case StateMemoryFault:
			return 0, d.opError("READ", ErrCodeBadAddress, "destination buffer faulted")
		}
	}

	pos := wholeBlocks * blockSize

	if remaining > 0 {
		scratch := NewScratchBuffer(blockSize)

		r := d.submitRequest(OpRead, index+int64(wholeBlocks), 1, scratch)
		defer releaseWhenTerminal(r, scratch)
		res := r.Wait(ctx)
		if res.Interrupted {
			return 0, d.opError("READ", ErrCodeInterrupted, "wait interrupted")
		}
		switch res.State {
		case StateFailure:
			// The whole-block bytes already in the destination are
			// valid; keep them and report a short read.
			d.log.RequestDegraded("read", index+int64(wholeBlocks), pos)
			d.observer.ObserveShortRead()
			return pos, nil
		case StateCancelled:
			return 0, d.opError("READ", ErrCodeIO, "remainder read cancelled")
		case StateMemoryFault:
			// Scratch buffers cannot fault by construction.
			panic("pata: memory fault on driver-owned scratch buffer")
		}

		if err := buf.CopyOut(pos, scratch.Bytes()[:remaining]); err != nil {
			return 0, d.opError("READ", ErrCodeBadAddress, "destination buffer faulted")
		}
		pos += remaining
	}

	return pos, nil
}

// Write writes length bytes from buf at offset. The same page cap and
// short-transfer semantics as Read apply. A sub-block remainder is
// committed with a read-modify-write of the trailing block, so bytes
// adjacent to the written range are never altered.
func (d *Disk) Write(ctx context.Context, offset int64, buf *CallerBuffer, length int) (int, error) {
	start := time.Now()
	n, err := d.write(ctx, offset, buf, length)
	d.observer.ObserveWrite(uint64(n), uint64(time.Since(start).Nanoseconds()), err == nil)
	return n, err
}

func (d *Disk) write(ctx context.Context, offset int64, buf *CallerBuffer, length int) (int, error) {
	if buf == nil || offset < 0 || length < 0 {
		return 0, d.opError("WRITE", ErrCodeInvalidParameters, "bad write parameters")
	}
	if length == 0 {
		return 0, nil
	}

	blockSize := d.blockSize
	index := offset / int64(blockSize)
	wholeBlocks := length / blockSize
	remaining := length % blockSize

	blocksPerPage := d.pageSize / blockSize
	if wholeBlocks >= blocksPerPage {
		wholeBlocks = blocksPerPage
		remaining = 0
	}

	d.log.Debug("write", "block", index, "whole_blocks", wholeBlocks, "remaining", remaining)

	if wholeBlocks > 0 {
		r := d.submitRequest(OpWrite, index, wholeBlocks, buf)
		res := r.Wait(ctx)
		if res.Interrupted {
			return 0, d.opError("WRITE", ErrCodeInterrupted, "wait interrupted")
		}
		switch res.State {
		case StateFailure, StateCancelled:
			return 0, d.opError("WRITE", ErrCodeIO, "whole-block write failed")
		case StateMemoryFault:
			return 0, d.opError("WRITE", ErrCodeBadAddress, "source buffer faulted")
		}
	}

	pos := wholeBlocks * blockSize

	// The drive only accepts whole blocks, so a trailing fragment needs
	// the target block read in, the fragment spliced over it, and the
	// whole block written back.
	if remaining > 0 {
		scratch := NewScratchBuffer(blockSize)

		r := d.submitRequest(OpRead, index+int64(wholeBlocks), 1, scratch)
		defer func() { releaseWhenTerminal(r, scratch) }()
		res := r.Wait(ctx)
		if res.Interrupted {
			return 0, d.opError("WRITE", ErrCodeInterrupted, "wait interrupted")
		}
		switch res.State {
		case StateFailure:
			// Without the block's current contents a write-back would
			// clobber bytes outside the requested range. Keep the
			// whole-block bytes and report a short write.
			d.log.RequestDegraded("write", index+int64(wholeBlocks), pos)
			d.observer.ObserveShortWrite()
			return pos, nil
		case StateCancelled:
			return 0, d.opError("WRITE", ErrCodeIO, "remainder read cancelled")
		case StateMemoryFault:
			panic("pata: memory fault on driver-owned scratch buffer")
		}

		if err := buf.CopyIn(pos, scratch.Bytes()[:remaining]); err != nil {
			return 0, d.opError("WRITE", ErrCodeBadAddress, "source buffer faulted")
		}

		r = d.submitRequest(OpWrite, index+int64(wholeBlocks), 1, scratch)
		res = r.Wait(ctx)
		if res.Interrupted {
			return 0, d.opError("WRITE", ErrCodeInterrupted, "wait interrupted")
		}
		switch res.State {
		case StateFailure, StateCancelled:
			// The scratch block was assembled correctly; failing to
			// commit it is a genuine I/O error, not a short write.
			return 0, d.opError("WRITE", ErrCodeIO, "remainder write-back failed")
		case StateMemoryFault:
			panic("pata: memory fault on driver-owned scratch buffer")
		}
		pos += remaining
	}

	return pos, nil
}

func (d *Disk) opError(op string, code ErrorCode, msg string) *Error {
	return NewDeviceError(op, d.major, d.minor, code, msg)
}

// releaseWhenTerminal returns scratch to the pool once r has resolved. An
// interrupted wait leaves r in flight with the channel still transferring
// through the buffer, so the release has to trail the late completion.
func releaseWhenTerminal(r *BlockRequest, scratch *ScratchBuffer) {
	if r.State().Terminal() {
		scratch.Release()
		return
	}
	go func() {
		r.Wait(context.Background())
		scratch.Release()
	}()
}
