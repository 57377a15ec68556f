// Package channel provides Channel implementations backed by memory or a
// disk image file. They stand in for the hardware controller in tests,
// tools, and development: transfers run on a per-channel goroutine that
// plays the role of the interrupt context, and every transfer is bounced
// through a single page-sized buffer, which is the constraint behind the
// driver's per-call transfer cap.
package channel

import (
	"sync"
	"sync/atomic"

	pata "github.com/behrlich/go-pata"
	"github.com/behrlich/go-pata/internal/ata"
	"github.com/behrlich/go-pata/internal/logging"
)

// image is one drive's backing store as seen by the executor
type image interface {
	readAt(p []byte, off int64) error
	writeAt(p []byte, off int64) error
	size() int64
}

type submission struct {
	req   *pata.BlockRequest
	dma   bool
	slave bool
}

// DriveIdentity is the parsed IDENTIFY response for one drive on the cable
type DriveIdentity struct {
	Geometry     pata.Geometry
	Serial       string
	Model        string
	TotalSectors int64
}

// executor serializes the transfers of the drives sharing one cable and
// completes their requests from its own goroutine.
type executor struct {
	name      string
	images    [2]image // master, slave; nil when the drive is absent
	serials   [2]string
	model     string
	blockSize int
	pageSize  int
	bounce    []byte // single-page transfer buffer
	queue     chan submission
	busMaster bool
	dma       atomic.Bool
	dmaCount  atomic.Uint64
	pioCount  atomic.Uint64
	closeOnce sync.Once
	wg        sync.WaitGroup
	log       *logging.Logger
}

func startExecutor(name string, master, slave image, model string, blockSize, pageSize, depth int, busMaster bool) *executor {
	e := &executor{
		name:      name,
		images:    [2]image{master, slave},
		serials:   [2]string{"QM00001", "QM00002"},
		model:     model,
		blockSize: blockSize,
		pageSize:  pageSize,
		bounce:    make([]byte, pageSize),
		queue:     make(chan submission, depth),
		busMaster: busMaster,
		log:       logging.Default().WithChannel(name),
	}
	e.dma.Store(busMaster)

	e.wg.Add(1)
	go e.run()
	return e
}

func (e *executor) run() {
	defer e.wg.Done()
	for sub := range e.queue {
		e.process(sub)
	}
}

// process executes one transfer and drives the request to a terminal state
func (e *executor) process(sub submission) {
	r := sub.req
	r.MarkStarted()

	img := e.image(sub.slave)
	if img == nil {
		e.log.Error("request for absent drive", "slave", sub.slave)
		r.Complete(pata.StateFailure)
		return
	}

	// The bounce buffer is one page; the driver caps its requests to fit,
	// so anything larger is a foreign caller misusing the interface.
	if r.BlockCount() <= 0 || r.Length() > e.pageSize {
		e.log.Error("request exceeds transfer buffer",
			"length", r.Length(), "page_size", e.pageSize)
		r.Complete(pata.StateFailure)
		return
	}

	off := r.BlockIndex() * int64(e.blockSize)
	if r.BlockIndex() < 0 || off+int64(r.Length()) > img.size() {
		e.log.Error("request outside image",
			"block", r.BlockIndex(), "count", r.BlockCount())
		r.Complete(pata.StateFailure)
		return
	}

	if sub.dma {
		e.dmaCount.Add(1)
	} else {
		e.pioCount.Add(1)
	}

	buf := e.bounce[:r.Length()]
	switch r.Op() {
	case pata.OpRead:
		if err := img.readAt(buf, off); err != nil {
			e.log.WithError(err).Error("image read failed", "block", r.BlockIndex())
			r.Complete(pata.StateFailure)
			return
		}
		if err := r.Buffer().CopyOut(0, buf); err != nil {
			r.Complete(pata.StateMemoryFault)
			return
		}
	case pata.OpWrite:
		if err := r.Buffer().CopyIn(0, buf); err != nil {
			r.Complete(pata.StateMemoryFault)
			return
		}
		if err := img.writeAt(buf, off); err != nil {
			e.log.WithError(err).Error("image write failed", "block", r.BlockIndex())
			r.Complete(pata.StateFailure)
			return
		}
	default:
		r.Complete(pata.StateFailure)
		return
	}

	r.Complete(pata.StateSuccess)
}

func (e *executor) image(slave bool) image {
	if slave {
		return e.images[1]
	}
	return e.images[0]
}

// StartRequest implements pata.Channel. Blocks when the submission queue is
// full. Must not be called after Close.
func (e *executor) StartRequest(r *pata.BlockRequest, useDMA bool, slave bool) {
	e.queue <- submission{req: r, dma: useDMA, slave: slave}
}

// DMAAvailable implements pata.Channel
func (e *executor) DMAAvailable() bool {
	return e.busMaster && e.dma.Load()
}

// SetDMAEnabled toggles DMA at runtime. Has no effect without a bus-master
// resource.
func (e *executor) SetDMAEnabled(enabled bool) {
	e.dma.Store(enabled)
}

// TransferCounts returns how many requests ran via DMA and via PIO
func (e *executor) TransferCounts() (dma, pio uint64) {
	return e.dmaCount.Load(), e.pioCount.Load()
}

// Identify returns the IDENTIFY response for one drive, synthesized from
// the backing image and decoded the way discovery would.
func (e *executor) Identify(slave bool) (DriveIdentity, error) {
	img := e.image(slave)
	if img == nil {
		return DriveIdentity{}, pata.NewError("IDENTIFY", pata.ErrCodeInvalidParameters, "no such drive")
	}

	totalSectors := img.size() / int64(e.blockSize)
	cyls, heads, spt := ata.GeometryForCapacity(totalSectors)

	sector := ata.Encode(&ata.Identity{
		Cylinders:       cyls,
		Heads:           heads,
		SectorsPerTrack: spt,
		Serial:          e.serials[boolToIndex(slave)],
		Model:           e.model,
		TotalSectors:    uint32(totalSectors),
	})

	id, err := ata.Parse(sector)
	if err != nil {
		return DriveIdentity{}, pata.WrapError("IDENTIFY", err)
	}

	return DriveIdentity{
		Geometry: pata.Geometry{
			Cylinders:       id.Cylinders,
			Heads:           id.Heads,
			SectorsPerTrack: id.SectorsPerTrack,
		},
		Serial:       id.Serial,
		Model:        id.Model,
		TotalSectors: int64(id.TotalSectors),
	}, nil
}

// Close drains the submission queue and stops the worker
func (e *executor) Close() error {
	e.closeOnce.Do(func() {
		close(e.queue)
	})
	e.wg.Wait()
	return nil
}

func boolToIndex(b bool) int {
	if b {
		return 1
	}
	return 0
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Compile-time interface check
var _ pata.Channel = (*executor)(nil)
