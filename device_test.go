package pata

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/behrlich/go-pata/internal/logging"
)

func TestMain(m *testing.M) {
	// Keep driver lifecycle logs out of test output.
	logging.SetDefault(logging.NewLogger(&logging.Config{
		Level:  logging.LevelError,
		Format: "json",
		Output: io.Discard,
		Sync:   true,
	}))
	os.Exit(m.Run())
}

// newTestDisk attaches a master disk to a mock channel backed by size
// bytes, with geometry covering the whole image.
func newTestDisk(t *testing.T, size int64) (*Disk, *MockChannel) {
	t.Helper()

	ch := NewMockChannel(size)
	disk, err := NewDisk(ch, DefaultDiskParams(Master, 3, 0), nil)
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}
	disk.SetDriveGeometry(Geometry{
		Cylinders:       uint16(size / (512 * 4)),
		Heads:           2,
		SectorsPerTrack: 2,
	})
	return disk, ch
}

func fillPattern(p []byte, seed byte) {
	for i := range p {
		p[i] = seed + byte(i%251)
	}
}

func TestReadAligned(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)
	fillPattern(ch.Data(), 7)

	dst := make([]byte, 1024)
	n, err := disk.Read(context.Background(), 1024, NewCallerBuffer(dst), len(dst))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 1024 {
		t.Errorf("Read returned %d bytes, want 1024", n)
	}
	if !bytes.Equal(dst, ch.Data()[1024:2048]) {
		t.Error("read data does not match disk contents")
	}

	starts := ch.Starts()
	if len(starts) != 1 {
		t.Fatalf("aligned read issued %d requests, want 1", len(starts))
	}
	if starts[0].Op != OpRead || starts[0].BlockIndex != 2 || starts[0].BlockCount != 2 {
		t.Errorf("unexpected request %+v", starts[0])
	}
}

func TestReadPageCap(t *testing.T) {
	// Scenario A: 4196 bytes at offset 0 with a 4096-byte page cap. The
	// call truncates to 8 whole blocks and drops the 100-byte remainder;
	// the caller must reissue at offset 4096.
	disk, ch := newTestDisk(t, 16384)
	fillPattern(ch.Data(), 3)

	dst := make([]byte, 4196)
	n, err := disk.Read(context.Background(), 0, NewCallerBuffer(dst), len(dst))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 4096 {
		t.Errorf("capped read returned %d bytes, want 4096", n)
	}
	if !bytes.Equal(dst[:4096], ch.Data()[:4096]) {
		t.Error("capped read data mismatch")
	}

	starts := ch.Starts()
	if len(starts) != 1 || starts[0].BlockCount != 8 {
		t.Fatalf("capped read submitted %+v, want one 8-block request", starts)
	}

	// Reissuing at the cap picks up the tail.
	n, err = disk.Read(context.Background(), 4096, NewCallerBuffer(dst[4096:]), 100)
	if err != nil {
		t.Fatalf("reissued read failed: %v", err)
	}
	if n != 100 {
		t.Errorf("reissued read returned %d bytes, want 100", n)
	}
	if !bytes.Equal(dst, ch.Data()[:4196]) {
		t.Error("reissued read data mismatch")
	}
}

func TestReadExactlyOnePage(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)
	fillPattern(ch.Data(), 9)

	dst := make([]byte, 4096)
	n, err := disk.Read(context.Background(), 0, NewCallerBuffer(dst), 4096)
	if err != nil || n != 4096 {
		t.Fatalf("Read = (%d, %v), want (4096, nil)", n, err)
	}
	if ch.StartCount() != 1 {
		t.Errorf("page-sized read issued %d requests, want 1", ch.StartCount())
	}
}

func TestReadWithRemainder(t *testing.T) {
	// Scenario B: 600 bytes at offset 0 is one whole block plus an
	// 88-byte remainder fetched through a scratch block.
	disk, ch := newTestDisk(t, 8192)
	fillPattern(ch.Data(), 11)

	dst := make([]byte, 600)
	n, err := disk.Read(context.Background(), 0, NewCallerBuffer(dst), 600)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 600 {
		t.Errorf("Read returned %d bytes, want 600", n)
	}
	if !bytes.Equal(dst, ch.Data()[:600]) {
		t.Error("read data mismatch")
	}

	starts := ch.Starts()
	if len(starts) != 2 {
		t.Fatalf("read with remainder issued %d requests, want 2", len(starts))
	}
	if starts[1].BlockIndex != 1 || starts[1].BlockCount != 1 {
		t.Errorf("remainder request %+v, want one block at index 1", starts[1])
	}
}

func TestReadRemainderFailureIsShortRead(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)
	fillPattern(ch.Data(), 13)
	ch.EnqueueOutcome(StateSuccess, StateFailure)

	dst := make([]byte, 600)
	n, err := disk.Read(context.Background(), 0, NewCallerBuffer(dst), 600)
	if err != nil {
		t.Fatalf("short read should succeed, got %v", err)
	}
	if n != 512 {
		t.Errorf("short read returned %d bytes, want 512", n)
	}
	if !bytes.Equal(dst[:512], ch.Data()[:512]) {
		t.Error("confirmed whole-block bytes mismatch")
	}
	if got := disk.Metrics().ShortReads.Load(); got != 1 {
		t.Errorf("ShortReads = %d, want 1", got)
	}
}

func TestReadRemainderOnlyFailure(t *testing.T) {
	// No whole blocks at all: a failed remainder still degrades to a
	// successful zero-byte read.
	disk, ch := newTestDisk(t, 8192)
	ch.EnqueueOutcome(StateFailure)

	dst := make([]byte, 100)
	n, err := disk.Read(context.Background(), 0, NewCallerBuffer(dst), 100)
	if err != nil {
		t.Fatalf("remainder-only short read should succeed, got %v", err)
	}
	if n != 0 {
		t.Errorf("returned %d bytes, want 0", n)
	}
}

func TestReadWholeBlockFailure(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)
	ch.EnqueueOutcome(StateFailure)

	dst := make([]byte, 600)
	n, err := disk.Read(context.Background(), 0, NewCallerBuffer(dst), 600)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("whole-block failure = %v, want I/O error", err)
	}
	if n != 0 {
		t.Errorf("failed read returned %d bytes, want 0", n)
	}

	// The remainder step must never run after a whole-block failure.
	if ch.StartCount() != 1 {
		t.Errorf("issued %d requests after whole-block failure, want 1", ch.StartCount())
	}
}

func TestReadRemainderCancelled(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)
	ch.EnqueueOutcome(StateSuccess, StateCancelled)

	dst := make([]byte, 600)
	_, err := disk.Read(context.Background(), 0, NewCallerBuffer(dst), 600)
	if !errors.Is(err, ErrIO) {
		t.Errorf("cancelled remainder = %v, want I/O error", err)
	}
}

func TestReadMemoryFault(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)
	ch.EnqueueOutcome(StateMemoryFault)

	dst := make([]byte, 1024)
	n, err := disk.Read(context.Background(), 0, NewCallerBuffer(dst), 1024)
	if !errors.Is(err, ErrBadAddress) {
		t.Fatalf("memory fault = %v, want bad address", err)
	}
	if !IsErrno(err, syscall.EFAULT) {
		t.Error("bad address should map to EFAULT")
	}
	if n != 0 {
		t.Errorf("faulted read credited %d bytes, want 0", n)
	}
}

func TestReadFaultDuringRemainderCopy(t *testing.T) {
	// The remainder lands in the destination via a driver-side copy;
	// a fault there is a bad address too.
	disk, ch := newTestDisk(t, 8192)
	fillPattern(ch.Data(), 17)

	buf := NewFaultingCallerBuffer(make([]byte, 600), func(off, length int) bool {
		return off >= 512
	})
	_, err := disk.Read(context.Background(), 0, buf, 600)
	if !errors.Is(err, ErrBadAddress) {
		t.Errorf("remainder copy fault = %v, want bad address", err)
	}
	_ = ch
}

func TestReadInterrupted(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)
	ch.EnqueueOutcome(StatePending)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dst := make([]byte, 1024)
	n, err := disk.Read(ctx, 0, NewCallerBuffer(dst), 1024)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("interrupted read = %v, want interrupted", err)
	}
	if !IsErrno(err, syscall.EINTR) {
		t.Error("interrupted should map to EINTR")
	}
	if n != 0 {
		t.Errorf("interrupted read credited %d bytes, want 0", n)
	}

	// The hardware operation keeps running; the channel may still
	// resolve it after the caller has gone.
	if !ch.CompletePending(StateSuccess) {
		t.Error("request should still be in flight after interruption")
	}
}

func TestReadInterruptedRemainderResolvesLate(t *testing.T) {
	// Interruption does not cancel the remainder request, so the channel
	// may resolve it after Read has returned. The scratch block it
	// transfers through must stay alive until then.
	disk, ch := newTestDisk(t, 8192)
	fillPattern(ch.Data(), 19)
	ch.EnqueueOutcome(StateSuccess, StatePending)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dst := make([]byte, 600)
	_, err := disk.Read(ctx, 0, NewCallerBuffer(dst), 600)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("interrupted read = %v, want interrupted", err)
	}

	if !ch.CompletePending(StateSuccess) {
		t.Fatal("remainder request should still be in flight")
	}

	// The pool is usable again afterwards: a fresh remainder read sees
	// its own data, not the late completion's.
	n, err := disk.Read(context.Background(), 0, NewCallerBuffer(dst), 600)
	if err != nil || n != 600 {
		t.Fatalf("follow-up read = (%d, %v), want (600, nil)", n, err)
	}
	if !bytes.Equal(dst, ch.Data()[:600]) {
		t.Error("follow-up read data mismatch")
	}
}

func TestReadZeroLength(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)

	n, err := disk.Read(context.Background(), 0, NewCallerBuffer(nil), 0)
	if n != 0 || err != nil {
		t.Errorf("zero-length read = (%d, %v), want (0, nil)", n, err)
	}
	if ch.StartCount() != 0 {
		t.Error("zero-length read should not submit requests")
	}
}

func TestReadInvalidParameters(t *testing.T) {
	disk, _ := newTestDisk(t, 8192)

	if _, err := disk.Read(context.Background(), 0, nil, 10); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("nil buffer = %v, want invalid parameters", err)
	}
	if _, err := disk.Read(context.Background(), -1, NewCallerBuffer(make([]byte, 10)), 10); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("negative offset = %v, want invalid parameters", err)
	}
	if _, err := disk.Read(context.Background(), 0, NewCallerBuffer(nil), -5); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("negative length = %v, want invalid parameters", err)
	}
}

func TestWriteAligned(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)

	src := make([]byte, 1024)
	fillPattern(src, 23)
	n, err := disk.Write(context.Background(), 2048, NewCallerBuffer(src), len(src))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 1024 {
		t.Errorf("Write returned %d bytes, want 1024", n)
	}
	if !bytes.Equal(ch.Data()[2048:3072], src) {
		t.Error("written data mismatch")
	}
}

func TestWriteSpliceIsByteExact(t *testing.T) {
	// A 600-byte write touches block 1 only through read-modify-write:
	// bytes outside [0, 600) must be untouched.
	disk, ch := newTestDisk(t, 8192)
	fillPattern(ch.Data(), 29)
	before := make([]byte, len(ch.Data()))
	copy(before, ch.Data())

	src := make([]byte, 600)
	fillPattern(src, 31)
	n, err := disk.Write(context.Background(), 0, NewCallerBuffer(src), 600)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 600 {
		t.Errorf("Write returned %d bytes, want 600", n)
	}

	if !bytes.Equal(ch.Data()[:600], src) {
		t.Error("written range mismatch")
	}
	if !bytes.Equal(ch.Data()[600:], before[600:]) {
		t.Error("write altered bytes outside the requested range")
	}

	starts := ch.Starts()
	if len(starts) != 3 {
		t.Fatalf("splice write issued %d requests, want 3 (write, read, write-back)", len(starts))
	}
	if starts[1].Op != OpRead || starts[2].Op != OpWrite {
		t.Errorf("splice sequence %+v, want read then write-back", starts[1:])
	}
}

func TestWriteRemainderReadFailureIsShortWrite(t *testing.T) {
	// Scenario C: the write-back read fails, so the driver must not
	// touch the trailing block at all and reports a 512-byte short write.
	disk, ch := newTestDisk(t, 8192)
	fillPattern(ch.Data(), 37)
	before := make([]byte, len(ch.Data()))
	copy(before, ch.Data())

	ch.EnqueueOutcome(StateSuccess, StateFailure)

	src := make([]byte, 600)
	fillPattern(src, 41)
	n, err := disk.Write(context.Background(), 0, NewCallerBuffer(src), 600)
	if err != nil {
		t.Fatalf("short write should succeed, got %v", err)
	}
	if n != 512 {
		t.Errorf("short write returned %d bytes, want 512", n)
	}
	if !bytes.Equal(ch.Data()[:512], src[:512]) {
		t.Error("whole-block bytes not committed")
	}
	if !bytes.Equal(ch.Data()[512:], before[512:]) {
		t.Error("bytes [512:) changed despite aborted remainder")
	}
	if got := disk.Metrics().ShortWrites.Load(); got != 1 {
		t.Errorf("ShortWrites = %d, want 1", got)
	}
}

func TestWriteBackFailureIsIOError(t *testing.T) {
	// The scratch block was assembled correctly; failing to commit it is
	// a real I/O error, not a short write.
	disk, ch := newTestDisk(t, 8192)
	ch.EnqueueOutcome(StateSuccess, StateSuccess, StateFailure)

	src := make([]byte, 600)
	n, err := disk.Write(context.Background(), 0, NewCallerBuffer(src), 600)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("write-back failure = %v, want I/O error", err)
	}
	if n != 0 {
		t.Errorf("failed write credited %d bytes, want 0", n)
	}
}

func TestWriteWholeBlockFailure(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)
	ch.EnqueueOutcome(StateCancelled)

	src := make([]byte, 600)
	_, err := disk.Write(context.Background(), 0, NewCallerBuffer(src), 600)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("whole-block cancellation = %v, want I/O error", err)
	}
	if ch.StartCount() != 1 {
		t.Errorf("issued %d requests after whole-block failure, want 1", ch.StartCount())
	}
}

func TestWriteSourceFaultDuringSplice(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)

	// The source faults beyond the first block, so the whole-block write
	// succeeds but reading the remainder out of the source does not.
	buf := NewFaultingCallerBuffer(make([]byte, 600), func(off, length int) bool {
		return off+length > 512
	})
	n, err := disk.Write(context.Background(), 0, buf, 600)
	if !errors.Is(err, ErrBadAddress) {
		t.Fatalf("source fault during splice = %v, want bad address", err)
	}
	if n != 0 {
		t.Errorf("faulted write credited %d bytes, want 0", n)
	}
	// Write-back must not have been submitted: write, then remainder read.
	if ch.StartCount() != 2 {
		t.Errorf("issued %d requests, want 2", ch.StartCount())
	}
}

func TestWriteInterruptedWriteBackResolvesLate(t *testing.T) {
	// The write-back of the spliced block stays in flight across an
	// interrupted wait; when the channel resolves it later, the remainder
	// lands on disk through the still-live scratch block.
	disk, ch := newTestDisk(t, 8192)
	ch.EnqueueOutcome(StateSuccess, StateSuccess, StatePending)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := make([]byte, 600)
	fillPattern(src, 53)
	n, err := disk.Write(ctx, 0, NewCallerBuffer(src), 600)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("interrupted write = %v, want interrupted", err)
	}
	if n != 0 {
		t.Errorf("interrupted write credited %d bytes, want 0", n)
	}

	if !ch.CompletePending(StateSuccess) {
		t.Fatal("write-back request should still be in flight")
	}

	// Whole block committed synchronously, remainder committed late.
	if !bytes.Equal(ch.Data()[:600], src) {
		t.Error("late write-back did not land the spliced block")
	}
	if !bytes.Equal(ch.Data()[600:1024], make([]byte, 424)) {
		t.Error("late write-back altered bytes outside the requested range")
	}
}

func TestWritePageCap(t *testing.T) {
	disk, ch := newTestDisk(t, 16384)

	src := make([]byte, 4196)
	fillPattern(src, 43)
	n, err := disk.Write(context.Background(), 0, NewCallerBuffer(src), len(src))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 4096 {
		t.Errorf("capped write returned %d bytes, want 4096", n)
	}
	if !bytes.Equal(ch.Data()[:4096], src[:4096]) {
		t.Error("capped write data mismatch")
	}
	if ch.StartCount() != 1 {
		t.Errorf("capped write issued %d requests, want 1", ch.StartCount())
	}
}

func TestGeometryBounds(t *testing.T) {
	ch := NewMockChannel(8192)
	disk, err := NewDisk(ch, DefaultDiskParams(Master, 3, 0), nil)
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}

	// No geometry yet: nothing is addressable.
	if disk.CanRead(0) {
		t.Error("CanRead(0) should be false before geometry is set")
	}

	disk.SetDriveGeometry(Geometry{Cylinders: 1, Heads: 2, SectorsPerTrack: 4})
	capacity := int64(1) * 2 * 4 * 512

	tests := []struct {
		offset int64
		want   bool
	}{
		{0, true},
		{capacity - 1, true},
		{capacity, false},
		{capacity + 1, false},
	}
	for _, tt := range tests {
		if got := disk.CanRead(tt.offset); got != tt.want {
			t.Errorf("CanRead(%d) = %v, want %v", tt.offset, got, tt.want)
		}
		if disk.CanRead(tt.offset) != disk.CanWrite(tt.offset) {
			t.Errorf("CanRead and CanWrite disagree at %d", tt.offset)
		}
	}
}

func TestDriveSelectAndDMA(t *testing.T) {
	ch := NewMockChannel(8192)
	slaveDisk, err := NewDisk(ch, DefaultDiskParams(Slave, 3, 1), nil)
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}
	slaveDisk.SetDriveGeometry(Geometry{Cylinders: 1, Heads: 2, SectorsPerTrack: 8})

	if !slaveDisk.IsSlave() {
		t.Error("IsSlave() should be true for a slave drive")
	}

	dst := make([]byte, 512)
	if _, err := slaveDisk.Read(context.Background(), 0, NewCallerBuffer(dst), 512); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	// DMA availability is asked fresh per submission, so flipping it
	// between calls changes the submitted mode.
	ch.SetDMAAvailable(true)
	if _, err := slaveDisk.Read(context.Background(), 0, NewCallerBuffer(dst), 512); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	starts := ch.Starts()
	if !starts[0].Slave || !starts[1].Slave {
		t.Error("slave drive requests must carry the slave select")
	}
	if starts[0].UseDMA {
		t.Error("first request should have used PIO")
	}
	if !starts[1].UseDMA {
		t.Error("second request should have used DMA")
	}

	snap := slaveDisk.MetricsSnapshot()
	if snap.PIOSubmits != 1 || snap.DMASubmits != 1 {
		t.Errorf("submit counters = %d PIO / %d DMA, want 1/1", snap.PIOSubmits, snap.DMASubmits)
	}
}

func TestDiskIdentity(t *testing.T) {
	disk, _ := newTestDisk(t, 8192)

	if disk.ClassName() != "PATADiskDevice" {
		t.Errorf("ClassName() = %q", disk.ClassName())
	}
	if disk.Major() != 3 || disk.Minor() != 0 {
		t.Errorf("identity = %d:%d, want 3:0", disk.Major(), disk.Minor())
	}
	if disk.BlockSize() != 512 {
		t.Errorf("BlockSize() = %d, want 512", disk.BlockSize())
	}
	if disk.BlocksPerPage() != 8 {
		t.Errorf("BlocksPerPage() = %d, want 8", disk.BlocksPerPage())
	}
	if disk.Role() != Master {
		t.Errorf("Role() = %v, want master", disk.Role())
	}
}

func TestNewDiskValidation(t *testing.T) {
	ch := NewMockChannel(8192)

	if _, err := NewDisk(nil, DefaultDiskParams(Master, 3, 0), nil); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("nil channel = %v, want invalid parameters", err)
	}

	params := DefaultDiskParams(Master, 3, 0)
	params.BlockSize = 0
	if _, err := NewDisk(ch, params, nil); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("zero block size = %v, want invalid parameters", err)
	}

	params = DefaultDiskParams(Master, 3, 0)
	params.PageSize = 1000 // not a multiple of 512
	if _, err := NewDisk(ch, params, nil); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("unaligned page size = %v, want invalid parameters", err)
	}
}

func TestMetricsRecorded(t *testing.T) {
	disk, ch := newTestDisk(t, 8192)
	fillPattern(ch.Data(), 47)

	dst := make([]byte, 600)
	if _, err := disk.Read(context.Background(), 0, NewCallerBuffer(dst), 600); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, err := disk.Write(context.Background(), 1024, NewCallerBuffer(dst[:512]), 512); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	ch.EnqueueOutcome(StateFailure)
	if _, err := disk.Read(context.Background(), 0, NewCallerBuffer(dst), 512); err == nil {
		t.Fatal("expected read error")
	}

	snap := disk.MetricsSnapshot()
	if snap.ReadOps != 2 || snap.WriteOps != 1 {
		t.Errorf("ops = %d reads / %d writes, want 2/1", snap.ReadOps, snap.WriteOps)
	}
	if snap.ReadBytes != 600 || snap.WriteBytes != 512 {
		t.Errorf("bytes = %d read / %d written, want 600/512", snap.ReadBytes, snap.WriteBytes)
	}
	if snap.ReadErrors != 1 {
		t.Errorf("ReadErrors = %d, want 1", snap.ReadErrors)
	}
}
