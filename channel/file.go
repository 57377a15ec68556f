package channel

import (
	"fmt"

	"golang.org/x/sys/unix"

	pata "github.com/behrlich/go-pata"
	"github.com/behrlich/go-pata/internal/constants"
)

// fileImage is a drive image stored in a regular file, accessed with
// positioned reads and writes so the two drives on a cable never share a
// file offset.
type fileImage struct {
	fd         int
	sz         int64
	syncWrites bool
}

func (f *fileImage) readAt(p []byte, off int64) error {
	for len(p) > 0 {
		n, err := unix.Pread(f.fd, p, off)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("short read at %d", off)
		}
		p = p[n:]
		off += int64(n)
	}
	return nil
}

func (f *fileImage) writeAt(p []byte, off int64) error {
	for len(p) > 0 {
		n, err := unix.Pwrite(f.fd, p, off)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		p = p[n:]
		off += int64(n)
	}
	if f.syncWrites {
		return unix.Fsync(f.fd)
	}
	return nil
}

func (f *fileImage) size() int64 {
	return f.sz
}

func (f *fileImage) close() error {
	return unix.Close(f.fd)
}

// FileConfig configures a file-backed channel
type FileConfig struct {
	// MasterPath is the master drive's image file (required; created if
	// missing)
	MasterPath string

	// SlavePath is the slave drive's image file; "" means no slave drive
	SlavePath string

	// MasterSize and SlaveSize grow the image files to at least this many
	// bytes. 0 keeps the existing file size.
	MasterSize int64
	SlaveSize  int64

	// BlockSize in bytes (default: 512)
	BlockSize int

	// PageSize is the transfer buffer size in bytes (default: 4096)
	PageSize int

	// QueueDepth bounds queued submissions before StartRequest blocks
	// (default: 32)
	QueueDepth int

	// BusMaster models whether the bus-master DMA resource exists
	BusMaster bool

	// SyncWrites fsyncs the image after every write transfer
	SyncWrites bool
}

// File is a channel whose drive images live in regular files
type File struct {
	*executor
	files []*fileImage
}

// OpenFile opens (creating if needed) the image files and starts the
// channel
func OpenFile(config FileConfig) (*File, error) {
	blockSize := defaultInt(config.BlockSize, constants.DefaultBlockSize)
	pageSize := defaultInt(config.PageSize, constants.DefaultPageSize)
	depth := defaultInt(config.QueueDepth, constants.DefaultQueueDepth)

	if config.MasterPath == "" {
		return nil, pata.NewError("OPEN", pata.ErrCodeInvalidParameters, "master image path required")
	}

	f := &File{}

	master, err := openImage(config.MasterPath, config.MasterSize, int64(blockSize), config.SyncWrites)
	if err != nil {
		return nil, err
	}
	f.files = append(f.files, master)

	var slave image
	if config.SlavePath != "" {
		s, err := openImage(config.SlavePath, config.SlaveSize, int64(blockSize), config.SyncWrites)
		if err != nil {
			master.close()
			return nil, err
		}
		f.files = append(f.files, s)
		slave = s
	}

	f.executor = startExecutor("file", master, slave, "GOPATA FILE DISK",
		blockSize, pageSize, depth, config.BusMaster)
	return f, nil
}

func openImage(path string, minSize, blockSize int64, syncWrites bool) (*fileImage, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0644)
	if err != nil {
		return nil, pata.WrapError("OPEN", fmt.Errorf("open %s: %w", path, err))
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, pata.WrapError("OPEN", fmt.Errorf("stat %s: %w", path, err))
	}

	size := st.Size
	if minSize > size {
		if err := unix.Ftruncate(fd, minSize); err != nil {
			unix.Close(fd)
			return nil, pata.WrapError("OPEN", fmt.Errorf("truncate %s: %w", path, err))
		}
		size = minSize
	}

	if size == 0 || size%blockSize != 0 {
		unix.Close(fd)
		return nil, pata.NewError("OPEN", pata.ErrCodeInvalidParameters,
			fmt.Sprintf("image %s is not a positive multiple of the block size", path))
	}

	return &fileImage{fd: fd, sz: size, syncWrites: syncWrites}, nil
}

// Close stops the worker and closes the image files
func (f *File) Close() error {
	err := f.executor.Close()
	for _, img := range f.files {
		if cerr := img.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
