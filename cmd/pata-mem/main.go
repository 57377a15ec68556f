package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"

	pata "github.com/behrlich/go-pata"
	"github.com/behrlich/go-pata/channel"
	"github.com/behrlich/go-pata/internal/logging"
)

func main() {
	var (
		sizeStr      = flag.String("size", "64M", "Size of the master drive (e.g., 64M, 1G)")
		slaveSizeStr = flag.String("slave-size", "", "Size of the slave drive (empty: no slave)")
		imagePath    = flag.String("image", "", "Back the master drive with this file instead of RAM")
		busMaster    = flag.Bool("dma", false, "Model a bus-master DMA resource on the channel")
		passes       = flag.Int("passes", 4, "Number of write/read verification passes")
		verbose      = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
	}
	var slaveSize int64
	if *slaveSizeStr != "" {
		slaveSize, err = parseSize(*slaveSizeStr)
		if err != nil {
			log.Fatalf("Invalid slave size '%s': %v", *slaveSizeStr, err)
		}
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	// Create the channel
	var ch drive
	if *imagePath != "" {
		logger.Info("opening file channel", "path", *imagePath, "size", formatSize(size))
		ch, err = channel.OpenFile(channel.FileConfig{
			MasterPath: *imagePath,
			MasterSize: size,
			BusMaster:  *busMaster,
		})
	} else {
		logger.Info("creating memory channel",
			"size", formatSize(size), "slave_size", formatSize(slaveSize))
		ch, err = channel.NewMemory(channel.MemoryConfig{
			MasterSize: size,
			SlaveSize:  slaveSize,
			BusMaster:  *busMaster,
		})
	}
	if err != nil {
		logger.Error("failed to create channel", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	master, err := attach(ch, pata.Master, 0)
	if err != nil {
		logger.Error("failed to attach master", "error", err)
		os.Exit(1)
	}
	if slaveSize > 0 {
		if _, err := attach(ch, pata.Slave, 1); err != nil {
			logger.Error("failed to attach slave", "error", err)
			os.Exit(1)
		}
	}

	if err := exercise(master, *passes); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	report(master)
}

// drive is what both channel implementations offer beyond pata.Channel
type drive interface {
	pata.Channel
	Identify(slave bool) (channel.DriveIdentity, error)
	Close() error
}

// attach runs discovery for one drive and wires up a disk for it
func attach(ch drive, role pata.DriveRole, minor int) (*pata.Disk, error) {
	id, err := ch.Identify(role == pata.Slave)
	if err != nil {
		return nil, err
	}

	disk, err := pata.NewDisk(ch, pata.DefaultDiskParams(role, 3, minor), nil)
	if err != nil {
		return nil, err
	}
	disk.SetDriveGeometry(id.Geometry)

	fmt.Printf("%s drive: %s (serial %s)\n", role, strings.TrimSpace(id.Model), id.Serial)
	fmt.Printf("  C/H/S %d/%d/%d, %d sectors, %s\n",
		id.Geometry.Cylinders, id.Geometry.Heads, id.Geometry.SectorsPerTrack,
		id.TotalSectors, formatSize(id.TotalSectors*int64(disk.BlockSize())))
	return disk, nil
}

// exercise writes random data at mixed alignments and reads it back
func exercise(disk *pata.Disk, passes int) error {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	capacity := disk.Geometry().Capacity(disk.BlockSize())

	fmt.Printf("\nRunning %d verification passes...\n", passes)
	for pass := 0; pass < passes; pass++ {
		// Odd-numbered passes use a ragged length to force the
		// read-modify-write path on the trailing block.
		length := 4096
		if pass%2 == 1 {
			length = 600 + rng.Intn(3000)
		}
		offset := rng.Int63n(capacity-int64(length)) &^ 511

		src := make([]byte, length)
		rng.Read(src)

		written := 0
		for written < length {
			n, err := disk.Write(ctx, offset+int64(written),
				pata.NewCallerBuffer(src[written:]), length-written)
			if err != nil {
				return fmt.Errorf("pass %d: write at %d: %w", pass, offset+int64(written), err)
			}
			if n == 0 {
				return fmt.Errorf("pass %d: write stalled at %d", pass, offset+int64(written))
			}
			written += n
		}

		dst := make([]byte, length)
		read := 0
		for read < length {
			n, err := disk.Read(ctx, offset+int64(read),
				pata.NewCallerBuffer(dst[read:]), length-read)
			if err != nil {
				return fmt.Errorf("pass %d: read at %d: %w", pass, offset+int64(read), err)
			}
			if n == 0 {
				return fmt.Errorf("pass %d: read stalled at %d", pass, offset+int64(read))
			}
			read += n
		}

		if !bytes.Equal(src, dst) {
			return fmt.Errorf("pass %d: data mismatch at offset %d length %d", pass, offset, length)
		}
		fmt.Printf("  pass %d: %d bytes at offset %d OK\n", pass, length, offset)
	}
	return nil
}

// report prints the disk's metrics snapshot
func report(disk *pata.Disk) {
	snap := disk.MetricsSnapshot()

	fmt.Printf("\nMetrics:\n")
	fmt.Printf("  Reads:       %d calls, %s\n", snap.ReadOps, formatSize(int64(snap.ReadBytes)))
	fmt.Printf("  Writes:      %d calls, %s\n", snap.WriteOps, formatSize(int64(snap.WriteBytes)))
	fmt.Printf("  Errors:      %d read, %d write (%.1f%%)\n",
		snap.ReadErrors, snap.WriteErrors, snap.ErrorRate)
	fmt.Printf("  Short:       %d reads, %d writes\n", snap.ShortReads, snap.ShortWrites)
	fmt.Printf("  Submissions: %d DMA, %d PIO\n", snap.DMASubmits, snap.PIOSubmits)
	fmt.Printf("  Latency:     avg %dns, p50 %dns, p99 %dns\n",
		snap.AvgLatencyNs, snap.LatencyP50Ns, snap.LatencyP99Ns)
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
