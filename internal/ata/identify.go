// Package ata encodes and parses ATA IDENTIFY DEVICE sectors, the 512-byte
// response a drive returns at discovery. The driver only consumes the
// geometry and identity fields; everything else is left zero.
package ata

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/behrlich/go-pata/internal/constants"
)

// Word offsets in the IDENTIFY sector
const (
	wordConfig    = 0
	wordCylinders = 1
	wordHeads     = 3
	wordSectors   = 6
	wordSerial    = 10 // words 10-19
	wordModel     = 27 // words 27-46
	wordCaps      = 49
	wordLBALow    = 60 // words 60-61: total LBA28 sectors
	wordLBAHigh   = 61
)

const (
	configFixedDevice = 0x0040
	capsLBASupported  = 0x0200
)

// ErrBadSector is returned when a sector is not a plausible IDENTIFY
// response.
var ErrBadSector = errors.New("ata: malformed identify sector")

// Identity holds the fields of an IDENTIFY DEVICE response the driver
// cares about.
type Identity struct {
	Cylinders       uint16
	Heads           uint16
	SectorsPerTrack uint16
	Serial          string
	Model           string
	TotalSectors    uint32 // LBA28
}

// GeometryForCapacity derives a CHS tuple for a drive of totalSectors
// blocks, using the conventional 16 heads and 63 sectors per track.
// Cylinders saturate at the 16-bit field limit.
func GeometryForCapacity(totalSectors int64) (cylinders, heads, spt uint16) {
	heads = 16
	spt = 63
	cyls := totalSectors / (int64(heads) * int64(spt))
	if cyls == 0 && totalSectors > 0 {
		cyls = 1
	}
	if cyls > 0xffff {
		cyls = 0xffff
	}
	return uint16(cyls), heads, spt
}

// Encode serializes id into a 512-byte IDENTIFY sector.
func Encode(id *Identity) []byte {
	sector := make([]byte, constants.IdentifySectorSize)

	putWord(sector, wordConfig, configFixedDevice)
	putWord(sector, wordCylinders, id.Cylinders)
	putWord(sector, wordHeads, id.Heads)
	putWord(sector, wordSectors, id.SectorsPerTrack)
	putWord(sector, wordCaps, capsLBASupported)
	putWord(sector, wordLBALow, uint16(id.TotalSectors))
	putWord(sector, wordLBAHigh, uint16(id.TotalSectors>>16))

	putString(sector, wordSerial, constants.SerialLen, id.Serial)
	putString(sector, wordModel, constants.ModelLen, id.Model)

	return sector
}

// Parse reads an IDENTIFY sector back into an Identity.
func Parse(sector []byte) (*Identity, error) {
	if len(sector) != constants.IdentifySectorSize {
		return nil, ErrBadSector
	}

	id := &Identity{
		Cylinders:       getWord(sector, wordCylinders),
		Heads:           getWord(sector, wordHeads),
		SectorsPerTrack: getWord(sector, wordSectors),
		Serial:          getString(sector, wordSerial, constants.SerialLen),
		Model:           getString(sector, wordModel, constants.ModelLen),
	}
	id.TotalSectors = uint32(getWord(sector, wordLBALow)) |
		uint32(getWord(sector, wordLBAHigh))<<16

	return id, nil
}

func putWord(sector []byte, word int, v uint16) {
	binary.LittleEndian.PutUint16(sector[word*2:word*2+2], v)
}

func getWord(sector []byte, word int) uint16 {
	return binary.LittleEndian.Uint16(sector[word*2 : word*2+2])
}

// putString writes an ATA string field: space padded, with the two
// characters of each 16-bit word byte-swapped.
func putString(sector []byte, word, length int, s string) {
	padded := make([]byte, length)
	for i := range padded {
		padded[i] = ' '
	}
	copy(padded, s)

	dst := sector[word*2 : word*2+length]
	for i := 0; i+1 < length; i += 2 {
		dst[i] = padded[i+1]
		dst[i+1] = padded[i]
	}
}

// getString reads an ATA string field, undoing the byte swap and trimming
// the space padding.
func getString(sector []byte, word, length int) string {
	src := sector[word*2 : word*2+length]
	out := make([]byte, length)
	for i := 0; i+1 < length; i += 2 {
		out[i] = src[i+1]
		out[i+1] = src[i]
	}
	return strings.TrimRight(string(out), " ")
}
