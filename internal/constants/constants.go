package constants

// Default configuration constants
const (
	// DefaultBlockSize is the default logical block size in bytes
	DefaultBlockSize = 512

	// DefaultPageSize is the size of the channel's single-page transfer
	// buffer. One call can move at most DefaultPageSize / block size
	// whole blocks.
	DefaultPageSize = 4096

	// DefaultQueueDepth is the default depth of a channel's submission
	// queue before StartRequest blocks the submitter
	DefaultQueueDepth = 32
)

// Identify sector constants
const (
	// IdentifySectorSize is the size of an ATA IDENTIFY DEVICE response
	IdentifySectorSize = 512

	// SerialLen and ModelLen are the string field widths in the IDENTIFY
	// sector, in bytes
	SerialLen = 20
	ModelLen  = 40
)
