package pata

import "github.com/behrlich/go-pata/internal/constants"

// Re-export constants for public API
const (
	DefaultBlockSize = constants.DefaultBlockSize
	DefaultPageSize  = constants.DefaultPageSize
)
