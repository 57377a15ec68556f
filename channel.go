package pata

// Channel executes block transfers on behalf of the drives attached to it.
// It is the hardware-facing collaborator: a single channel may be shared by
// a master and a slave drive on the same cable, and it owns whatever
// serialization that sharing requires. The driver only submits and waits.
type Channel interface {
	// StartRequest begins the transfer described by r and asynchronously
	// drives r's Completion to a terminal state, ordinarily from the
	// channel's own execution context. useDMA selects bus-master DMA over
	// programmed I/O; slave selects the drive on the cable.
	StartRequest(r *BlockRequest, useDMA bool, slave bool)

	// DMAAvailable reports whether bus-master DMA is currently configured
	// and enabled. Availability can change at runtime, so the driver asks
	// fresh on every submission instead of caching the answer.
	DMAAvailable() bool
}
