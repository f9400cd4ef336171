// Package device states the acquisition-backend contract: the
// "leechcore"-style scatter read/write device the engine treats as
// ground truth for physical memory. The device's own internals (USB/PCIe
// capture hardware, a raw memory-dump file, a remote agent) are an
// external collaborator; this package only fixes the interface every
// such collaborator must satisfy.
package device

import "context"

// Unit is a single-page I/O descriptor, MEM_SCATTER's Go analogue: one
// physical address, one 4 KiB buffer, and the valid flag the device sets
// (or leaves cleared) once the scatter call returns.
type Unit struct {
	PA    uint64
	Buf   []byte // always len(PageSize)
	Valid bool
}

// PageSize is the fixed transfer granularity of a scatter unit.
const PageSize = 4096

// Backend is the acquisition device contract: batched scatter reads and
// writes, plus unit allocation helpers so callers can reuse buffers
// across calls. Implementations are assumed internally thread-safe for
// concurrent scatter calls from multiple engine callers.
type Backend interface {
	// ReadScatter fills Buf and sets Valid for every unit it could
	// service; it never returns an error for a partial result, only for
	// a fatal device failure (link lost, handle closed).
	ReadScatter(ctx context.Context, units []*Unit) error

	// WriteScatter writes Buf to PA for every unit and sets Valid to
	// report per-unit success.
	WriteScatter(ctx context.Context, units []*Unit) error

	// AllocScatterUnits returns n freshly allocated units with
	// PageSize-sized buffers, Valid false, PA unset.
	AllocScatterUnits(n int) []*Unit

	// FreeScatterUnits releases units obtained from AllocScatterUnits.
	FreeScatterUnits(units []*Unit)

	// MaxPhysicalAddress reports the device's paMax, used by
	// ZEROPAD_ON_FAIL to decide whether a failed unit's address is
	// plausibly backed by memory at all.
	MaxPhysicalAddress() uint64
}
