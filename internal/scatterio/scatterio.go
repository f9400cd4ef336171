// Package scatterio implements the scatter read/write pipeline: batched
// virtual-to-physical translation, cache probing, speculative prefetch,
// device I/O, and cache publish for both physical and virtual requests,
// plus the related TLB/page-table acquisition path.
package scatterio

import (
	"log"
	"sync/atomic"

	"github.com/google/uuid"

	"memvmm/internal/device"
	"memvmm/internal/pagecache"
)

// PageSize is the fixed transfer granularity, matching device.PageSize.
const PageSize = device.PageSize

// Flags control pipeline behavior.
type Flags uint32

const (
	// NOCACHE skips the cache probe phase entirely (Phase A).
	NOCACHE Flags = 1 << iota
	// NOCACHEPUT skips publishing fetched pages back into the cache
	// (Phase E).
	NOCACHEPUT
	// FORCECACHE_READ returns only cache-resident data; no device I/O
	// is issued even if some units remain unresolved.
	FORCECACHE_READ
	// ZEROPAD_ON_FAIL zero-fills and marks valid any unit whose device
	// read failed but whose address is within the device's max.
	ZEROPAD_ON_FAIL
	// NOPAGING disables the paged-memory fallback in the virtual path.
	NOPAGING
	// ALTADDR_VA_PTE is accepted for flag compatibility; no pipeline
	// code reads it, so it changes neither behavior nor diagnostics.
	ALTADDR_VA_PTE
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

const maxSpeculative = 24

type unitState uint8

const (
	stateNormal unitState = iota
	stateCacheHit
	stateAlreadyValid
	stateSpeculative
)

// unit is the pipeline's internal scatter element: a device.Unit plus
// the classification state that drives cache-publish decisions (Phase E)
// and the "speculative anchors only from original normal units" rule.
type unit struct {
	*device.Unit
	state unitState
}

// Stats holds cumulative pipeline counters, exposed for diagnostics.
type Stats struct {
	DeviceReadsOK   int64
	DeviceReadsFail int64
	DeviceWritesOK  int64
	DeviceWritesFail int64
	SpeculativeHits int64
	ZeroPadded      int64
}

// Pipeline bundles the three cache tables, the acquisition device, and
// the memory-model translator into the one place that knows how to turn
// virtual or physical read/write requests into device calls.
type Pipeline struct {
	Phys   *pagecache.Table
	TLB    *pagecache.Table
	Paging *pagecache.Table
	Dev    device.Backend
	Logger *log.Logger

	stats statsCounters
}

type statsCounters struct {
	deviceReadsOK    atomic.Int64
	deviceReadsFail  atomic.Int64
	deviceWritesOK   atomic.Int64
	deviceWritesFail atomic.Int64
	speculativeHits  atomic.Int64
	zeroPadded       atomic.Int64
}

// New constructs a Pipeline over the given cache tables and device.
// logger may be nil, in which case log.Default() is used.
func New(phys, tlb, paging *pagecache.Table, dev device.Backend, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{Phys: phys, TLB: tlb, Paging: paging, Dev: dev, Logger: logger}
}

// Stats returns a snapshot of cumulative pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		DeviceReadsOK:    p.stats.deviceReadsOK.Load(),
		DeviceReadsFail:  p.stats.deviceReadsFail.Load(),
		DeviceWritesOK:   p.stats.deviceWritesOK.Load(),
		DeviceWritesFail: p.stats.deviceWritesFail.Load(),
		SpeculativeHits:  p.stats.speculativeHits.Load(),
		ZeroPadded:       p.stats.zeroPadded.Load(),
	}
}

func newBatchID() string { return uuid.NewString() }
