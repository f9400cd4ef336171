// Package x64sim is a minimal simulated x64 translator: a single-level,
// 512-entry page table (one 4 KiB page-table page covering a 2 MiB
// virtual range) instead of the real four-level x64 paging hierarchy. It
// exists to give scatterio.Pipeline and the rest of the engine a real,
// exercised model.Translator implementation for tests and the CLI demo —
// it makes no claim of completeness for real x64 paging.
package x64sim

import (
	"context"
	"encoding/binary"

	"memvmm/internal/model"
	"memvmm/internal/scatterio"
)

const (
	ptePresent     = uint64(1) << 0
	pteWritable    = uint64(1) << 1
	pfnMask        = uint64(0x000ffffffffff000)
	entriesPerPage = 512
	entrySize      = 8
)

// Translator walks the simulated single-level table through a
// scatterio.Pipeline, so every page-table fetch benefits from the same
// TLB caching and structural verification real acquisition uses.
type Translator struct {
	pipeline *scatterio.Pipeline
	is64Bit  bool
}

// New builds a Translator that resolves page tables through pipeline.
func New(pipeline *scatterio.Pipeline, is64Bit bool) *Translator {
	return &Translator{pipeline: pipeline, is64Bit: is64Bit}
}

// VirtToPhys implements model.Translator. It treats p.DTB (or p.DTBUser
// when UserOnly) as the physical address of a single 4 KiB page of
// 8-byte PTEs, indexed by bits [20:12] of va.
func (t *Translator) VirtToPhys(ctx context.Context, p model.Process, va uint64) (uint64, bool) {
	dtb := p.DTB
	if p.UserOnly && p.DTBUser != 0 {
		dtb = p.DTBUser
	}
	if dtb == 0 {
		return 0, false
	}

	page, ok := t.pipeline.GetPageTable(ctx, t, dtb&^uint64(0xfff), t.is64Bit, false)
	if !ok {
		return 0, false
	}
	defer page.Release(t.pipeline.TLB)

	index := (va >> 12) % entriesPerPage
	pte := binary.LittleEndian.Uint64(page.Bytes()[index*entrySize : index*entrySize+entrySize])
	if pte&ptePresent == 0 {
		return 0, false
	}
	pfn := pte & pfnMask
	return pfn | (va & 0xfff), true
}

// VerifyPageTable implements model.Translator with a cheap structural
// heuristic: a real page-table page has every present entry's reserved
// bits (52-62 in this simulation's PTE layout) cleared. An all-zero page
// (not yet written) is accepted too, since a freshly mapped DTB often
// points at zeroed memory before the first entry is populated.
func (t *Translator) VerifyPageTable(pageBytes []byte, pa uint64, is64Bit bool) bool {
	if len(pageBytes) < entriesPerPage*entrySize {
		return false
	}
	const reservedMask = uint64(0x7ff0000000000000)
	for i := 0; i < entriesPerPage; i++ {
		pte := binary.LittleEndian.Uint64(pageBytes[i*entrySize : i*entrySize+entrySize])
		if pte == 0 {
			continue
		}
		if pte&reservedMask != 0 {
			return false
		}
	}
	return true
}

// PagedRead implements model.Translator. This simulation has no paging
// file or hibernation image to consult, so every paged-out address is a
// hard failure.
func (t *Translator) PagedRead(ctx context.Context, p model.Process, va uint64, outBuf []byte) model.PagedReadOutcome {
	return model.PagedReadOutcome{Kind: model.PagedReadFail}
}

// PteMapInitialize implements model.Translator by prefetching the
// process's single page-table page into the TLB and reporting whether it
// verified.
func (t *Translator) PteMapInitialize(ctx context.Context, p model.Process) bool {
	dtb := p.DTB
	if p.UserOnly && p.DTBUser != 0 {
		dtb = p.DTBUser
	}
	if dtb == 0 {
		return false
	}
	n := t.pipeline.PrefetchPageTables(ctx, t, []uint64{dtb &^ uint64(0xfff)}, t.is64Bit)
	return n == 1
}

// Phys2VirtGetInformation implements model.Translator as a no-op: reverse
// physical-to-virtual lookup belongs to the (out of scope) plugin layer.
func (t *Translator) Phys2VirtGetInformation(ctx context.Context, p model.Process, info any) {}

// Close implements model.Translator. The simulation holds no resources of
// its own; the pipeline and its caches are owned by the caller.
func (t *Translator) Close() error { return nil }

// EncodePTE packs a present, writable PTE for test/demo page-table
// construction, the simulation's mirror of a real OS's page-table writer.
func EncodePTE(pa uint64, writable bool) uint64 {
	pte := (pa &^ uint64(0xfff)) | ptePresent
	if writable {
		pte |= pteWritable
	}
	return pte
}

var _ model.Translator = (*Translator)(nil)
