// Package model states the per-architecture memory-model contract: the
// x86/x86-PAE/x64 page-table walker is an external collaborator whose
// internals this engine does not implement. This package fixes only the
// interface the scatter I/O pipeline and process table call against.
package model

import "context"

// Process is the minimal process identity a Translator needs: its
// directory-table base(s) and whether it is restricted to its user half.
// The full process record lives in package proctable; this narrow view
// avoids an import cycle between model and proctable.
type Process struct {
	PID        uint32
	DTB        uint64
	DTBUser    uint64 // 0 if no secondary user-mode DTB
	UserOnly   bool
	Is32Bit    bool
}

// PagedReadKind is the single-channel result of a paged-memory read
// attempt: a read either fully satisfies itself (Done), hands back a
// physical address for the pipeline to continue fetching (Translated),
// or fails outright (Fail).
type PagedReadKind int

const (
	PagedReadFail PagedReadKind = iota
	PagedReadDone
	PagedReadTranslated
)

// PagedReadOutcome is returned by Translator.PagedRead.
type PagedReadOutcome struct {
	Kind PagedReadKind
	PA   uint64 // valid when Kind == PagedReadTranslated
}

// Translator is the per-architecture memory-model plug. Implementations
// are expected to use the engine's TLB page-table acquisition (see
// package scatterio) to fetch and verify the page-table pages they walk.
type Translator interface {
	// VirtToPhys resolves a virtual address to a physical one through
	// the process's page tables. false means no valid mapping exists
	// (a hard miss, not a paged-out page — see PagedRead for that).
	VirtToPhys(ctx context.Context, p Process, va uint64) (pa uint64, ok bool)

	// VerifyPageTable structurally validates a candidate page-table
	// page's bytes (e.g. checks reserved bits, present-bit density) and
	// reports whether it looks like a real page-table page at the given
	// physical address.
	VerifyPageTable(pageBytes []byte, pa uint64, is64Bit bool) bool

	// PagedRead is invoked when VirtToPhys fails and paging is enabled;
	// it may resolve the read itself out of a paging file / hibernation
	// image (PagedReadDone, with outBuf filled) or return a physical
	// address for a transition/prototype PTE (PagedReadTranslated).
	PagedRead(ctx context.Context, p Process, va uint64, outBuf []byte) PagedReadOutcome

	// PteMapInitialize builds the process's flattened PTE map. Returns
	// false on failure (process gone, DTB no longer valid).
	PteMapInitialize(ctx context.Context, p Process) bool

	// Phys2VirtGetInformation reports the architecture's view of a
	// reverse physical->virtual mapping query, as an opaque blob the
	// (out of scope) plugin layer interprets; info is owned by the
	// caller and filled in place.
	Phys2VirtGetInformation(ctx context.Context, p Process, info any)

	// Close releases any resources the translator holds.
	Close() error
}
