package scatterio

import (
	"context"
	"fmt"

	"memvmm/internal/device"
	"memvmm/internal/model"
)

// VUnit is a single-page virtual I/O descriptor: the caller supplies VA
// and a 4 KiB Buf; after the call, Valid reports success and Buf holds
// the page content (for reads) or was already the data to write (for
// writes).
type VUnit struct {
	VA    uint64
	Buf   []byte
	Valid bool

	pa uint64 // resolved physical address, internal bookkeeping
}

// ReadScatterVirtual translates each unit's VA through translator, falling
// back to the paged-memory hook when enabled, then delegates the
// translated physical units to ReadScatterPhysical sharing buffers by
// pointer (no copy).
func (p *Pipeline) ReadScatterVirtual(ctx context.Context, proc model.Process, translator model.Translator, units []*VUnit, flags Flags) error {
	if len(units) == 0 {
		return nil
	}

	var physUnits []*device.Unit
	var physOwners []*VUnit
	for _, u := range units {
		if u.Valid {
			continue
		}
		if pa, ok := translator.VirtToPhys(ctx, proc, u.VA); ok {
			u.pa = pa
		} else if !flags.has(NOPAGING) && len(u.Buf) == PageSize {
			outcome := translator.PagedRead(ctx, proc, u.VA, u.Buf)
			switch outcome.Kind {
			case model.PagedReadDone:
				u.Valid = true
				continue
			case model.PagedReadTranslated:
				u.pa = outcome.PA
			case model.PagedReadFail:
				continue
			}
		} else {
			continue
		}
		physUnits = append(physUnits, &device.Unit{PA: u.pa, Buf: u.Buf, Valid: u.Valid})
		physOwners = append(physOwners, u)
	}

	if len(physUnits) == 0 {
		return nil
	}
	if err := p.ReadScatterPhysical(ctx, physUnits, flags); err != nil {
		return fmt.Errorf("scatterio: virtual read: %w", err)
	}
	for i, pu := range physUnits {
		physOwners[i].Valid = pu.Valid
	}
	return nil
}

// WriteScatterVirtual translates each unit (with paging fallback to
// obtain a physical address) and delegates to WriteScatterPhysical.
func (p *Pipeline) WriteScatterVirtual(ctx context.Context, proc model.Process, translator model.Translator, units []*VUnit, flags Flags) error {
	if len(units) == 0 {
		return nil
	}
	var physUnits []*device.Unit
	var physOwners []*VUnit
	for _, u := range units {
		pa, ok := translator.VirtToPhys(ctx, proc, u.VA)
		if !ok && !flags.has(NOPAGING) && len(u.Buf) == PageSize {
			outcome := translator.PagedRead(ctx, proc, u.VA, nil)
			if outcome.Kind == model.PagedReadTranslated {
				pa, ok = outcome.PA, true
			}
		}
		if !ok {
			continue
		}
		u.pa = pa
		physUnits = append(physUnits, &device.Unit{PA: pa, Buf: u.Buf})
		physOwners = append(physOwners, u)
	}
	if len(physUnits) == 0 {
		return nil
	}
	if err := p.WriteScatterPhysical(ctx, physUnits); err != nil {
		return fmt.Errorf("scatterio: virtual write: %w", err)
	}
	for i, pu := range physUnits {
		physOwners[i].Valid = pu.Valid
	}
	return nil
}

// ReadBytesVirtual is the byte-oriented wrapper over a virtual address
// range, splitting into a leading partial page, full middle pages, and a
// trailing partial page exactly like ReadBytesPhysical.
func (p *Pipeline) ReadBytesVirtual(ctx context.Context, proc model.Process, translator model.Translator, va uint64, buf []byte, flags Flags) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var vunits []*VUnit
	var spans []byteSpan

	cursor := va
	end := va + uint64(len(buf))
	for cursor < end {
		pageBase := cursor &^ uint64(PageSize-1)
		off := int(cursor - pageBase)
		avail := PageSize - off
		remain := int(end - cursor)
		n := avail
		if remain < n {
			n = remain
		}
		destStart := cursor - va
		dest := buf[destStart : destStart+uint64(n)]

		if off == 0 && n == PageSize {
			vunits = append(vunits, &VUnit{VA: pageBase, Buf: dest})
			spans = append(spans, byteSpan{dest: dest, offset: 0, direct: true})
		} else {
			bounce := make([]byte, PageSize)
			vunits = append(vunits, &VUnit{VA: pageBase, Buf: bounce})
			spans = append(spans, byteSpan{dest: dest, offset: off, direct: false})
		}
		cursor += uint64(n)
	}

	if err := p.ReadScatterVirtual(ctx, proc, translator, vunits, flags); err != nil {
		return 0, err
	}

	total := 0
	for i, u := range vunits {
		s := spans[i]
		if !u.Valid {
			for j := range s.dest {
				s.dest[j] = 0
			}
			continue
		}
		if !s.direct {
			copy(s.dest, u.Buf[s.offset:s.offset+len(s.dest)])
		}
		total += len(s.dest)
	}
	return total, nil
}
