package scatterio

import (
	"context"
	"fmt"

	"memvmm/internal/device"
	"memvmm/internal/pagecache"
)

// ReadScatterPhysical performs a batched physical scatter read: cache
// probe (Phase A), speculative expansion (Phase B), device I/O (Phase
// C), stats/zero-pad (Phase D), and cache publish (Phase E).
//
// units is the caller's request vector; it is read in place (PA/Buf/Valid
// fields are consulted and Valid/Buf are updated) and never reallocated
// or reordered by this call.
func (p *Pipeline) ReadScatterPhysical(ctx context.Context, units []*device.Unit, flags Flags) error {
	if len(units) == 0 {
		return nil
	}

	wrapped := make([]*unit, len(units))
	for i, u := range units {
		st := stateNormal
		if u.Valid {
			st = stateAlreadyValid
		}
		wrapped[i] = &unit{Unit: u, state: st}
	}

	// Phase A: cache probe.
	var normals []*unit
	for _, w := range wrapped {
		if w.state == stateAlreadyValid {
			continue
		}
		if !flags.has(NOCACHE) && len(w.Buf) == PageSize {
			if hit, ok := p.Phys.Get(w.PA); ok {
				copy(w.Buf, hit.Bytes())
				w.Valid = true
				w.state = stateCacheHit
				hit.Release(p.Phys)
				continue
			}
		}
		w.state = stateNormal
		normals = append(normals, w)
	}

	if len(normals) == 0 || flags.has(FORCECACHE_READ) {
		return nil
	}

	// Phase B: speculative expansion, anchored only on the original
	// normal units recorded above — never on units this loop itself adds.
	type specEntry struct {
		u    *unit
		page *pagecache.Page
	}
	var speculative []specEntry
	if !flags.has(NOCACHE) {
		anchors := normals
		if len(anchors) > maxSpeculative {
			anchors = anchors[:maxSpeculative]
		}
		for _, a := range anchors {
			if len(a.Buf) != PageSize {
				continue
			}
			if len(speculative) >= maxSpeculative {
				break
			}
			h := p.Phys.Reserve()
			if h == nil {
				break
			}
			nextAddr := a.PA + PageSize
			h.SetAddr(nextAddr)
			su := &unit{
				Unit:  &device.Unit{PA: nextAddr, Buf: h.Bytes()},
				state: stateSpeculative,
			}
			speculative = append(speculative, specEntry{u: su, page: h})
		}
	}

	// Phase C: device I/O over normals + speculative.
	toDevice := make([]*unit, 0, len(normals)+len(speculative))
	toDevice = append(toDevice, normals...)
	for _, s := range speculative {
		toDevice = append(toDevice, s.u)
	}
	raw := make([]*device.Unit, len(toDevice))
	for i, u := range toDevice {
		raw[i] = u.Unit
	}
	batchID := newBatchID()
	p.Logger.Printf("scatterio: batch %s: device read of %d units (%d speculative)", batchID, len(raw), len(speculative))
	if err := p.Dev.ReadScatter(ctx, raw); err != nil {
		return fmt.Errorf("scatterio: batch %s: device scatter read: %w", batchID, err)
	}

	// Phase D: stats and zero-pad.
	maxPA := p.Dev.MaxPhysicalAddress()
	for _, u := range toDevice {
		if u.Valid {
			p.stats.deviceReadsOK.Add(1)
			continue
		}
		p.stats.deviceReadsFail.Add(1)
		if flags.has(ZEROPAD_ON_FAIL) && u.PA < maxPA {
			for i := range u.Buf {
				u.Buf[i] = 0
			}
			u.Valid = true
			p.stats.zeroPadded.Add(1)
		}
	}

	// Phase E: cache publish.
	if !flags.has(NOCACHEPUT) {
		for _, s := range speculative {
			s.page.SetValid(s.u.Valid)
			if s.u.Valid {
				p.stats.speculativeHits.Add(1)
			}
			p.Phys.Publish(s.page)
		}
		for _, w := range normals {
			if !w.Valid {
				continue
			}
			h := p.Phys.Reserve()
			if h == nil {
				continue
			}
			h.SetAddr(w.PA)
			copy(h.Bytes(), w.Buf)
			h.SetValid(true)
			p.Phys.Publish(h)
		}
	} else {
		for _, s := range speculative {
			s.page.SetValid(false)
			p.Phys.Publish(s.page)
		}
	}

	return nil
}

// WriteScatterPhysical writes each unit to the device, then invalidates
// both PHYS and TLB at every successfully written address.
func (p *Pipeline) WriteScatterPhysical(ctx context.Context, units []*device.Unit) error {
	if len(units) == 0 {
		return nil
	}
	batchID := newBatchID()
	p.Logger.Printf("scatterio: batch %s: device write of %d units", batchID, len(units))
	if err := p.Dev.WriteScatter(ctx, units); err != nil {
		return fmt.Errorf("scatterio: batch %s: device scatter write: %w", batchID, err)
	}
	for _, u := range units {
		if !u.Valid {
			p.stats.deviceWritesFail.Add(1)
			continue
		}
		p.stats.deviceWritesOK.Add(1)
		p.Phys.Invalidate(u.PA)
		p.TLB.Invalidate(u.PA)
	}
	return nil
}

type byteSpan struct {
	dest   []byte // slice of the caller's buffer this unit covers
	offset int     // offset within the unit's page
	direct bool    // true if the unit's Buf aliases dest directly
}

// ReadBytesPhysical splits [pa, pa+len(buf)) into a leading partial page,
// zero or more full pages that alias buf directly, and a trailing
// partial page, reading all of them in one scatter call. It returns the
// number of bytes successfully read; any page that failed is zero-filled
// in buf.
func (p *Pipeline) ReadBytesPhysical(ctx context.Context, pa uint64, buf []byte, flags Flags) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var units []*device.Unit
	var spans []byteSpan

	cursor := pa
	end := pa + uint64(len(buf))
	for cursor < end {
		pageBase := cursor &^ uint64(PageSize-1)
		off := int(cursor - pageBase)
		avail := PageSize - off
		remain := int(end - cursor)
		n := avail
		if remain < n {
			n = remain
		}
		destStart := cursor - pa
		dest := buf[destStart : destStart+uint64(n)]

		if off == 0 && n == PageSize {
			units = append(units, &device.Unit{PA: pageBase, Buf: dest})
			spans = append(spans, byteSpan{dest: dest, offset: 0, direct: true})
		} else {
			bounce := make([]byte, PageSize)
			units = append(units, &device.Unit{PA: pageBase, Buf: bounce})
			spans = append(spans, byteSpan{dest: dest, offset: off, direct: false})
		}
		cursor += uint64(n)
	}

	if err := p.ReadScatterPhysical(ctx, units, flags); err != nil {
		return 0, err
	}

	total := 0
	for i, u := range units {
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

// WriteBytesPhysical is the write-side counterpart of ReadBytesPhysical.
// Partial-page writes are read-modify-write: the existing page content is
// fetched first so bytes outside [pa, pa+len(buf)) are preserved.
func (p *Pipeline) WriteBytesPhysical(ctx context.Context, pa uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var units []*device.Unit
	var spans []byteSpan

	cursor := pa
	end := pa + uint64(len(buf))
	for cursor < end {
		pageBase := cursor &^ uint64(PageSize-1)
		off := int(cursor - pageBase)
		avail := PageSize - off
		remain := int(end - cursor)
		n := avail
		if remain < n {
			n = remain
		}
		srcStart := cursor - pa
		src := buf[srcStart : srcStart+uint64(n)]

		if off == 0 && n == PageSize {
			units = append(units, &device.Unit{PA: pageBase, Buf: src})
		} else {
			full := make([]byte, PageSize)
			if _, err := p.ReadBytesPhysical(ctx, pageBase, full, ZEROPAD_ON_FAIL); err != nil {
				return 0, err
			}
			copy(full[off:off+n], src)
			units = append(units, &device.Unit{PA: pageBase, Buf: full})
		}
		spans = append(spans, byteSpan{dest: src, offset: off, direct: off == 0 && n == PageSize})
		cursor += uint64(n)
	}

	if err := p.WriteScatterPhysical(ctx, units); err != nil {
		return 0, err
	}
	total := 0
	for i, u := range units {
		if u.Valid {
			total += len(spans[i].dest)
		}
	}
	return total, nil
}
