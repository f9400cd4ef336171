package scatterio

import (
	"context"

	"memvmm/internal/device"
	"memvmm/internal/model"
	"memvmm/internal/pagecache"
)

// maxPrefetchBatch bounds how many page-table addresses PrefetchPageTables submits
// to the device in a single scatter call.
const maxPrefetchBatch = 0x2000

// GetPageTable resolves a single page-table page in cache-then-device
// order: TLB cache, then PHYS cache, then device, with a structural
// verification gate before anything is trusted as a page table. A page
// that fails verification is never returned and never left in the TLB.
func (p *Pipeline) GetPageTable(ctx context.Context, translator model.Translator, pa uint64, is64Bit bool, cacheOnly bool) (*pagecache.Page, bool) {
	if h, ok := p.TLB.Get(pa); ok {
		return &h, true
	}
	if cacheOnly {
		return nil, false
	}

	h := p.TLB.Reserve()
	if h == nil {
		return nil, false
	}
	h.SetAddr(pa)

	filled := false
	if ph, ok := p.Phys.Get(pa); ok {
		copy(h.Bytes(), ph.Bytes())
		ph.Release(p.Phys)
		filled = true
	}
	if !filled {
		u := &device.Unit{PA: pa, Buf: h.Bytes()}
		if err := p.Dev.ReadScatter(ctx, []*device.Unit{u}); err != nil {
			h.SetValid(false)
			p.TLB.Publish(h)
			p.stats.deviceReadsFail.Add(1)
			return nil, false
		}
		filled = u.Valid
		if filled {
			p.stats.deviceReadsOK.Add(1)
		} else {
			p.stats.deviceReadsFail.Add(1)
		}
	}

	if !filled || !translator.VerifyPageTable(h.Bytes(), pa, is64Bit) {
		h.SetValid(false)
		p.TLB.Publish(h)
		return nil, false
	}
	h.SetValid(true)
	p.TLB.Publish(h)

	got, ok := p.TLB.Get(pa)
	if !ok {
		// Evicted between publish and re-get under heavy pressure; the
		// caller simply retries at the address level.
		return nil, false
	}
	return &got, true
}

// PrefetchPageTables fetches up to len(addrs) page-table pages in
// batches, verifying each before publishing it to the TLB. It returns the
// number of addresses that verified successfully.
func (p *Pipeline) PrefetchPageTables(ctx context.Context, translator model.Translator, addrs []uint64, is64Bit bool) int {
	fetched := 0
	for start := 0; start < len(addrs); start += maxPrefetchBatch {
		end := start + maxPrefetchBatch
		if end > len(addrs) {
			end = len(addrs)
		}
		chunk := addrs[start:end]

		type entry struct {
			addr uint64
			page *pagecache.Page
			unit *device.Unit
		}
		entries := make([]entry, 0, len(chunk))
		units := make([]*device.Unit, 0, len(chunk))
		for _, addr := range chunk {
			h := p.TLB.Reserve()
			if h == nil {
				continue
			}
			h.SetAddr(addr)
			u := &device.Unit{PA: addr, Buf: h.Bytes()}
			entries = append(entries, entry{addr: addr, page: h, unit: u})
			units = append(units, u)
		}
		if len(units) == 0 {
			continue
		}
		if err := p.Dev.ReadScatter(ctx, units); err != nil {
			for _, e := range entries {
				e.page.SetValid(false)
				p.TLB.Publish(e.page)
			}
			continue
		}
		for _, e := range entries {
			ok := e.unit.Valid && translator.VerifyPageTable(e.page.Bytes(), e.addr, is64Bit)
			e.page.SetValid(ok)
			p.TLB.Publish(e.page)
			if ok {
				fetched++
			}
		}
	}
	return fetched
}
