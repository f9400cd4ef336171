package x64sim

import (
	"context"
	"encoding/binary"
	"testing"

	"memvmm/internal/device/fake"
	"memvmm/internal/model"
	"memvmm/internal/pagecache"
	"memvmm/internal/scatterio"
)

func newTestPipeline(t *testing.T) (*scatterio.Pipeline, *fake.Device) {
	t.Helper()
	phys := pagecache.New(pagecache.PHYS, 64)
	tlb := pagecache.New(pagecache.TLB, 64)
	paging := pagecache.New(pagecache.PAGING, 64)
	dev := fake.New(1 << 24)
	t.Cleanup(func() {
		phys.Close()
		tlb.Close()
		paging.Close()
	})
	return scatterio.New(phys, tlb, paging, dev, nil), dev
}

func writePageTable(t *testing.T, dev *fake.Device, dtb uint64, entries map[int]uint64) {
	t.Helper()
	buf := make([]byte, 4096)
	for idx, pte := range entries {
		binary.LittleEndian.PutUint64(buf[idx*8:idx*8+8], pte)
	}
	dev.WritePhysical(dtb, buf)
}

func TestVirtToPhysResolvesPresentEntry(t *testing.T) {
	pipeline, dev := newTestPipeline(t)
	dtb := uint64(0x3000)
	writePageTable(t, dev, dtb, map[int]uint64{
		2: EncodePTE(0x9000, true),
	})

	tr := New(pipeline, true)
	p := model.Process{PID: 1, DTB: dtb}

	va := uint64(2 << 12) + 0x123
	pa, ok := tr.VirtToPhys(context.Background(), p, va)
	if !ok {
		t.Fatal("expected VirtToPhys to resolve a present entry")
	}
	if pa != 0x9000+0x123 {
		t.Fatalf("expected pa 0x9123, got 0x%x", pa)
	}
}

func TestVirtToPhysFailsOnNotPresent(t *testing.T) {
	pipeline, dev := newTestPipeline(t)
	dtb := uint64(0x4000)
	writePageTable(t, dev, dtb, map[int]uint64{})

	tr := New(pipeline, true)
	p := model.Process{PID: 1, DTB: dtb}

	if _, ok := tr.VirtToPhys(context.Background(), p, 0x1000); ok {
		t.Fatal("expected VirtToPhys to fail for a not-present entry")
	}
}

func TestVirtToPhysUsesUserDTBWhenUserOnly(t *testing.T) {
	pipeline, dev := newTestPipeline(t)
	kernelDTB := uint64(0x5000)
	userDTB := uint64(0x6000)
	writePageTable(t, dev, kernelDTB, map[int]uint64{0: EncodePTE(0xAAAA000, true)})
	writePageTable(t, dev, userDTB, map[int]uint64{0: EncodePTE(0xBBBB000, true)})

	tr := New(pipeline, true)
	p := model.Process{PID: 1, DTB: kernelDTB, DTBUser: userDTB, UserOnly: true}

	pa, ok := tr.VirtToPhys(context.Background(), p, 0x0)
	if !ok {
		t.Fatal("expected resolution via user DTB")
	}
	if pa != 0xBBBB000 {
		t.Fatalf("expected user-table PA, got 0x%x", pa)
	}
}

func TestVerifyPageTableRejectsReservedBits(t *testing.T) {
	tr := New(nil, true)
	buf := make([]byte, 4096)
	binary.LittleEndian.PutUint64(buf[0:8], 0x7ff0000000000001)
	if tr.VerifyPageTable(buf, 0x1000, true) {
		t.Fatal("expected verification to reject reserved bits set")
	}
}

func TestVerifyPageTableAcceptsZeroPage(t *testing.T) {
	tr := New(nil, true)
	buf := make([]byte, 4096)
	if !tr.VerifyPageTable(buf, 0x1000, true) {
		t.Fatal("expected verification to accept an all-zero page")
	}
}

func TestPteMapInitializePrefetchesTable(t *testing.T) {
	pipeline, dev := newTestPipeline(t)
	dtb := uint64(0x7000)
	writePageTable(t, dev, dtb, map[int]uint64{1: EncodePTE(0x1000, true)})

	tr := New(pipeline, true)
	p := model.Process{PID: 1, DTB: dtb}

	if !tr.PteMapInitialize(context.Background(), p) {
		t.Fatal("expected PteMapInitialize to succeed")
	}
}

func TestPagedReadAlwaysFails(t *testing.T) {
	tr := New(nil, true)
	out := tr.PagedRead(context.Background(), model.Process{}, 0x1000, make([]byte, 16))
	if out.Kind != model.PagedReadFail {
		t.Fatalf("expected PagedReadFail, got %v", out.Kind)
	}
}
