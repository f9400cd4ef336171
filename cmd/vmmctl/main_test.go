package main

import (
	"testing"

	"memvmm/internal/device/fake"
	"memvmm/internal/model"
	"memvmm/internal/vmm"
)

func TestSeedProcessesPopulatesTableAndResolvesMapping(t *testing.T) {
	cfg := vmm.DefaultConfig()
	cfg.PhysCacheEntries = 32
	cfg.TLBCacheEntries = 32
	cfg.PagingCacheEntries = 32
	cfg.ProcessTableCapacity = 32
	cfg.WorkerPoolSize = 2
	cfg.WorkerQueueCapacity = 8

	dev := fake.New(1 << 24)
	vctx, err := newContextWithTranslator(cfg, dev, nil)
	if err != nil {
		t.Fatalf("newContextWithTranslator: %v", err)
	}
	defer vctx.Close()

	seedProcesses(vctx, 3)

	if got := vctx.Processes.Count(); got != 3 {
		t.Fatalf("expected 3 processes, got %d", got)
	}

	p, ok := vctx.Processes.Get(100)
	if !ok {
		t.Fatal("expected pid 100 present")
	}
	defer p.Release()

	mp := model.Process{PID: p.PID, DTB: p.DTB, DTBUser: p.DTBUser, UserOnly: p.UserOnly}
	pa, ok := vctx.Translator.VirtToPhys(t.Context(), mp, 0)
	if !ok {
		t.Fatal("expected seeded process's page table to resolve VA 0")
	}
	if pa != 0x200000 {
		t.Fatalf("expected pa 0x200000, got 0x%x", pa)
	}
}
