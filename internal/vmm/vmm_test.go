package vmm

import (
	"context"
	"testing"

	"memvmm/internal/device/fake"
	"memvmm/internal/model"
)

type stubTranslator struct{ closed bool }

func (s *stubTranslator) VirtToPhys(ctx context.Context, p model.Process, va uint64) (uint64, bool) {
	return va, true
}
func (s *stubTranslator) VerifyPageTable(pageBytes []byte, pa uint64, is64Bit bool) bool { return true }
func (s *stubTranslator) PagedRead(ctx context.Context, p model.Process, va uint64, outBuf []byte) model.PagedReadOutcome {
	return model.PagedReadOutcome{Kind: model.PagedReadFail}
}
func (s *stubTranslator) PteMapInitialize(ctx context.Context, p model.Process) bool { return true }
func (s *stubTranslator) Phys2VirtGetInformation(ctx context.Context, p model.Process, info any) {
}
func (s *stubTranslator) Close() error { s.closed = true; return nil }

func newTestContext(t *testing.T) (*Context, *stubTranslator) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PhysCacheEntries = 64
	cfg.TLBCacheEntries = 64
	cfg.PagingCacheEntries = 64
	cfg.ProcessTableCapacity = 64
	cfg.WorkerPoolSize = 4
	cfg.WorkerQueueCapacity = 16

	dev := fake.New(1 << 30)
	tr := &stubTranslator{}
	c, err := New(cfg, dev, tr, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, tr
}

func TestNewRejectsNilCollaborators(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := New(cfg, nil, &stubTranslator{}, nil); err == nil {
		t.Fatal("expected error for nil device")
	}
	if _, err := New(cfg, fake.New(1<<20), nil, nil); err == nil {
		t.Fatal("expected error for nil translator")
	}
}

func TestVerifyDTBAcceptsReadablePage(t *testing.T) {
	c, _ := newTestContext(t)
	defer c.Close()

	if !c.VerifyDTB(context.Background(), 0x1000) {
		t.Fatal("expected VerifyDTB to accept a page the fake device serves")
	}
}

func TestClearTLBResetsSpideredFlags(t *testing.T) {
	c, _ := newTestContext(t)
	defer c.Close()
	ctx := context.Background()

	p, err := c.Processes.CreateEntry(ctx, true, 1, 0, 0, 0x1000, 0, [16]byte{'a'}, true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Processes.CreateFinish()
	p.SetSpidered(true)

	c.ClearTLB(ctx)

	got, ok := c.Processes.Get(1)
	if !ok {
		t.Fatal("expected process 1 present")
	}
	defer got.Release()
	if got.Spidered() {
		t.Fatal("expected spidered flag cleared")
	}
}

func TestRefreshTokensPopulatesEveryProcess(t *testing.T) {
	c, _ := newTestContext(t)
	defer c.Close()
	ctx := context.Background()

	for pid := uint32(1); pid <= 3; pid++ {
		if _, err := c.Processes.CreateEntry(ctx, true, pid, 0, 0, 0, 0, [16]byte{}, true, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	c.Processes.CreateFinish()

	c.RefreshTokens(ctx)

	p, ok := c.Processes.Get(2)
	if !ok {
		t.Fatal("expected process 2 present")
	}
	defer p.Release()
	tok, computed := p.Token.Peek()
	if !computed || !tok.Valid {
		t.Fatalf("expected token populated for pid 2, got %+v/%v", tok, computed)
	}
}

func TestStatsAggregatesSubComponents(t *testing.T) {
	c, _ := newTestContext(t)
	defer c.Close()

	s := c.Stats()
	if len(s.Phys.ShardCount) == 0 {
		t.Fatal("expected phys cache stats to report shard counts")
	}
	if s.Processes != 0 {
		t.Fatalf("expected fresh context to report 0 processes, got %d", s.Processes)
	}
}

func TestCloseClosesTranslator(t *testing.T) {
	c, tr := newTestContext(t)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !tr.closed {
		t.Fatal("expected translator Close to be called")
	}
}
