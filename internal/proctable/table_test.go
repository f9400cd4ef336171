package proctable

import (
	"context"
	"testing"

	"memvmm/internal/semmap"
)

func name(s string) [16]byte {
	var n [16]byte
	copy(n[:], s)
	return n
}

func TestCreateEntryAndFinishCommitsTable(t *testing.T) {
	tb := New(64)
	ctx := context.Background()

	for pid := uint32(1); pid <= 5; pid++ {
		if _, err := tb.CreateEntry(ctx, true, pid, 1, 0, uint64(pid)<<12, 0, name("proc"), true, nil, nil); err != nil {
			t.Fatalf("create pid %d: %v", pid, err)
		}
	}
	if tb.Count() != 0 {
		t.Fatalf("expected current table empty before CreateFinish, got %d", tb.Count())
	}
	tb.CreateFinish()
	if tb.Count() != 5 {
		t.Fatalf("expected 5 entries after finish, got %d", tb.Count())
	}

	p, ok := tb.Get(3)
	if !ok {
		t.Fatal("expected pid 3 present")
	}
	if p.ShortName() != "proc" {
		t.Fatalf("unexpected name %q", p.ShortName())
	}
	p.Release()
}

func TestCreateEntryRejectsDuplicateWithinPass(t *testing.T) {
	tb := New(64)
	ctx := context.Background()
	if _, err := tb.CreateEntry(ctx, true, 1, 0, 0, 0, 0, name("a"), true, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.CreateEntry(ctx, true, 1, 0, 0, 0, 0, name("a"), true, nil, nil); err == nil {
		t.Fatal("expected duplicate pid within same refresh to fail")
	}
}

func TestCreateEntryRejectsFailedDTBVerification(t *testing.T) {
	tb := New(64)
	ctx := context.Background()
	verify := func(ctx context.Context, dtb uint64) bool { return dtb != 0xBAD }
	if _, err := tb.CreateEntry(ctx, true, 1, 0, 0, 0xBAD, 0, name("a"), true, nil, verify); err == nil {
		t.Fatal("expected bad DTB to be rejected")
	}
	if _, err := tb.CreateEntry(ctx, true, 2, 0, 0, 0x6000, 0, name("b"), true, nil, verify); err != nil {
		t.Fatalf("expected good DTB to be accepted: %v", err)
	}
}

func TestIncrementalRefreshCarriesForwardProcessObject(t *testing.T) {
	tb := New(64)
	ctx := context.Background()

	p1, err := tb.CreateEntry(ctx, true, 1, 0, 0, 0x1000, 0, name("a"), true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.CreateFinish()

	// Seed a memoized module list on the original object.
	_, _ = p1.Modules.Get(func() ([]semmap.Module, error) {
		return []semmap.Module{{Name: "ntdll"}}, nil
	})
	p1.Release()

	p2, err := tb.CreateEntry(ctx, false, 1, 0, 0, 0x1000, 0, name("a"), true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.CreateFinish()
	if p2 != p1 {
		t.Fatal("expected incremental refresh to carry forward the same Process object")
	}
	p2.Release()
}

func TestFullRefreshDropsTerminatedPersistent(t *testing.T) {
	tb := New(64)
	ctx := context.Background()

	p1, err := tb.CreateEntry(ctx, true, 7, 0, 0, 0x7000, 0, name("x"), true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	p1.Persistent.Set("k", "v")
	tb.CreateFinish()

	// pid 7 does not reappear in the next full refresh: it is gone and its
	// persistent sub-object is dropped.
	if _, err := tb.CreateEntry(ctx, true, 8, 0, 0, 0x8000, 0, name("y"), true, nil, nil); err != nil {
		t.Fatal(err)
	}
	tb.CreateFinish()

	if _, ok := tb.Get(7); ok {
		t.Fatal("expected pid 7 to be gone after refresh that did not recreate it")
	}
	if len(tb.persist) != 1 {
		t.Fatalf("expected stale persistent dropped, have %d entries", len(tb.persist))
	}
}

func TestGetNextWalksInOrderAndSkipsTerminated(t *testing.T) {
	tb := New(64)
	ctx := context.Background()

	tb.CreateEntry(ctx, true, 1, 0, 0, 0, 0, name("a"), true, nil, nil)
	tb.CreateEntry(ctx, true, 2, 0, 1 /* terminated */, 0, 0, name("b"), true, nil, nil)
	tb.CreateEntry(ctx, true, 3, 0, 0, 0, 0, name("c"), true, nil, nil)
	tb.CreateFinish()

	var seen []uint32
	var prev *Process
	for {
		p, ok := tb.GetNext(ctx, prev, 0)
		if !ok {
			break
		}
		seen = append(seen, p.PID)
		prev = p
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 3 {
		t.Fatalf("expected [1 3] skipping terminated pid 2, got %v", seen)
	}
}

func TestKernelViewSharesMapsForcesUserOnlyFalse(t *testing.T) {
	tb := New(64)
	ctx := context.Background()
	p, err := tb.CreateEntry(ctx, true, 4, 0, 0, 0x4000, 0, name("k"), true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.CreateFinish()

	kv := p.KernelView()
	if kv.UserOnly {
		t.Fatal("expected KernelView to force UserOnly=false")
	}
	if kv.Modules != p.Modules {
		t.Fatal("expected KernelView to share the same Modules slot")
	}
	if kv == p {
		t.Fatal("expected KernelView to return a distinct object from a user-mode process")
	}
	if kv.KernelView() != kv {
		t.Fatal("expected KernelView to be idempotent")
	}
}

func TestInitializeTokensRunsOncePerProcess(t *testing.T) {
	tb := New(64)
	ctx := context.Background()
	tb.CreateEntry(ctx, true, 1, 0, 0, 0, 0, name("a"), true, nil, nil)
	tb.CreateEntry(ctx, true, 2, 0, 0, 0, 0, name("b"), true, nil, nil)
	tb.CreateFinish()

	calls := 0
	init := func(ctx context.Context, pending []*Process) {
		calls++
		for _, p := range pending {
			p.Token.Get(func() (Token, error) { return Token{Valid: true}, nil })
		}
	}
	tb.InitializeTokens(ctx, init)
	tb.InitializeTokens(ctx, init)
	if calls != 1 {
		t.Fatalf("expected batched init invoked once across both calls, got %d", calls)
	}
}
