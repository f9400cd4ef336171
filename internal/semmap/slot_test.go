package semmap

import (
	"sync"
	"testing"
)

func TestSlotComputesOnce(t *testing.T) {
	s := NewSlot[int]()
	calls := 0
	compute := func() (int, error) {
		calls++
		return 42, nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Get(compute)
			if err != nil || v != 42 {
				t.Errorf("unexpected result %d/%v", v, err)
			}
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Fatalf("expected compute called once, got %d", calls)
	}
}

func TestSlotInvalidateRecomputes(t *testing.T) {
	s := NewSlot[int]()
	n := 0
	compute := func() (int, error) { n++; return n, nil }

	v1, _ := s.Get(compute)
	s.Invalidate()
	v2, _ := s.Get(compute)
	if v1 == v2 {
		t.Fatalf("expected recompute after invalidate, got same value %d", v1)
	}
}

func TestSlotPeekBeforeCompute(t *testing.T) {
	s := NewSlot[string]()
	if _, ok := s.Peek(); ok {
		t.Fatal("expected Peek to report unset before Get")
	}
	s.Get(func() (string, error) { return "x", nil })
	v, ok := s.Peek()
	if !ok || v != "x" {
		t.Fatalf("expected peek to see computed value, got %q/%v", v, ok)
	}
}

func TestFindVADContaining(t *testing.T) {
	vads := []VAD{
		{Start: 0x1000, End: 0x2000, Type: "Private"},
		{Start: 0x5000, End: 0x8000, Type: "Image"},
	}
	if v, ok := FindVADContaining(vads, 0x6000); !ok || v.Type != "Image" {
		t.Fatalf("expected hit in second VAD, got %+v/%v", v, ok)
	}
	if _, ok := FindVADContaining(vads, 0x3000); ok {
		t.Fatal("expected miss in gap between VADs")
	}
	if _, ok := FindVADContaining(vads, 0x8000); ok {
		t.Fatal("expected end to be exclusive")
	}
}
