// Package pagecache implements the engine's bounded, shard-friendly page
// cache: three independent tables (PHYS, TLB, PAGING) mapping a 4 KiB
// aligned physical address to a borrowed, refcounted page buffer.
//
// Each table shards its working set across a fixed number of shards to
// keep per-operation lock hold times short (a handful of bucket-chain or
// age-list pointer fixups), and reclaims least-recently-used pages under a
// hard ceiling on total pages rather than failing allocation.
package pagecache

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// PageSize is the fixed unit of cached content: a 4 KiB physical page.
const PageSize = 4096

// InvalidAddr is the sentinel physical address of an unpublished page.
const InvalidAddr = ^uint64(0)

// Tag distinguishes the three cache tables. PHYS and TLB may be
// invalidated together on a write-through to physical memory; PAGING is
// invalidated independently by the paging collaborator.
type Tag int

const (
	PHYS Tag = iota
	TLB
	PAGING
)

func (t Tag) String() string {
	switch t {
	case PHYS:
		return "PHYS"
	case TLB:
		return "TLB"
	case PAGING:
		return "PAGING"
	default:
		return "UNKNOWN"
	}
}

const (
	numShards         = 17 // per-table shard count
	numBuckets        = 17 // per-shard bucket count
	defaultMaxEntries = 0x4000
	minShardFloor     = 16
)

// page is the cache's internal node. It is never exposed directly;
// callers hold a *Page handle instead.
type page struct {
	tag   Tag
	addr  uint64
	valid bool
	buf   [PageSize]byte

	refcount atomic.Int32

	// bucket chain linkage, guarded by the owning shard's mutex.
	bucketNext *page
	// age list linkage (MRU head / LRU tail), guarded by the owning
	// shard's mutex.
	agePrev *page
	ageNext *page

	// lock-free stack linkage. totalNext is set exactly once (at
	// allocation) and never mutated again; emptyNext is pushed/popped
	// repeatedly over the page's life.
	totalNext atomic.Pointer[page]
	emptyNext atomic.Pointer[page]
}

func (p *page) reset() {
	p.valid = false
	p.addr = InvalidAddr
	p.bucketNext = nil
	p.agePrev = nil
	p.ageNext = nil
}

// Page is a borrowed strong reference to a cache page. Callers must call
// Release exactly once when done with it.
type Page struct {
	p *page
}

// Addr returns the page's physical address, or InvalidAddr if unpublished.
func (h Page) Addr() uint64 { return h.p.addr }

// Valid reports whether the page's content has been filled.
func (h Page) Valid() bool { return h.p.valid }

// SetValid marks the page's content as filled (or not).
func (h Page) SetValid(v bool) { h.p.valid = v }

// SetAddr sets the page's physical address prior to Publish.
func (h Page) SetAddr(addr uint64) { h.p.addr = addr }

// Bytes returns the page's 4 KiB content buffer for the caller to read or
// fill. The slice aliases the cache's own storage; do not retain it past
// Release/Publish.
func (h Page) Bytes() []byte { return h.p.buf[:] }

// Release drops the caller's hold on the page. If the refcount reaches
// the baseline (1, held only by the table's permanent "total" list) the
// page is returned to the empty pool.
func (h Page) Release(t *Table) { t.release(h.p) }

type lfStack struct {
	head atomic.Pointer[page]
	next func(*page) *atomic.Pointer[page]
}

func (s *lfStack) push(p *page) {
	for {
		old := s.head.Load()
		s.next(p).Store(old)
		if s.head.CompareAndSwap(old, p) {
			return
		}
	}
}

func (s *lfStack) pop() *page {
	for {
		old := s.head.Load()
		if old == nil {
			return nil
		}
		next := s.next(old).Load()
		if s.head.CompareAndSwap(old, next) {
			s.next(old).Store(nil)
			return old
		}
	}
}

type shard struct {
	mu      sync.Mutex
	buckets [numBuckets]*page
	ageHead *page // MRU
	ageTail *page // LRU
	count   int
}

// Stats holds cumulative cache counters, exposed for diagnostics.
type Stats struct {
	Hits       int64
	Misses     int64
	Reclaims   int64
	Allocs     int64
	CTotal     int64
	CEmpty     int64
	ShardCount [numShards]int
}

// Table is one of the three cache tables (PHYS, TLB, PAGING).
type Table struct {
	tag        Tag
	maxEntries int64

	shards [numShards]shard

	empty lfStack
	total lfStack

	cTotal atomic.Int64
	cEmpty atomic.Int64

	reclaimCursor atomic.Uint32
	active        atomic.Bool

	hits     atomic.Int64
	misses   atomic.Int64
	reclaims atomic.Int64
	allocs   atomic.Int64
}

// New creates an active, empty cache table for the given tag. maxEntries
// of 0 selects the default ceiling (0x4000, matching the source).
func New(tag Tag, maxEntries int64) *Table {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	t := &Table{tag: tag, maxEntries: maxEntries}
	t.empty.next = func(p *page) *atomic.Pointer[page] { return &p.emptyNext }
	t.total.next = func(p *page) *atomic.Pointer[page] { return &p.totalNext }
	t.active.Store(true)
	return t
}

func shardOf(addr uint64) int { return int((addr >> 12) % numShards) }
func bucketOf(addr uint64) int { return int((addr >> 12) % numBuckets) }

// Get returns a borrowed reference to the cached page at addr, or false
// if not present. The caller must Release the returned handle.
func (t *Table) Get(addr uint64) (Page, bool) {
	sh := &t.shards[shardOf(addr)]
	bi := bucketOf(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for p := sh.buckets[bi]; p != nil; p = p.bucketNext {
		if p.addr == addr {
			p.refcount.Add(1)
			t.hits.Add(1)
			return Page{p}, true
		}
	}
	t.misses.Add(1)
	return Page{}, false
}

// Reserve obtains an unpublished page buffer for the caller to fill.
// Returns nil only under sustained pressure combined with teardown.
func (t *Table) Reserve() *Page {
	for i := 0; i < numShards; i++ {
		if p := t.popEmpty(); p != nil {
			p.reset()
			p.refcount.Add(1) // total(1) + caller -> 2
			return &Page{p}
		}
		if p := t.allocFresh(); p != nil {
			return &Page{p}
		}
		t.reclaimRoundRobin(false)
	}
	runtime.Gosched()
	time.Sleep(time.Millisecond)
	if p := t.popEmpty(); p != nil {
		p.reset()
		p.refcount.Add(1)
		return &Page{p}
	}
	return nil
}

func (t *Table) popEmpty() *page {
	p := t.empty.pop()
	if p != nil {
		t.cEmpty.Add(-1)
	}
	return p
}

func (t *Table) allocFresh() *page {
	for {
		cur := t.cTotal.Load()
		if cur >= t.maxEntries {
			return nil
		}
		if t.cTotal.CompareAndSwap(cur, cur+1) {
			p := &page{tag: t.tag, addr: InvalidAddr}
			p.refcount.Store(2) // total(1) + caller(1)
			t.total.push(p)
			t.allocs.Add(1)
			return p
		}
	}
}

// Publish inserts a filled page into its shard, or releases it back to
// the empty pool if it isn't fit to publish (invalid, sentinel address,
// or the table has been closed).
func (t *Table) Publish(h *Page) {
	p := h.p
	if p.valid && p.addr != InvalidAddr && t.active.Load() {
		sh := &t.shards[shardOf(p.addr)]
		bi := bucketOf(p.addr)
		sh.mu.Lock()
		p.bucketNext = sh.buckets[bi]
		sh.buckets[bi] = p
		p.agePrev = nil
		p.ageNext = sh.ageHead
		if sh.ageHead != nil {
			sh.ageHead.agePrev = p
		}
		sh.ageHead = p
		if sh.ageTail == nil {
			sh.ageTail = p
		}
		sh.count++
		sh.mu.Unlock()
		return
	}
	t.release(p)
}

func (t *Table) release(p *page) {
	if p.refcount.Add(-1) == 1 {
		t.cEmpty.Add(1)
		t.empty.push(p)
	}
}

// unlinkLocked removes p from its shard's bucket chain and age list.
// Caller must hold sh.mu.
func unlinkLocked(sh *shard, bi int, p *page) {
	var prev *page
	for cur := sh.buckets[bi]; cur != nil; cur = cur.bucketNext {
		if cur == p {
			if prev == nil {
				sh.buckets[bi] = cur.bucketNext
			} else {
				prev.bucketNext = cur.bucketNext
			}
			break
		}
		prev = cur
	}
	if p.agePrev != nil {
		p.agePrev.ageNext = p.ageNext
	} else {
		sh.ageHead = p.ageNext
	}
	if p.ageNext != nil {
		p.ageNext.agePrev = p.agePrev
	} else {
		sh.ageTail = p.agePrev
	}
	p.bucketNext = nil
	p.agePrev = nil
	p.ageNext = nil
	sh.count--
}

// Invalidate removes any entry at addr from this table.
func (t *Table) Invalidate(addr uint64) {
	sh := &t.shards[shardOf(addr)]
	bi := bucketOf(addr)
	sh.mu.Lock()
	for {
		var found *page
		for cur := sh.buckets[bi]; cur != nil; cur = cur.bucketNext {
			if cur.addr == addr {
				found = cur
				break
			}
		}
		if found == nil {
			break
		}
		unlinkLocked(sh, bi, found)
		t.release(found)
	}
	sh.mu.Unlock()
}

// reclaim evicts from the LRU tail of one shard. If total, the shard is
// drained completely; otherwise it is halved down to a floor of 16
// entries (a shard already at or below 16 entries is left untouched).
func (t *Table) reclaim(shardIdx int, total bool) {
	sh := &t.shards[shardIdx]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pre := sh.count
	if !total && pre <= minShardFloor {
		return
	}
	target := 0
	if !total {
		target = pre / 2
		if target < minShardFloor {
			target = minShardFloor
		}
	}
	for sh.count > target {
		victim := sh.ageTail
		if victim == nil {
			break
		}
		bi := bucketOf(victim.addr)
		unlinkLocked(sh, bi, victim)
		t.release(victim)
		t.reclaims.Add(1)
	}
}

func (t *Table) reclaimRoundRobin(total bool) {
	idx := int(t.reclaimCursor.Add(1)-1) % numShards
	t.reclaim(idx, total)
}

// Clear reclaims every shard of this table completely.
func (t *Table) Clear() {
	for i := 0; i < numShards; i++ {
		t.reclaim(i, true)
	}
}

// Close marks the table inactive, reclaims all shards, and drains the
// empty pool. Safe to call once; further Get/Reserve calls after Close
// behave as if nothing is cached.
func (t *Table) Close() {
	t.active.Store(false)
	t.Clear()
	for t.popEmpty() != nil {
	}
}

// Active reports whether the table still accepts publishes.
func (t *Table) Active() bool { return t.active.Load() }

// Tag returns the table's cache tag.
func (t *Table) Tag() Tag { return t.tag }

// Stats returns a snapshot of cumulative counters and per-shard sizes.
func (t *Table) Stats() Stats {
	s := Stats{
		Hits:     t.hits.Load(),
		Misses:   t.misses.Load(),
		Reclaims: t.reclaims.Load(),
		Allocs:   t.allocs.Load(),
		CTotal:   t.cTotal.Load(),
		CEmpty:   t.cEmpty.Load(),
	}
	for i := range t.shards {
		t.shards[i].mu.Lock()
		s.ShardCount[i] = t.shards[i].count
		t.shards[i].mu.Unlock()
	}
	return s
}
