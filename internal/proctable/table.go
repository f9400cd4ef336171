package proctable

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the slot count of a freshly created table. It is
// sized generously relative to realistic process counts since open
// addressing degrades as load factor approaches 1.
const DefaultCapacity = 4096

// rawTable is the open-addressed hash of *Process keyed by PID, plus the
// intrusive forward-link chain used for in-order enumeration.
type rawTable struct {
	cap   int
	slots []*Process
	head  *Process
	tail  *Process
	count int
}

func newRawTable(cap int) *rawTable {
	return &rawTable{cap: cap, slots: make([]*Process, cap)}
}

func (tb *rawTable) find(pid uint32) (*Process, int, bool) {
	idx := int(pid) % tb.cap
	for i := 0; i < tb.cap; i++ {
		slot := (idx + i) % tb.cap
		p := tb.slots[slot]
		if p == nil {
			return nil, slot, false
		}
		if p.PID == pid {
			return p, slot, true
		}
	}
	return nil, -1, false
}

// insert places p into the table by linear probing from pid%cap. It
// returns false if the PID already occupies a slot or the table is full.
func (tb *rawTable) insert(p *Process) bool {
	if _, _, found := tb.find(p.PID); found {
		return false
	}
	idx := int(p.PID) % tb.cap
	for i := 0; i < tb.cap; i++ {
		slot := (idx + i) % tb.cap
		if tb.slots[slot] == nil {
			tb.slots[slot] = p
			tb.count++
			if tb.head == nil {
				tb.head = p
			} else {
				tb.tail.next = p
			}
			tb.tail = p
			p.next = nil
			return true
		}
	}
	return false
}

// Table is the process table: an atomically-swapped current rawTable
// plus a pending rawTable staged by an in-progress refresh.
type Table struct {
	current atomic.Pointer[rawTable]
	cap     int

	refreshMu sync.Mutex // serializes CreateEntry/CreateFinish for one refresh pass
	pending   *rawTable
	persist   map[uint32]*Persistent // carried across full refreshes, keyed by PID

	tokenMu sync.Mutex // LockMaster: serializes batched token initialization

	// TokenInitializer, if set, is invoked by GetNext(ForceTokenInit) the
	// first time a given process is observed without a populated token.
	TokenInitializer func(ctx context.Context, p *Process)
}

// New creates an empty process table with the given slot capacity
// (rounded up to at least DefaultCapacity if non-positive).
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Table{cap: capacity, persist: make(map[uint32]*Persistent)}
	t.current.Store(newRawTable(capacity))
	return t
}

// GetNextFlags controls GetNext's enumeration behavior.
type GetNextFlags uint32

const (
	// IncludeTerminated includes entries whose State != 0 in the walk.
	IncludeTerminated GetNextFlags = 1 << iota
	// ForceTokenInit invokes Table.TokenInitializer on demand for any
	// process the walk visits that has not yet been token-initialized.
	ForceTokenInit
)

func (f GetNextFlags) has(bit GetNextFlags) bool { return f&bit != 0 }

// Get looks up pid in the current committed table. The returned Process
// has its external refcount incremented; callers must call Release.
func (t *Table) Get(pid uint32) (*Process, bool) {
	tb := t.current.Load()
	p, _, ok := tb.find(pid)
	if !ok {
		return nil, false
	}
	return p.addRef(), true
}

// GetNext walks the intrusive chain of the current committed table. Pass
// a nil prev to start at the head. The returned Process (if any) has its
// refcount incremented.
func (t *Table) GetNext(ctx context.Context, prev *Process, flags GetNextFlags) (*Process, bool) {
	tb := t.current.Load()
	var cur *Process
	if prev == nil {
		cur = tb.head
	} else {
		cur = prev.next
	}
	for cur != nil {
		if cur.Active() || flags.has(IncludeTerminated) {
			if flags.has(ForceTokenInit) && t.TokenInitializer != nil && cur.tokenInited.CompareAndSwap(false, true) {
				t.TokenInitializer(ctx, cur)
			}
			return cur.addRef(), true
		}
		cur = cur.next
	}
	return nil, false
}

// Count returns the number of entries in the current committed table.
func (t *Table) Count() int {
	return t.current.Load().count
}

// CreateEntry stages pid into the in-progress pending table, starting a
// new refresh pass if one is not already open. If fullRefresh is false
// and pid already exists in the CURRENT (not pending) table, the
// existing Process object is carried forward (preserving its memoized
// semantic maps, name and EPROCESS bytes) with its parent PID, state,
// DTBs and user-only flag overwritten by the new values; otherwise a
// brand-new Process is allocated.
// In either case its Persistent sub-object is looked up by PID and
// reattached, so plugin-private state survives across full refreshes.
//
// verifyDTB, when non-nil and state == 0, must confirm the DTB resolves
// to a structurally valid page table; CreateEntry rejects the PID
// otherwise. It is supplied by the caller (vmm.Context) rather than
// imported here so this package stays free of any device/translator
// dependency.
func (t *Table) CreateEntry(ctx context.Context, fullRefresh bool, pid, parentPID, state uint32, dtb, dtbUser uint64, name [16]byte, userOnly bool, eprocess []byte, verifyDTB func(ctx context.Context, dtb uint64) bool) (*Process, error) {
	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()

	if state == 0 && verifyDTB != nil && !verifyDTB(ctx, dtb) {
		return nil, fmt.Errorf("proctable: pid %d: DTB %#x failed structural verification", pid, dtb)
	}

	if t.pending == nil {
		t.pending = newRawTable(t.cap)
	}
	if _, _, exists := t.pending.find(pid); exists {
		return nil, fmt.Errorf("proctable: pid %d already staged in this refresh", pid)
	}

	persistent := t.persist[pid]
	if persistent == nil {
		persistent = &Persistent{PID: pid}
		t.persist[pid] = persistent
	}

	var p *Process
	if !fullRefresh {
		if old, _, ok := t.current.Load().find(pid); ok {
			old.Lock()
			old.ParentPID = parentPID
			old.State = state
			old.DTB = dtb
			old.DTBUser = dtbUser
			old.UserOnly = userOnly
			old.Unlock()
			p = old
		}
	}
	if p == nil {
		p = newProcess(pid, parentPID, state, dtb, dtbUser, name, userOnly, eprocess, persistent)
	}

	if !t.pending.insert(p) {
		return nil, fmt.Errorf("proctable: pid %d: pending table full or duplicate", pid)
	}
	return p, nil
}

// CreateFinish atomically commits the staged pending table as current,
// dropping any Persistent sub-objects whose PID was not carried forward
// by this refresh, and clears the refresh state for the next pass.
func (t *Table) CreateFinish() {
	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()

	if t.pending == nil {
		return
	}
	live := make(map[uint32]struct{}, t.pending.count)
	for p := t.pending.head; p != nil; p = p.next {
		live[p.PID] = struct{}{}
	}
	for pid := range t.persist {
		if _, ok := live[pid]; !ok {
			delete(t.persist, pid)
		}
	}

	t.current.Store(t.pending)
	t.pending = nil
}

// InitializeTokens runs init for every active process in the current
// table that has not yet been token-initialized, under a single global
// lock so concurrent callers don't duplicate the batched device work.
// init is expected to perform its own internal batching (token VA, token
// bytes, SID pointer, SID bytes) across the processes it is handed.
func (t *Table) InitializeTokens(ctx context.Context, init func(ctx context.Context, pending []*Process)) {
	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()

	tb := t.current.Load()
	var pending []*Process
	for p := tb.head; p != nil; p = p.next {
		if !p.Active() {
			continue
		}
		if p.tokenInited.CompareAndSwap(false, true) {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return
	}
	init(ctx, pending)
}
