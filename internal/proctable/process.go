// Package proctable implements the process table: an open-addressed hash
// of live processes keyed by PID, with a generational current/pending
// swap so a full enumeration refresh can be staged and committed
// atomically without blocking concurrent lookups.
package proctable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"memvmm/internal/semmap"
)

// Token holds a process's security identity, populated lazily and in
// batches across the whole table (see Table.InitializeTokens).
type Token struct {
	LUID      uint64
	SessionID uint32
	SID       []byte
	SIDString string
	Valid     bool
}

// Persistent is the sub-object that survives a process being recreated
// by a total refresh: it is looked up by PID and reattached to whichever
// Process object currently represents that PID, so plugin-private state
// keyed off a PID does not reset just because EPROCESS was re-snapshotted.
type Persistent struct {
	PID uint32

	mu   sync.Mutex
	data map[string]any
}

// Get returns a plugin-private value previously stored with Set.
func (ps *Persistent) Get(key string) (any, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	v, ok := ps.data[key]
	return v, ok
}

// Set stores a plugin-private value under key.
func (ps *Persistent) Set(key string, v any) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.data == nil {
		ps.data = make(map[string]any)
	}
	ps.data[key] = v
}

// Process is one entry in the process table.
type Process struct {
	mu       sync.Mutex // LockUpdate: serializes map/token mutation
	pluginMu sync.Mutex // LockPlugin: serializes plugin mutations

	PID       uint32
	ParentPID uint32
	State     uint32 // 0 = active, non-zero = terminated
	UserOnly  bool
	DTB       uint64
	DTBUser   uint64
	Name      [16]byte
	EPROCESS  []byte // opaque OS-specific header bytes, immutable after creation

	Persistent *Persistent

	kernelView bool

	tlbSpidered atomic.Bool
	tokenInited atomic.Bool
	refcount    atomic.Int32

	next *Process // intrusive forward-link chain (iFLink)

	Modules *semmap.Slot[[]semmap.Module]
	VADs    *semmap.Slot[[]semmap.VAD]
	Threads *semmap.Slot[[]semmap.Thread]
	Handles *semmap.Slot[[]semmap.Handle]
	Heaps   *semmap.Slot[[]semmap.Heap]
	PTEMap  *semmap.Slot[semmap.PTEMap]
	Token   *semmap.Slot[Token]
}

func newProcess(pid, parentPID, state uint32, dtb, dtbUser uint64, name [16]byte, userOnly bool, eprocess []byte, persistent *Persistent) *Process {
	p := &Process{
		PID:        pid,
		ParentPID:  parentPID,
		State:      state,
		UserOnly:   userOnly,
		DTB:        dtb,
		DTBUser:    dtbUser,
		Name:       name,
		EPROCESS:   eprocess,
		Persistent: persistent,
	}
	p.refcount.Store(1)
	p.Modules = semmap.NewSlot[[]semmap.Module]()
	p.VADs = semmap.NewSlot[[]semmap.VAD]()
	p.Threads = semmap.NewSlot[[]semmap.Thread]()
	p.Handles = semmap.NewSlot[[]semmap.Handle]()
	p.Heaps = semmap.NewSlot[[]semmap.Heap]()
	p.PTEMap = semmap.NewSlot[semmap.PTEMap]()
	p.Token = semmap.NewSlot[Token]()
	return p
}

// ShortName returns the NUL-trimmed process name.
func (p *Process) ShortName() string {
	i := bytes.IndexByte(p.Name[:], 0)
	if i < 0 {
		i = len(p.Name)
	}
	return string(p.Name[:i])
}

// Active reports whether the process is still running (State == 0).
func (p *Process) Active() bool { return p.State == 0 }

// KernelView returns a process handle with UserOnly forced false, reusing
// the same DTB and semantic maps as the receiver. The returned Process is
// a fresh handle (its own locks, refcount, and spidered/token flags) that
// is not registered in any table; called on a handle that is already a
// kernel view, it returns that same handle.
func (p *Process) KernelView() *Process {
	if p.kernelView {
		return p
	}
	clone := &Process{
		PID:        p.PID,
		ParentPID:  p.ParentPID,
		State:      p.State,
		UserOnly:   false,
		DTB:        p.DTB,
		DTBUser:    p.DTBUser,
		Name:       p.Name,
		EPROCESS:   p.EPROCESS,
		Persistent: p.Persistent,
		kernelView: true,
		Modules:    p.Modules,
		VADs:       p.VADs,
		Threads:    p.Threads,
		Handles:    p.Handles,
		Heaps:      p.Heaps,
		PTEMap:     p.PTEMap,
		Token:      p.Token,
	}
	clone.refcount.Store(1)
	clone.tlbSpidered.Store(p.Spidered())
	return clone
}

// Spidered reports whether this process's page tables have already been
// walked into the TLB cache.
func (p *Process) Spidered() bool { return p.tlbSpidered.Load() }

// SetSpidered marks (or clears) the "I have spidered the TLB" flag under
// the process's update lock.
func (p *Process) SetSpidered(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tlbSpidered.Store(v)
}

// Lock/Unlock expose LockUpdate to callers that need to serialize a
// sequence of map/token mutations (e.g. an OS-specific enumerator).
func (p *Process) Lock()   { p.mu.Lock() }
func (p *Process) Unlock() { p.mu.Unlock() }

// LockPlugin/UnlockPlugin expose the plugin-mutation lock.
func (p *Process) LockPlugin()   { p.pluginMu.Lock() }
func (p *Process) UnlockPlugin() { p.pluginMu.Unlock() }

func (p *Process) addRef() *Process {
	p.refcount.Add(1)
	return p
}

// Release drops the caller's hold on the process handle. Actual memory
// reclamation is left to the Go garbage collector once no references
// remain; the counter exists so callers can reason about or test process
// lifetime, not to drive a manual allocator.
func (p *Process) Release() { p.refcount.Add(-1) }

// RefCount returns the current external hold count, for tests.
func (p *Process) RefCount() int32 { return p.refcount.Load() }
