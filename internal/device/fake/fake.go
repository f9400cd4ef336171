// Package fake implements device.Backend over a synthetic, in-process
// byte-addressable memory image. It exists for tests and the CLI demo
// mode; it is not a claim that any real acquisition hardware works this
// way. Pages are materialized lazily into a backing map guarded by a
// mutex the first time they are touched, reading as zero-filled before
// that.
package fake

import (
	"context"
	"fmt"
	"sync"

	"memvmm/internal/device"
)

// Device is an in-memory physical memory image. Pages not explicitly
// written read as zero, exactly like a sparse file.
type Device struct {
	mu      sync.Mutex
	pages   map[uint64]*[device.PageSize]byte
	maxAddr uint64

	reads  int64
	writes int64
}

// New creates an empty image whose addressable range is [0, maxAddr).
func New(maxAddr uint64) *Device {
	return &Device{
		pages:   make(map[uint64]*[device.PageSize]byte),
		maxAddr: maxAddr,
	}
}

// WritePhysical is a test/demo convenience for seeding the image directly
// (bypassing WriteScatter's validity bookkeeping).
func (d *Device) WritePhysical(pa uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(data) > 0 {
		base := pa &^ (device.PageSize - 1)
		off := int(pa - base)
		p := d.pageLocked(base)
		n := copy(p[off:], data)
		data = data[n:]
		pa += uint64(n)
	}
}

func (d *Device) pageLocked(base uint64) *[device.PageSize]byte {
	p, ok := d.pages[base]
	if !ok {
		p = &[device.PageSize]byte{}
		d.pages[base] = p
	}
	return p
}

// ReadScatter implements device.Backend.
func (d *Device) ReadScatter(ctx context.Context, units []*device.Unit) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range units {
		if u.PA >= d.maxAddr || len(u.Buf) != device.PageSize {
			u.Valid = false
			continue
		}
		p := d.pageLocked(u.PA)
		copy(u.Buf, p[:])
		u.Valid = true
		d.reads++
	}
	return nil
}

// WriteScatter implements device.Backend.
func (d *Device) WriteScatter(ctx context.Context, units []*device.Unit) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range units {
		if u.PA >= d.maxAddr || len(u.Buf) != device.PageSize {
			u.Valid = false
			continue
		}
		p := d.pageLocked(u.PA)
		copy(p[:], u.Buf)
		u.Valid = true
		d.writes++
	}
	return nil
}

// AllocScatterUnits implements device.Backend.
func (d *Device) AllocScatterUnits(n int) []*device.Unit {
	units := make([]*device.Unit, n)
	for i := range units {
		units[i] = &device.Unit{Buf: make([]byte, device.PageSize)}
	}
	return units
}

// FreeScatterUnits implements device.Backend. The fake device has
// nothing to release; it exists to satisfy the interface symmetrically.
func (d *Device) FreeScatterUnits(units []*device.Unit) {}

// MaxPhysicalAddress implements device.Backend.
func (d *Device) MaxPhysicalAddress() uint64 { return d.maxAddr }

// Stats reports the cumulative number of units successfully read and
// written by scatter calls, for the diagnostics endpoint and tests.
func (d *Device) Stats() (reads, writes int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}

// String implements fmt.Stringer for log lines.
func (d *Device) String() string {
	return fmt.Sprintf("fake.Device{maxAddr=0x%x, pages=%d}", d.maxAddr, len(d.pages))
}
