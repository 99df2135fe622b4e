package pmm

import (
	"silicium/kernel/list"
	"silicium/kernel/sync"
	"unsafe"
)

// Zone classifies a frame by the physical address range it falls into.
// The allocator (package allocator) uses the zone to satisfy requests for
// memory that must be reachable by legacy DMA-incapable hardware.
type Zone uint8

const (
	// ZoneNormal covers all memory at or above the 16 MiB mark.
	ZoneNormal Zone = iota
	// ZoneISA covers memory below 16 MiB, reachable by ISA DMA controllers.
	ZoneISA
	// ZoneBIOS covers memory below 1 MiB, the range the BIOS/real-mode
	// boot trampoline and video memory hole occupy.
	ZoneBIOS
)

// Descriptor is the per-frame metadata record backing the refcounted frame
// allocator. One Descriptor exists for every physical frame reported by the
// boot memory map; the array is built once at boot and never resized.
//
// link must remain the first field: EntryHead recovers a *Descriptor from
// a *list.Head by reinterpreting the pointer.
type Descriptor struct {
	link list.Head

	index    Frame
	zone     Zone
	refCount uint32
	cleared  bool
	reserved bool

	lock sync.Spinlock
}

// Reset reinitializes the descriptor for frame index i. Called once per
// descriptor when the table is built; every frame starts out reserved.
func (d *Descriptor) Reset(i Frame) {
	d.index = i
	d.reserved = true
	d.refCount = 0
	d.cleared = false
}

// Index returns the frame this descriptor describes.
func (d *Descriptor) Index() Frame { return d.index }

// Zone returns the zone this descriptor's frame belongs to.
func (d *Descriptor) Zone() Zone { return d.zone }

// SetZone assigns the zone this descriptor's frame belongs to. Only called
// while building the table, before the frame is linked onto any free list.
func (d *Descriptor) SetZone(z Zone) { d.zone = z }

// Reserved returns true if this frame may never be allocated or freed.
func (d *Descriptor) Reserved() bool { return d.reserved }

// SetReserved marks or unmarks this frame as reserved.
func (d *Descriptor) SetReserved(v bool) { d.reserved = v }

// Cleared returns true if this frame's contents are known to be all-zero.
func (d *Descriptor) Cleared() bool { return d.cleared }

// SetCleared records whether this frame's contents are known to be all-zero.
func (d *Descriptor) SetCleared(v bool) { d.cleared = v }

// RefCount returns the descriptor's current reference count.
func (d *Descriptor) RefCount() uint32 { return d.refCount }

// SetRefCount overwrites the reference count, used when a freshly allocated
// frame starts its life at refcount 1.
func (d *Descriptor) SetRefCount(n uint32) { d.refCount = n }

// IncRefCount increments the reference count by one.
func (d *Descriptor) IncRefCount() { d.refCount++ }

// DecRefCount decrements the reference count by one. Callers must already
// hold the descriptor lock and must have checked RefCount() > 0.
func (d *Descriptor) DecRefCount() { d.refCount-- }

// Lock acquires the per-descriptor lock, serializing Free against
// Lock/Unlock callers elsewhere in the kernel.
func (d *Descriptor) Lock() { d.lock.Acquire() }

// Unlock releases the per-descriptor lock.
func (d *Descriptor) Unlock() { d.lock.Release() }

// Link returns the list head used to thread this descriptor onto its
// zone's free list.
func (d *Descriptor) Link() *list.Head { return &d.link }

// Table is a flat, index-addressable array of frame descriptors, mirroring
// the physical frame number space: Table.Descriptors[i] describes Frame(i).
type Table struct {
	Descriptors []Descriptor
}

// Entry returns the descriptor belonging to f. Callers must ensure f falls
// within the table's bounds; the table is never resized after boot.
func (t *Table) Entry(f Frame) *Descriptor {
	return &t.Descriptors[f]
}

// EntryHead recovers the owning Descriptor from a list.Head obtained while
// iterating a free list.
func EntryHead(h *list.Head) *Descriptor {
	return (*Descriptor)(unsafe.Pointer(h))
}
