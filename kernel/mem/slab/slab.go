// Package slab implements a fixed-size object pool allocator (C6). Each
// Pool hands out objects of one size drawn from Slabs, contiguous regions
// of backing memory carved into obj_per_slab equal-sized slots. Free
// objects chain through their own storage: the link to the next free slot
// is written into the first machine word of the slot itself, so the free
// list costs no extra memory.
//
// The Slab/Pool descriptors are ordinary Go values, kept on Go-managed
// slices; the kernel's own goroutine-free Go runtime bootstrap (see
// kernel/goruntime) makes this safe before the kernel's own backing
// allocator exists. Only the object payload memory a Pool hands out to its
// caller follows the self-hosting discipline called for by this
// component: see CreatePool and SeedSlab.
package slab

import (
	"silicium/kernel"
	"silicium/kernel/list"
	"silicium/kernel/mem"
	"silicium/kernel/sync"
	"unsafe"
)

// Flags selects non-default pool creation behavior.
type Flags uint8

const (
	// FlagLazy skips preallocating the pool's initial slabs; the first
	// allocation request creates a slab on demand instead.
	FlagLazy Flags = 1 << iota
)

var (
	// backingAllocFn supplies the raw memory backing a newly created
	// slab. Registered by kernel/mem/kvmalloc once the kernel VA
	// allocator is online; nil until then, in which case only
	// SeedSlab-backed pools can be created.
	backingAllocFn func(size mem.Size) (uintptr, *kernel.Error)

	errNoBackingAllocator = &kernel.Error{Module: "slab", Message: "no backing allocator registered and pool is not lazily seeded"}
	errObjSizeTooSmall    = &kernel.Error{Module: "slab", Message: "object size must be at least the size of a pointer"}
	errSeedTooSmall       = &kernel.Error{Module: "slab", Message: "seeded region too small to hold a single object"}
)

// SetBackingAllocator registers the function used to obtain memory for new
// slabs. Called once by kernel/mem/kvmalloc during its own Init.
func SetBackingAllocator(fn func(size mem.Size) (uintptr, *kernel.Error)) {
	backingAllocFn = fn
}

// Slab is a contiguous region of backing memory holding a fixed number of
// equal-sized objects. link threads the slab onto exactly one of its
// pool's empty/partial/full lists; list membership always matches
// used/max as required by the component's invariants.
type Slab struct {
	link list.Head

	pool       *Pool
	start, end uintptr
	maxObjects uint32
	used       uint32
	freeHead   uintptr // address of first free slot, 0 if none
}

// entryHead recovers the owning *Slab from a list.Head obtained while
// iterating a pool's slab lists.
func entryHead(h *list.Head) *Slab {
	return (*Slab)(unsafe.Pointer(h))
}

// contains reports whether ptr falls within this slab's backing region.
func (s *Slab) contains(ptr uintptr) bool {
	return ptr >= s.start && ptr < s.end
}

func (s *Slab) popFree() uintptr {
	ptr := s.freeHead
	s.freeHead = *(*uintptr)(unsafe.Pointer(ptr))
	s.used++
	return ptr
}

func (s *Slab) pushFree(ptr uintptr) {
	*(*uintptr)(unsafe.Pointer(ptr)) = s.freeHead
	s.freeHead = ptr
	s.used--
}

// initSlots links every slot in [start, start+objSize*count) onto the
// slab's free chain, in address order.
func (s *Slab) initSlots(objSize uintptr, count uint32) {
	s.freeHead = 0
	for i := int(count) - 1; i >= 0; i-- {
		addr := s.start + uintptr(i)*objSize
		*(*uintptr)(unsafe.Pointer(addr)) = s.freeHead
		s.freeHead = addr
	}
}

// Pool is a collection of Slabs of one object size and alignment, bucketed
// by occupancy into empty, partial and full lists so Alloc can prefer
// partially-used slabs without a linear scan.
type Pool struct {
	objSize    uintptr
	align      uintptr
	objPerSlab uint32
	minFree    uint32
	freeCount  uint32
	lazy       bool

	empty, partial, full list.List

	lock sync.Spinlock
}

// CreatePool builds a new Pool for objects of objSize bytes aligned to
// align bytes. minFree is the watermark of free objects the pool tries to
// keep on hand; objPerSlab is the number of objects carved out of each new
// slab's backing region. initialSlabs slabs are eagerly created unless
// FlagLazy is set, in which case slabs are created on first demand.
func CreatePool(objSize, align uintptr, minFree, objPerSlab, initialSlabs uint32, flags Flags) (*Pool, *kernel.Error) {
	if objSize < unsafe.Sizeof(uintptr(0)) {
		return nil, errObjSizeTooSmall
	}
	if align == 0 {
		align = unsafe.Alignof(uintptr(0))
	}

	p := &Pool{
		objSize:    (objSize + align - 1) &^ (align - 1),
		align:      align,
		objPerSlab: objPerSlab,
		minFree:    minFree,
		lazy:       flags&FlagLazy != 0,
	}
	p.empty.Init()
	p.partial.Init()
	p.full.Init()

	if flags&FlagLazy != 0 {
		return p, nil
	}

	for i := uint32(0); i < initialSlabs; i++ {
		s, err := p.newSlab()
		if err != nil {
			return nil, err
		}
		p.empty.PushBack(&s.link)
		p.freeCount += p.objPerSlab
	}

	return p, nil
}

// newSlab allocates backing memory for a new slab via the registered
// backing allocator and carves it into objPerSlab free slots.
func (p *Pool) newSlab() (*Slab, *kernel.Error) {
	if backingAllocFn == nil {
		return nil, errNoBackingAllocator
	}

	size := mem.Size(uint64(p.objSize) * uint64(p.objPerSlab))
	start, err := backingAllocFn(size)
	if err != nil {
		return nil, err
	}

	return p.seedSlab(start, size)
}

func (p *Pool) seedSlab(start uintptr, size mem.Size) (*Slab, *kernel.Error) {
	count := uint32(uint64(size) / uint64(p.objSize))
	if count == 0 {
		return nil, errSeedTooSmall
	}

	s := &Slab{
		pool:       p,
		start:      start,
		end:        start + uintptr(count)*p.objSize,
		maxObjects: count,
	}
	s.initSlots(p.objSize, count)
	return s, nil
}

// SeedSlab hands pool a pre-existing, already-mapped memory region to use
// as one slab's backing store, bypassing the registered backing
// allocator. This is the hook that lets the kernel VA allocator's own
// vmarea descriptor pool bootstrap from a statically allocated buffer
// before kvmalloc (and therefore the registered backing allocator) can
// service a request.
func SeedSlab(p *Pool, start uintptr, size mem.Size) *kernel.Error {
	s, err := p.seedSlab(start, size)
	if err != nil {
		return err
	}

	p.lock.Acquire()
	p.empty.PushBack(&s.link)
	p.freeCount += p.objPerSlab
	if p.objPerSlab == 0 {
		p.objPerSlab = s.maxObjects
	}
	p.lock.Release()
	return nil
}

// Alloc draws one object from p, preferring a partially-used slab over an
// empty one so full slabs accumulate at the tail. Returns 0 if no slab has
// room and a new one cannot be created.
func (p *Pool) Alloc() (uintptr, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	h := p.partial.Front()
	fromEmpty := false
	if h == nil {
		h = p.empty.Front()
		fromEmpty = true
	}

	if h == nil || (p.freeCount <= p.minFree && p.minFree > 0) {
		s, err := p.newSlab()
		if err != nil {
			if h == nil {
				return 0, err
			}
		} else {
			p.empty.PushBack(&s.link)
			p.freeCount += p.objPerSlab
			h = &s.link
			fromEmpty = true
		}
	}

	if h == nil {
		return 0, errNoBackingAllocator
	}

	s := entryHead(h)
	ptr := s.popFree()
	p.freeCount--

	list.Remove(h)
	switch {
	case s.used == s.maxObjects:
		p.full.PushBack(h)
	default:
		p.partial.PushBack(h)
	}
	_ = fromEmpty

	return ptr, nil
}

// Free returns ptr to its owning slab within p. It reports false without
// modifying state if ptr does not belong to any slab currently tracked by
// p (a foreign pointer), matching the "refuse silently" discipline
// required of this component.
func (p *Pool) Free(ptr uintptr) bool {
	p.lock.Acquire()
	defer p.lock.Release()

	s := p.findOwning(ptr)
	if s == nil {
		return false
	}

	wasFull := s.used == s.maxObjects
	s.pushFree(ptr)
	p.freeCount++

	list.Remove(&s.link)
	switch {
	case s.used == 0:
		p.empty.PushBack(&s.link)
	default:
		p.partial.PushBack(&s.link)
	}
	_ = wasFull

	return true
}

// findOwning scans the partial and full lists (the only lists that can
// contain a live, allocated object) for the slab containing ptr.
func (p *Pool) findOwning(ptr uintptr) *Slab {
	for _, l := range []*list.List{&p.partial, &p.full} {
		for h := l.Front(); h != nil; h = l.Next(h) {
			if s := entryHead(h); s.contains(ptr) {
				return s
			}
		}
	}
	return nil
}

// UsedCount returns the total number of currently allocated objects across
// every slab in the pool. Intended for tests that need to assert the
// partial/full/empty invariant holds.
func (p *Pool) UsedCount() uint32 {
	p.lock.Acquire()
	defer p.lock.Release()

	var used uint32
	for _, l := range []*list.List{&p.partial, &p.full, &p.empty} {
		for h := l.Front(); h != nil; h = l.Next(h) {
			used += entryHead(h).used
		}
	}
	return used
}

// PartialCount returns the number of slabs currently on the partial list.
func (p *Pool) PartialCount() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return count(&p.partial)
}

// FullCount returns the number of slabs currently on the full list.
func (p *Pool) FullCount() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return count(&p.full)
}

// EmptyCount returns the number of slabs currently on the empty list.
func (p *Pool) EmptyCount() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return count(&p.empty)
}

func count(l *list.List) int {
	n := 0
	for h := l.Front(); h != nil; h = l.Next(h) {
		n++
	}
	return n
}
