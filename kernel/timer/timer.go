// Package timer implements the soft timer wheel (C12): a list of callbacks
// expired from the periodic tick handler, driven by a monotonic
// milliseconds-since-boot clock derived from the tick count and period.
package timer

import (
	"silicium/kernel/list"
	"silicium/kernel/sync"
	"sync/atomic"
	"unsafe"
)

// Callback is invoked when a Timer expires, with the data it was armed
// with. It runs with no timer-package lock held, so it may safely arm,
// remove, or update any timer, including itself.
type Callback func(data interface{})

// Timer is a one-shot deadline with a callback (C12 data model). active is
// true iff the timer is presently linked onto the global timer list.
//
// link must remain the first field: entryHead recovers a *Timer from a
// *list.Head by casting, mirroring pmm.Descriptor's convention.
type Timer struct {
	link      list.Head
	expiresMs uint64
	callback  Callback
	data      interface{}
	active    bool
}

var (
	timers list.List
	lock   sync.Spinlock

	tickCount    uint64
	tickPeriodMs uint64 = 1
)

func entryHead(h *list.Head) *Timer {
	return (*Timer)(unsafe.Pointer(h))
}

// Init prepares the global timer list and records the tick period in
// milliseconds. Must be called once during boot before the first Tick.
func Init(tickPeriodMillis uint64) {
	timers.Init()
	tickPeriodMs = tickPeriodMillis
	atomic.StoreUint64(&tickCount, 0)
}

// Now returns the current monotonic clock value in milliseconds since boot.
func Now() uint64 {
	return atomic.LoadUint64(&tickCount) * tickPeriodMs
}

// NewTimer initializes a Timer with the callback and data it will carry on
// expiration. The timer starts inactive; Add is required to arm it onto
// the global list.
func NewTimer(callback Callback, data interface{}) *Timer {
	return &Timer{callback: callback, data: data}
}

// Arm sets t's expiration to expireMs, a Now()-relative absolute deadline.
// It does not itself add t to the list; callers typically Arm then Add.
func Arm(t *Timer, expireMs uint64) {
	lock.Acquire()
	t.expiresMs = expireMs
	lock.Release()
}

// Add links t onto the global timer list. A no-op if t is already active.
func Add(t *Timer) {
	lock.Acquire()
	defer lock.Release()

	if t.active {
		return
	}
	t.active = true
	timers.PushBack(&t.link)
}

// Remove unlinks t from the global timer list before it fires. A no-op if
// t is not currently active.
func Remove(t *Timer) {
	lock.Acquire()
	defer lock.Release()

	if !t.active {
		return
	}
	list.Remove(&t.link)
	t.active = false
}

// Update resets t's deadline to expireMs without changing its list
// membership.
func Update(t *Timer, expireMs uint64) {
	lock.Acquire()
	t.expiresMs = expireMs
	lock.Release()
}

// Active reports whether t is currently linked onto the global timer list.
func (t *Timer) Active() bool {
	lock.Acquire()
	defer lock.Release()
	return t.active
}

// Tick advances the tick count and expires every timer whose deadline has
// passed, in list-encounter order. Expired timers are unlinked and their
// callbacks collected before the list lock is released, then invoked with
// no timer lock held, so a callback may re-Add itself or any other timer
// without deadlocking.
func Tick() {
	atomic.AddUint64(&tickCount, 1)
	now := Now()

	var expired []*Timer

	lock.Acquire()
	h := timers.Front()
	for h != nil {
		t := entryHead(h)
		nextH := timers.Next(h)
		if t.expiresMs <= now {
			list.Remove(h)
			t.active = false
			expired = append(expired, t)
		}
		h = nextH
	}
	lock.Release()

	for _, t := range expired {
		t.callback(t.data)
	}
}
