// Package list implements an intrusive doubly-linked list. Unlike
// container/list, the list head is embedded directly inside the owning
// struct so insertion and removal never allocate; this is required for use
// before the kernel's own allocators (C6/C7) come online.
package list

// Head is embedded in any struct that needs to participate in a list.
// The zero value is an empty, unlinked head.
type Head struct {
	next, prev *Head
}

// List is a circular, intrusive doubly-linked list with a sentinel root
// node so insert/remove never need to special-case the empty list.
type List struct {
	root Head
}

// Init (re-)initializes an empty list. Must be called before first use.
func (l *List) Init() *List {
	l.root.next = &l.root
	l.root.prev = &l.root
	return l
}

// Empty returns true if the list has no entries.
func (l *List) Empty() bool {
	return l.root.next == &l.root
}

// Front returns the first entry's head, or nil if the list is empty.
func (l *List) Front() *Head {
	if l.Empty() {
		return nil
	}
	return l.root.next
}

// Back returns the last entry's head, or nil if the list is empty.
func (l *List) Back() *Head {
	if l.Empty() {
		return nil
	}
	return l.root.prev
}

// PushFront links h as the new first entry.
func (l *List) PushFront(h *Head) {
	insertAfter(h, &l.root)
}

// PushBack links h as the new last entry.
func (l *List) PushBack(h *Head) {
	insertAfter(h, l.root.prev)
}

// Remove unlinks h from whichever list it belongs to. Safe to call on an
// already-unlinked head (a no-op).
func Remove(h *Head) {
	if h.next == nil {
		return
	}
	h.prev.next = h.next
	h.next.prev = h.prev
	h.next = nil
	h.prev = nil
}

// Linked returns true if h is currently part of a list.
func Linked(h *Head) bool {
	return h.next != nil
}

// Next returns the entry after h, or nil if h is the last entry or h is the
// list sentinel's neighbour wrapping around.
func (l *List) Next(h *Head) *Head {
	if h.next == &l.root {
		return nil
	}
	return h.next
}

// Prev returns the entry before h, or nil if h is the first entry.
func (l *List) Prev(h *Head) *Head {
	if h.prev == &l.root {
		return nil
	}
	return h.prev
}

func insertAfter(h, at *Head) {
	h.prev = at
	h.next = at.next
	at.next.prev = h
	at.next = h
}
