// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package arena holds a fixed-capacity ordered set of records addressed by
// stable handles.
//
// Records live in a preallocated slot array threaded into a circular,
// doubly-linked list through slot indices. Slot 0 is the sentinel. Records
// are kept in ascending key order; records with equal keys keep their
// insertion order. Removal by handle is O(1) and never allocates.
package arena

import (
	"cmp"
	"errors"
)

var (
	// ErrFull is returned by Insert when every slot is in use.
	ErrFull = errors.New("arena: full")
	// ErrStaleHandle is returned for handles whose record was already removed.
	ErrStaleHandle = errors.New("arena: stale handle")
)

// Handle identifies one inserted record. The zero Handle is never valid.
type Handle struct {
	index int
	gen   uint32
}

// Valid reports whether h was ever returned by Insert.
func (h Handle) Valid() bool { return h.index > 0 }

type slot[K cmp.Ordered, V any] struct {
	prev, next int
	gen        uint32
	used       bool
	key        K
	val        V
}

// Arena is an ordered, fixed-capacity record set. It is not safe for
// concurrent use; callers guard it with their own lock.
type Arena[K cmp.Ordered, V any] struct {
	slots []slot[K, V]
	free  []int
	n     int
}

// New creates an arena holding up to capacity records.
func New[K cmp.Ordered, V any](capacity int) *Arena[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	a := &Arena[K, V]{
		slots: make([]slot[K, V], capacity+1),
		free:  make([]int, 0, capacity),
	}
	for i := capacity; i >= 1; i-- {
		a.free = append(a.free, i)
	}
	return a
}

// Insert adds v under key and returns its handle.
func (a *Arena[K, V]) Insert(key K, v V) (Handle, error) {
	if len(a.free) == 0 {
		return Handle{}, ErrFull
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	// Walk past every record whose key is <= key.
	at := a.slots[0].next
	for at != 0 && a.slots[at].key <= key {
		at = a.slots[at].next
	}
	prev := a.slots[at].prev

	s := &a.slots[idx]
	s.gen++
	s.used = true
	s.key = key
	s.val = v
	s.prev = prev
	s.next = at
	a.slots[prev].next = idx
	a.slots[at].prev = idx
	a.n++

	return Handle{index: idx, gen: s.gen}, nil
}

// Remove unlinks the record identified by h and returns its value.
func (a *Arena[K, V]) Remove(h Handle) (V, error) {
	var zero V
	if h.index <= 0 || h.index >= len(a.slots) {
		return zero, ErrStaleHandle
	}
	s := &a.slots[h.index]
	if !s.used || s.gen != h.gen {
		return zero, ErrStaleHandle
	}

	a.slots[s.prev].next = s.next
	a.slots[s.next].prev = s.prev
	v := s.val
	s.used = false
	s.val = zero
	s.prev, s.next = 0, 0
	a.free = append(a.free, h.index)
	a.n--
	return v, nil
}

// Get returns the record identified by h.
func (a *Arena[K, V]) Get(h Handle) (K, V, bool) {
	var (
		k K
		v V
	)
	if h.index <= 0 || h.index >= len(a.slots) {
		return k, v, false
	}
	s := &a.slots[h.index]
	if !s.used || s.gen != h.gen {
		return k, v, false
	}
	return s.key, s.val, true
}

// Ascend calls fn for each record in key order until fn returns false.
// It reports whether the walk reached the end. fn must not modify the arena.
func (a *Arena[K, V]) Ascend(fn func(key K, v V) bool) bool {
	for at := a.slots[0].next; at != 0; at = a.slots[at].next {
		if !fn(a.slots[at].key, a.slots[at].val) {
			return false
		}
	}
	return true
}

// Len returns the number of records.
func (a *Arena[K, V]) Len() int { return a.n }

// Cap returns the maximum number of records.
func (a *Arena[K, V]) Cap() int { return len(a.slots) - 1 }
