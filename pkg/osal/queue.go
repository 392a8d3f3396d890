// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package osal

import (
	"context"
	"time"
)

// Queue is a bounded FIFO with a capacity fixed at creation.
type Queue[T any] struct {
	c chan T
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{c: make(chan T, capacity)}
}

// TryPut enqueues v without blocking. It returns false when the queue is full.
func (q *Queue[T]) TryPut(v T) bool {
	select {
	case q.c <- v:
		return true
	default:
		return false
	}
}

// TryGet dequeues without blocking.
func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case v := <-q.c:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Get waits up to timeout for an item. WaitForever waits until ctx ends.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, error) {
	return wait(ctx, q.c, timeout)
}

// Drain discards every queued item and returns how many were dropped.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case <-q.c:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.c) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.c) }
