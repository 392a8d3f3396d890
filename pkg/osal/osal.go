// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package osal provides the small set of kernel primitives the protocol
// layers are written against: a binary gate, a bounded queue, a restartable
// one-shot timer and a cancellable delay.
package osal

import (
	"context"
	"errors"
	"time"
)

// WaitForever makes a blocking call wait until its context ends.
const WaitForever time.Duration = -1

// ErrTimeout is returned when a blocking take or get runs out of time.
var ErrTimeout = errors.New("osal: timeout")

// Delay suspends the calling task for d or until ctx ends.
func Delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait blocks on c for up to timeout. A zero timeout polls once.
func wait[T any](ctx context.Context, c <-chan T, timeout time.Duration) (T, error) {
	var zero T
	if timeout == 0 {
		select {
		case v := <-c:
			return v, nil
		default:
			return zero, ErrTimeout
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case v := <-c:
		return v, nil
	case <-expired:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
