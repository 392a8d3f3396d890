// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package osal

import (
	"context"
	"time"
)

// Gate is a binary semaphore used for hand-off signalling. It holds at most
// one token; giving an already given gate has no effect.
type Gate struct {
	c chan struct{}
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{c: make(chan struct{}, 1)}
}

// Give releases the gate. It never blocks and reports whether a token was
// added.
func (g *Gate) Give() bool {
	select {
	case g.c <- struct{}{}:
		return true
	default:
		return false
	}
}

// TryTake takes the token if it is available.
func (g *Gate) TryTake() bool {
	select {
	case <-g.c:
		return true
	default:
		return false
	}
}

// Take waits up to timeout for the token. WaitForever waits until ctx ends.
func (g *Gate) Take(ctx context.Context, timeout time.Duration) error {
	_, err := wait(ctx, g.c, timeout)
	return err
}

// Available reports whether the token is currently held by the gate.
func (g *Gate) Available() bool {
	return len(g.c) == 1
}
