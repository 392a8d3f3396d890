// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package osal

import (
	"sync"
	"time"
)

type timerArm struct {
	d     time.Duration
	token uint64
}

// Timer is a restartable one-shot timer. A single goroutine and a single
// time.Timer serve every restart. The callback receives the token given to
// the Start call that armed the expiry, so a late expiry can be told apart
// from the current one. The callback runs on its own goroutine and may
// restart the timer.
type Timer struct {
	fn     func(token uint64)
	arm    chan timerArm
	disarm chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewTimer creates a disarmed timer calling fn on expiry.
func NewTimer(fn func(token uint64)) *Timer {
	t := &Timer{
		fn:     fn,
		arm:    make(chan timerArm),
		disarm: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *Timer) loop() {
	tm := time.NewTimer(time.Hour)
	tm.Stop()
	var token uint64
	for {
		select {
		case a := <-t.arm:
			token = a.token
			tm.Reset(a.d)
		case <-t.disarm:
			tm.Stop()
		case <-tm.C:
			go t.fn(token)
		case <-t.done:
			tm.Stop()
			return
		}
	}
}

// Start (re)arms the timer to fire after d with the given token.
func (t *Timer) Start(d time.Duration, token uint64) {
	select {
	case t.arm <- timerArm{d: d, token: token}:
	case <-t.done:
	}
}

// Stop disarms the timer. Stopping a disarmed timer is a no-op.
func (t *Timer) Stop() {
	select {
	case t.disarm <- struct{}{}:
	case <-t.done:
	}
}

// Close stops the timer goroutine. The timer must not be used afterwards.
func (t *Timer) Close() {
	t.once.Do(func() { close(t.done) })
}
