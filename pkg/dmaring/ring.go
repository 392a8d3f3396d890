// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package dmaring emulates a UART receiver running a circular DMA channel.
//
// Bytes read from a link are written into a fixed ring while a remaining
// counter counts down to zero and reloads, exactly as the peripheral's
// transfer counter does. After every chunk of at most half the ring the
// idle hook fires, standing in for the idle-line and half-transfer
// interrupts.
package dmaring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Write after Deinit.
var ErrClosed = errors.New("dmaring: closed")

// Stats holds ring traffic counters.
type Stats struct {
	BytesIn    uint64
	BytesOut   uint64
	ReadErrors uint64
}

// Ring is a software DMA receive ring. It satisfies uartproto.UART.
type Ring struct {
	buf       []byte
	size      int
	chunk     int
	remaining atomic.Int64
	w         io.Writer
	log       *logrus.Entry

	hookMu         sync.RWMutex
	onIdle         func()
	onError        func()
	onSendComplete func()

	feedMu   sync.Mutex
	writeMu  sync.Mutex
	open     atomic.Bool
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	readErrs atomic.Uint64
}

// New creates a ring of size bytes transmitting through w.
func New(size int, w io.Writer) *Ring {
	if size < 2 {
		size = 2
	}
	r := &Ring{
		buf:   make([]byte, size),
		size:  size,
		chunk: size / 2,
		w:     w,
		log:   logrus.WithField("component", "dmaring"),
	}
	r.remaining.Store(int64(size))
	return r
}

// SetLogger replaces the ring logger.
func (r *Ring) SetLogger(l *logrus.Entry) {
	if l != nil {
		r.log = l
	}
}

// Buffer returns the receive ring the framing layer parses.
func (r *Ring) Buffer() []byte { return r.buf }

// OnIdle sets the hook raised after each received chunk.
func (r *Ring) OnIdle(fn func()) {
	r.hookMu.Lock()
	r.onIdle = fn
	r.hookMu.Unlock()
}

// OnError sets the hook raised when the link reports a receive error.
func (r *Ring) OnError(fn func()) {
	r.hookMu.Lock()
	r.onError = fn
	r.hookMu.Unlock()
}

// OnSendComplete sets the hook raised after each completed Write.
func (r *Ring) OnSendComplete(fn func()) {
	r.hookMu.Lock()
	r.onSendComplete = fn
	r.hookMu.Unlock()
}

func (r *Ring) hook(which *func()) func() {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return *which
}

// Init enables the receiver.
func (r *Ring) Init() error {
	r.open.Store(true)
	return nil
}

// Deinit disables the receiver. Fed bytes are dropped afterwards.
func (r *Ring) Deinit() error {
	r.open.Store(false)
	return nil
}

// Write transmits p and raises the send-complete hook.
func (r *Ring) Write(p []byte) (int, error) {
	if !r.open.Load() {
		return 0, ErrClosed
	}
	r.writeMu.Lock()
	n, err := r.w.Write(p)
	r.writeMu.Unlock()
	r.bytesOut.Add(uint64(n))
	if err != nil {
		return n, err
	}
	if fn := r.hook(&r.onSendComplete); fn != nil {
		fn()
	}
	return n, nil
}

// RemainingCount returns the bytes left before the ring wraps.
func (r *Ring) RemainingCount() int {
	return int(r.remaining.Load())
}

// SetRemainingCount re-arms the transfer counter. Values outside 1..size
// reload the full ring.
func (r *Ring) SetRemainingCount(n int) {
	if n <= 0 || n > r.size {
		n = r.size
	}
	r.remaining.Store(int64(n))
}

// Feed stores received bytes in the ring, raising the idle hook after each
// chunk.
func (r *Ring) Feed(p []byte) {
	if !r.open.Load() {
		return
	}
	r.feedMu.Lock()
	defer r.feedMu.Unlock()

	idle := r.hook(&r.onIdle)
	for len(p) > 0 {
		n := min(len(p), r.chunk)
		for _, b := range p[:n] {
			rem := int(r.remaining.Load())
			r.buf[r.size-rem] = b
			rem--
			if rem == 0 {
				rem = r.size
			}
			r.remaining.Store(int64(rem))
		}
		r.bytesIn.Add(uint64(n))
		p = p[n:]
		if idle != nil {
			idle()
		}
	}
}

// Pump reads from src and feeds the ring until ctx ends or src fails. A
// read error raises the error hook before Pump returns it. io.EOF ends the
// pump without error.
func (r *Ring) Pump(ctx context.Context, src io.Reader) error {
	buf := make([]byte, r.chunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			r.Feed(buf[:n])
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		r.readErrs.Add(1)
		r.log.WithError(err).Warn("Receive error")
		if fn := r.hook(&r.onError); fn != nil {
			fn()
		}
		return fmt.Errorf("pump: %w", err)
	}
}

// Stats returns the traffic counters.
func (r *Ring) Stats() Stats {
	return Stats{
		BytesIn:    r.bytesIn.Load(),
		BytesOut:   r.bytesOut.Load(),
		ReadErrors: r.readErrs.Load(),
	}
}
