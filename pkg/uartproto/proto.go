// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package uartproto turns the bytes a UART writes into a circular receive
// buffer into frames and hands them to a background dispatch task.
//
// The producer side is Notify, called from the driver's receive interrupt
// (idle line or half transfer). It tracks the DMA write position through
// four counters, linearises wrapped regions into a scratch buffer and runs
// the active Algorithm over the pending bytes. Complete frames are copied
// into preallocated slots and posted to a bounded queue; the dispatch task
// drains the queue and calls the subscribers. Nothing on the Notify path
// allocates or blocks.
package uartproto

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/wapilink/pkg/arena"
	"github.com/Thermoquad/wapilink/pkg/funcode"
	"github.com/Thermoquad/wapilink/pkg/osal"
)

// Defaults
const (
	DefaultQueueDepth     = 4
	DefaultParseFailLimit = 3
	DefaultMaxSubscribers = 16
)

// Config describes one framing layer instance.
type Config struct {
	// Buffer is the circular receive window the UART writes into.
	Buffer []byte
	UART   UART
	// Algorithm is the initial frame algorithm.
	Algorithm Algorithm
	// QueueDepth bounds the frames waiting for dispatch.
	QueueDepth int
	// ParseFailLimit is the number of consecutive notifications that
	// deliver bytes without producing a frame before the receive state is
	// reset.
	ParseFailLimit int
	MaxSubscribers int
	Logger         *logrus.Entry
}

func (c *Config) setDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.ParseFailLimit <= 0 {
		c.ParseFailLimit = DefaultParseFailLimit
	}
	if c.MaxSubscribers <= 0 {
		c.MaxSubscribers = DefaultMaxSubscribers
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "uartproto")
	}
}

func (c *Config) validate() error {
	if len(c.Buffer) == 0 {
		return fmt.Errorf("%w: empty receive buffer", ErrInvalidParam)
	}
	if c.UART == nil {
		return fmt.Errorf("%w: missing UART", ErrInvalidParam)
	}
	if !validAlgorithm(c.Algorithm) {
		return fmt.Errorf("%w: invalid algorithm", ErrInvalidParam)
	}
	return nil
}

type lifecycle int

const (
	stateCreated lifecycle = iota
	stateRunning
	stateClosed
)

// frame is one queued unit of work for the dispatch task.
type frame struct {
	code        uint8
	payload     []byte
	transparent Handler // non-nil when produced by the transparent algorithm
}

// Proto is one framing layer instance.
type Proto struct {
	log   *logrus.Entry
	uart  UART
	buf   []byte
	size  int
	limit int

	mu          sync.Mutex
	state       lifecycle
	algo        Algorithm
	header      uint32
	tail        uint32
	dataCounter int
	parseFails  int
	scratch     []byte
	slots       [][]byte
	nextSlot    int
	subs        *arena.Arena[uint8, Handler]
	stats       Statistics

	queue   *osal.Queue[frame]
	matched []Handler // dispatch task only
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates cfg, preallocates every buffer the receive path needs and
// initialises the UART. The dispatch task starts with Start.
func New(cfg Config) (*Proto, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	size := len(cfg.Buffer)
	p := &Proto{
		log:     cfg.Logger,
		uart:    cfg.UART,
		buf:     cfg.Buffer,
		size:    size,
		limit:   cfg.ParseFailLimit,
		algo:    cfg.Algorithm,
		scratch: make([]byte, size),
		slots:   make([][]byte, cfg.QueueDepth+2),
		subs:    arena.New[uint8, Handler](cfg.MaxSubscribers),
		stats:   newStatistics(),
		queue:   osal.NewQueue[frame](cfg.QueueDepth),
		matched: make([]Handler, 0, cfg.MaxSubscribers),
		done:    make(chan struct{}),
	}
	for i := range p.slots {
		p.slots[i] = make([]byte, size)
	}

	if err := p.uart.Init(); err != nil {
		return nil, fmt.Errorf("uart init: %w", err)
	}
	return p, nil
}

// Start arms the receive counter and launches the dispatch task. The task
// runs until ctx ends or Close is called.
func (p *Proto) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case stateRunning:
		p.mu.Unlock()
		return ErrAlreadyInitialized
	case stateClosed:
		p.mu.Unlock()
		return ErrNotReady
	}
	p.armLocked()
	ctx, p.cancel = context.WithCancel(ctx)
	p.state = stateRunning
	p.mu.Unlock()

	go p.dispatchLoop(ctx)
	p.log.Debug("Framing layer started")
	return nil
}

// Close stops the dispatch task and deinitialises the UART.
func (p *Proto) Close() error {
	p.mu.Lock()
	prev := p.state
	p.state = stateClosed
	cancel := p.cancel
	p.mu.Unlock()

	if prev == stateClosed {
		return nil
	}
	if cancel != nil {
		cancel()
		<-p.done
	}
	return p.uart.Deinit()
}

// Notify processes the bytes written since the previous call. It is the
// receive interrupt entry point and never blocks.
func (p *Proto) Notify() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateRunning {
		return
	}

	size := p.size
	prev := int(p.tail % uint32(size))
	cur := size - p.uart.RemainingCount()
	if cur < 0 || cur >= size {
		cur = ((cur % size) + size) % size
	}
	length := (cur - prev + size) % size

	p.header += uint32((cur - p.dataCounter + size) % size)
	if p.header == p.tail {
		return
	}

	p.stats.Notifications++
	p.parseFails++

	if p.header-p.tail >= uint32(size) {
		p.stats.Overruns++
		p.log.WithFields(logrus.Fields{
			"header": p.header,
			"tail":   p.tail,
		}).Warn("Receive buffer overrun, resetting state")
		p.resetLocked()
		return
	}

	p.dataCounter = cur

	var window []byte
	if length > 0 {
		if prev <= cur || cur == 0 {
			window = p.buf[prev : prev+length]
		} else {
			n := copy(p.scratch, p.buf[prev:])
			n += copy(p.scratch[n:], p.buf[:cur])
			window = p.scratch[:n]
		}
	}

	var used int
	switch a := p.algo.(type) {
	case FunctionCode:
		parse := a.Parse
		if parse == nil {
			parse = funcode.Parse
		}
		used = p.scanFunctionCode(parse, window)
	case Transparent:
		used = p.passTransparent(a.Handle, window)
	}
	p.tail += uint32(used)

	if p.parseFails >= p.limit {
		p.stats.ParseResets++
		p.log.WithField("notifications", p.parseFails).Warn("No frame decoded, resetting receive state")
		p.resetLocked()
	}
}

// scanFunctionCode runs parse over window until it needs more bytes. It
// returns the number of bytes consumed.
func (p *Proto) scanFunctionCode(parse ParseFunc, window []byte) int {
	used := 0
	for used < len(window) {
		status, info := parse(window[used:])

		switch status {
		case funcode.StatusOK:
			start := used + info.Pre
			end := start + info.Payload
			if info.Pre < 0 || info.Payload < 0 || end > len(window) {
				p.stats.Discarded += uint64(len(window) - used)
				return len(window)
			}
			p.parseFails = 0
			p.post(frame{code: info.Code}, window[start:end])
		case funcode.StatusErrCRC:
			p.stats.CRCErrors++
		case funcode.StatusErrLength:
			p.stats.LengthErrors++
		case funcode.StatusErrNoise:
			p.stats.NoiseBytes += uint64(info.Consumed())
		case funcode.StatusErrOther:
			p.stats.Discarded += uint64(len(window) - used)
			return len(window)
		default:
			return used
		}

		n := info.Consumed()
		if n <= 0 {
			n = 1
		}
		if used+n > len(window) {
			n = len(window) - used
		}
		used += n
	}
	return used
}

func (p *Proto) passTransparent(h Handler, window []byte) int {
	p.parseFails = 0
	if len(window) > 0 {
		p.post(frame{transparent: h}, window)
	}
	return len(window)
}

// post copies payload into the next free slot and queues it.
func (p *Proto) post(f frame, payload []byte) {
	slot := p.slots[p.nextSlot]
	f.payload = slot[:copy(slot, payload)]
	if !p.queue.TryPut(f) {
		p.stats.Dropped++
		p.log.WithField("len", len(payload)).Warn("Dispatch queue full, frame dropped")
		return
	}
	p.nextSlot = (p.nextSlot + 1) % len(p.slots)
	p.stats.Frames++
}

func (p *Proto) dispatchLoop(ctx context.Context) {
	defer close(p.done)
	for {
		f, err := p.queue.Get(ctx, osal.WaitForever)
		if err != nil {
			return
		}
		p.dispatch(f)
	}
}

func (p *Proto) dispatch(f frame) {
	if f.transparent != nil {
		f.transparent(f.payload)
		p.mu.Lock()
		p.stats.Delivered++
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	matched := p.matched[:0]
	p.subs.Ascend(func(code uint8, h Handler) bool {
		if code > f.code {
			return false
		}
		if code == f.code {
			matched = append(matched, h)
		}
		return true
	})
	p.matched = matched
	p.stats.Delivered += uint64(len(matched))
	p.mu.Unlock()

	if len(matched) == 0 && p.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		p.log.WithField("code", f.code).Debug("No subscriber for frame")
	}
	for _, h := range matched {
		h(f.payload)
	}
}

// Reset discards all pending receive state and re-arms the UART counter.
func (p *Proto) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return
	}
	p.resetLocked()
}

func (p *Proto) resetLocked() {
	p.stats.Resets++
	p.armLocked()
}

func (p *Proto) armLocked() {
	p.header, p.tail, p.dataCounter, p.parseFails = 0, 0, 0, 0
	p.uart.SetRemainingCount(p.size)
}

// Subscribe registers h for frames carrying code. Handlers for the same
// code run in subscription order.
func (p *Proto) Subscribe(code uint8, h Handler) (arena.Handle, error) {
	if h == nil {
		return arena.Handle{}, ErrInvalidParam
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateClosed {
		return arena.Handle{}, ErrNotReady
	}
	if _, ok := p.algo.(FunctionCode); !ok {
		return arena.Handle{}, ErrAlgorithmType
	}
	handle, err := p.subs.Insert(code, h)
	if err != nil {
		return arena.Handle{}, fmt.Errorf("subscribe 0x%02X: %w", code, err)
	}
	return handle, nil
}

// Unsubscribe removes the subscription identified by handle.
func (p *Proto) Unsubscribe(handle arena.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateClosed {
		return ErrNotReady
	}
	if _, ok := p.algo.(FunctionCode); !ok {
		return ErrAlgorithmType
	}
	if _, err := p.subs.Remove(handle); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParam, err)
	}
	return nil
}

// SetAlgorithm switches the frame algorithm. Frames already queued are
// dispatched with the algorithm that produced them.
func (p *Proto) SetAlgorithm(a Algorithm) error {
	if !validAlgorithm(a) {
		return ErrInvalidParam
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateClosed {
		return ErrNotReady
	}
	p.algo = a
	return nil
}

// Stats returns a snapshot of the receive counters.
func (p *Proto) Stats() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
