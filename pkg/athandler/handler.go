// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package athandler implements a half-duplex AT command/response discipline
// on top of the transparent framing layer.
//
// At most one transaction is in flight. A send takes the transaction gate
// without blocking, transmits, and arms a response timer; each received
// frame is routed to the parser expected next for the transaction. The gate
// is given back once per transaction: after the last response, on timeout,
// on a transport failure or on ResetSendState.
package athandler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/wapilink/pkg/osal"
	"github.com/Thermoquad/wapilink/pkg/uartproto"
)

// Limits and defaults
const (
	MaxCommandResponses     = 4
	MaxTransparentResponses = 4
	CommandMaxLen           = 128

	DefaultCommandTimeout     = 500 * time.Millisecond
	DefaultTransparentTimeout = 2000 * time.Millisecond
)

// Config describes one handler instance.
type Config struct {
	UART uartproto.UART
	// Buffer is the circular receive window written by UART.
	Buffer   []byte
	Commands *Table

	CommandTimeout     time.Duration
	TransparentTimeout time.Duration

	// DriverSendComplete means the driver calls SendComplete when a
	// transmission finishes. Otherwise the handler marks the send complete
	// itself as it hands the bytes to the UART.
	DriverSendComplete bool

	// Framing layer tuning, see uartproto.Config.
	QueueDepth     int
	ParseFailLimit int

	// OnTimeout is called after a transaction expires without its
	// responses.
	OnTimeout func()
	Logger    *logrus.Entry
}

func (c *Config) setDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.TransparentTimeout <= 0 {
		c.TransparentTimeout = DefaultTransparentTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "athandler")
	}
}

// Callbacks is the response chain of a transparent send.
type Callbacks struct {
	Parsers []Parser
	Arg     any
}

// Stats holds transaction counters.
type Stats struct {
	Sent        uint64
	Completed   uint64
	Timeouts    uint64
	NotConsumed uint64
	Unmatched   uint64 // frames with no transaction waiting for them
	ParseErrors uint64
	Resets      uint64
	Framing     uartproto.Statistics
}

// pending is what a transaction waits for: a table command or a
// transparent callback chain.
type pending interface {
	parsers() []Parser
	arg() any
	limit() int
}

type commandSend struct {
	cmd *entry
}

func (c commandSend) parsers() []Parser { return c.cmd.Parsers }
func (c commandSend) arg() any          { return c.cmd.Arg }
func (commandSend) limit() int          { return MaxCommandResponses }

type transparentSend struct {
	fns [MaxTransparentResponses]Parser
	n   int
	a   any
}

func (t *transparentSend) parsers() []Parser { return t.fns[:t.n] }
func (t *transparentSend) arg() any          { return t.a }
func (*transparentSend) limit() int          { return MaxTransparentResponses }

// descriptor travels from the sender to the receive path through the
// single-slot queue.
type descriptor struct {
	txn     uint64
	send    pending
	timeout time.Duration
}

// Handler is one AT command/response handler.
type Handler struct {
	log                *logrus.Entry
	uart               uartproto.UART
	table              *Table
	framing            *uartproto.Proto
	cmdTimeout         time.Duration
	transTimeout       time.Duration
	driverSendComplete bool
	onTimeout          func()

	gate  *osal.Gate
	slot  *osal.Queue[descriptor]
	timer *osal.Timer

	// writeMu serialises use of sendBuf and the UART transmitter.
	writeMu sync.Mutex
	sendBuf []byte
	trans   transparentSend

	mu        sync.Mutex
	started   bool
	closed    bool
	active    bool
	txn       uint64
	armSeq    uint64
	remaining int
	current   descriptor
	stats     Stats
}

// New validates cfg and builds the handler with its framing layer, gate,
// descriptor slot and response timer. The gate starts available.
func New(cfg Config) (*Handler, error) {
	if cfg.UART == nil || cfg.Commands == nil || len(cfg.Buffer) == 0 {
		return nil, ErrInvalidParam
	}
	cfg.setDefaults()

	h := &Handler{
		log:                cfg.Logger,
		uart:               cfg.UART,
		table:              cfg.Commands,
		cmdTimeout:         cfg.CommandTimeout,
		transTimeout:       cfg.TransparentTimeout,
		driverSendComplete: cfg.DriverSendComplete,
		onTimeout:          cfg.OnTimeout,
		gate:               osal.NewGate(),
		slot:               osal.NewQueue[descriptor](1),
		sendBuf:            make([]byte, 0, CommandMaxLen),
	}

	framing, err := uartproto.New(uartproto.Config{
		Buffer:         cfg.Buffer,
		UART:           cfg.UART,
		Algorithm:      uartproto.Transparent{Handle: h.onFrame},
		QueueDepth:     cfg.QueueDepth,
		ParseFailLimit: cfg.ParseFailLimit,
		Logger:         cfg.Logger.WithField("layer", "framing"),
	})
	if err != nil {
		return nil, fmt.Errorf("framing layer: %w", err)
	}
	h.framing = framing
	h.timer = osal.NewTimer(h.expire)
	h.gate.Give()
	return h, nil
}

// Start launches the framing layer dispatch task.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNotReady
	}
	if h.started {
		return ErrAlreadyInitialized
	}
	if err := h.framing.Start(ctx); err != nil {
		return err
	}
	h.started = true
	h.log.Debug("AT handler started")
	return nil
}

// Close stops the timer and the framing layer.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.started = false
	h.mu.Unlock()

	h.timer.Close()
	return h.framing.Close()
}

func (h *Handler) ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Send formats and transmits the command registered under id. Arguments
// must match the template placeholders in number and kind.
func (h *Handler) Send(id uint8, args ...Arg) error {
	if !h.ready() {
		return ErrNotReady
	}
	e, ok := h.table.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrCommandNotFound, id)
	}
	if err := e.check(args); err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.Lock()
	if !h.gate.TryTake() {
		h.stats.NotConsumed++
		h.mu.Unlock()
		h.log.WithField("cmd", id).Warn("Previous AT command not consumed")
		return ErrNotConsumed
	}
	out, ok := e.format(h.sendBuf[:0], args)
	if !ok {
		h.gate.Give()
		h.mu.Unlock()
		return fmt.Errorf("%w: command %d", ErrOverflow, id)
	}
	txn := h.beginLocked(commandSend{cmd: e}, e.ResponseCount, h.cmdTimeout)
	h.mu.Unlock()

	if h.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		h.log.WithFields(logrus.Fields{"cmd": id, "txn": txn}).Debugf("TX %q", out)
	}
	return h.transmit(out, txn, h.cmdTimeout)
}

// SendTransparent transmits data as is. With a nil or empty callback set
// the send is fire-and-forget and the gate is given back right after the
// write; otherwise each response frame goes to the next parser of cb.
func (h *Handler) SendTransparent(data []byte, cb *Callbacks) error {
	if !h.ready() {
		return ErrNotReady
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.Lock()
	if !h.gate.TryTake() {
		h.stats.NotConsumed++
		h.mu.Unlock()
		h.log.Warn("Previous transparent send not consumed")
		return ErrNotConsumed
	}

	if cb == nil || len(cb.Parsers) == 0 {
		h.stats.Sent++
		h.mu.Unlock()
		_, err := h.uart.Write(data)
		h.mu.Lock()
		h.gate.Give()
		h.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return nil
	}

	if len(cb.Parsers) > MaxTransparentResponses {
		h.gate.Give()
		h.mu.Unlock()
		return fmt.Errorf("%w: %d transparent responses (max %d)",
			ErrInvalidParam, len(cb.Parsers), MaxTransparentResponses)
	}
	for i, p := range cb.Parsers {
		if p == nil {
			h.gate.Give()
			h.mu.Unlock()
			return fmt.Errorf("%w: transparent parser %d is nil", ErrInvalidParam, i)
		}
	}

	// The previous transparent transaction, if any, is finished: the gate
	// was available.
	h.trans.n = copy(h.trans.fns[:], cb.Parsers)
	h.trans.a = cb.Arg
	txn := h.beginLocked(&h.trans, h.trans.n, h.transTimeout)
	h.mu.Unlock()

	return h.transmit(data, txn, h.transTimeout)
}

// beginLocked opens a transaction. The gate must be held.
func (h *Handler) beginLocked(p pending, responses int, timeout time.Duration) uint64 {
	h.txn++
	h.active = true
	h.remaining = responses
	h.current = descriptor{txn: h.txn, send: p, timeout: timeout}
	h.stats.Sent++
	h.slot.Drain()
	if !h.driverSendComplete {
		h.slot.TryPut(h.current)
	}
	return h.txn
}

func (h *Handler) transmit(out []byte, txn uint64, timeout time.Duration) error {
	if _, err := h.uart.Write(out); err != nil {
		h.mu.Lock()
		released := h.finishLocked(txn)
		h.mu.Unlock()
		if released {
			h.timer.Stop()
		}
		h.log.WithError(err).Warn("AT transmit failed")
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	h.arm(txn, timeout)
	return nil
}

// arm (re)starts the response timer for txn if it is still open.
func (h *Handler) arm(txn uint64, timeout time.Duration) {
	h.mu.Lock()
	if !h.active || h.txn != txn {
		h.mu.Unlock()
		return
	}
	h.armSeq++
	token := h.armSeq
	h.mu.Unlock()
	h.timer.Start(timeout, token)
}

// finishLocked closes txn and gives the gate back. It reports whether txn
// was the open transaction.
func (h *Handler) finishLocked(txn uint64) bool {
	if !h.active || h.txn != txn {
		return false
	}
	h.active = false
	h.remaining = 0
	h.current = descriptor{}
	h.armSeq++
	h.slot.Drain()
	h.gate.Give()
	return true
}

// SendComplete is the transmit-complete interrupt entry point. It hands the
// open transaction to the receive path.
func (h *Handler) SendComplete() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return
	}
	if !h.slot.TryPut(h.current) {
		h.log.WithField("txn", h.current.txn).Debug("Send info already queued")
	}
}

// onFrame routes one received frame to the parser the open transaction
// expects next.
func (h *Handler) onFrame(resp []byte) {
	if h.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		h.log.Debugf("RX %q", resp)
	}

	d, ok := h.slot.TryGet()
	if !ok {
		h.mu.Lock()
		h.stats.Unmatched++
		h.mu.Unlock()
		h.log.WithField("len", len(resp)).Warn("Received data but no corresponding send info")
		return
	}

	h.mu.Lock()
	if !h.active || d.txn != h.txn {
		h.stats.Unmatched++
		h.mu.Unlock()
		return
	}
	parsers := d.send.parsers()
	idx := len(parsers) - h.remaining
	if idx < 0 || idx >= len(parsers) {
		h.mu.Unlock()
		h.log.WithFields(logrus.Fields{"index": idx, "count": len(parsers)}).Error("Invalid response parser index")
		return
	}
	parse, arg := parsers[idx], d.send.arg()
	h.mu.Unlock()

	if err := parse(resp, arg); err != nil {
		h.mu.Lock()
		h.stats.ParseErrors++
		h.mu.Unlock()
		h.log.WithError(err).WithField("index", idx).Debug("Response rejected by parser")
	}

	h.mu.Lock()
	// The parser may have reset the send state.
	if !h.active || d.txn != h.txn {
		h.mu.Unlock()
		return
	}
	if h.remaining > 0 {
		h.remaining--
	}

	if h.remaining == 0 || h.remaining > d.send.limit() {
		if h.remaining > d.send.limit() {
			h.log.WithField("remaining", h.remaining).Error("Remaining response count out of range, releasing transaction")
		}
		h.finishLocked(d.txn)
		h.stats.Completed++
		h.mu.Unlock()
		h.timer.Stop()
		return
	}

	if !h.slot.TryPut(d) {
		h.finishLocked(d.txn)
		h.mu.Unlock()
		h.timer.Stop()
		h.log.Error("Failed to re-queue send info for next response")
		return
	}
	h.mu.Unlock()
	h.arm(d.txn, d.timeout)
}

// expire is the response timer callback.
func (h *Handler) expire(token uint64) {
	h.mu.Lock()
	if !h.active || token != h.armSeq {
		h.mu.Unlock()
		return
	}
	txn := h.txn
	h.finishLocked(txn)
	h.stats.Timeouts++
	h.mu.Unlock()

	h.log.WithField("txn", txn).Warn("AT response reception timeout")
	if h.onTimeout != nil {
		h.onTimeout()
	}
}

// ResetSendState abandons the open transaction, gives the gate back and
// resets the receive state. It is safe to call with nothing in flight.
func (h *Handler) ResetSendState() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	if h.active {
		h.finishLocked(h.txn)
	} else {
		h.slot.Drain()
	}
	h.stats.Resets++
	h.mu.Unlock()

	h.timer.Stop()
	h.framing.Reset()
	h.log.Debug("AT handler send state reset")
}

// NotifyRecv is the receive interrupt entry point.
func (h *Handler) NotifyRecv() {
	h.framing.Notify()
}

// ErrorRecv is the receive error interrupt entry point.
func (h *Handler) ErrorRecv() {
	h.framing.Reset()
}

// Busy reports whether a transaction is open.
func (h *Handler) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Stats returns a snapshot of the transaction and framing counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	s := h.stats
	h.mu.Unlock()
	s.Framing = h.framing.Stats()
	return s
}
