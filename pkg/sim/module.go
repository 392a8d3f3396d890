// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim emulates an M0804C module on the far side of a DMA ring.
//
// The module consumes the AT lines written to it and answers with the
// texts the real module sends, one receive burst per reply line. Rules
// override replies per command prefix so tests can script timeouts,
// failures and socket faults.
package sim

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/wapilink/pkg/dmaring"
)

// Module replies
const (
	ReplyOK          = "+OK\r\n"
	ReplyErr         = "+ERR\r\n"
	ReplyLinkUp      = "WAPI STATUS IS 1\r\n"
	ReplyLinkDown    = "WAPI STATUS IS 0\r\n"
	ReplyTCPAlive    = "tcp alive\r\n"
	ReplyReboot      = "Chip reboot\r\n"
	ReplyUploadStart = "Start recv\r\n"
	ReplySent        = "+NSEND OK\r\n"
	ReplySocketFault = "[ERR] Socket not in use!\r\n"
	ReplyVersion     = "M0804C V1.0.3\r\n+OK\r\n"
)

// Rule overrides the replies to commands starting with Prefix. A rule
// with no replies swallows the command.
type Rule struct {
	Prefix  string
	Replies []string
}

// Config tunes a module.
type Config struct {
	// Latency is waited before each reply line.
	Latency time.Duration
	// Settle is waited by Open and Close.
	Settle time.Duration
	Logger *logrus.Entry
}

// Stats counts module activity.
type Stats struct {
	Commands int
	Segments int
	Opens    int
	Closes   int
}

type reply struct {
	lines []string
}

// Module is a scripted M0804C.
type Module struct {
	cfg Config
	log *logrus.Entry

	mu        sync.Mutex
	ring      *dmaring.Ring
	rules     []Rule
	powered   bool
	uploading bool
	fault     bool
	commands  []string
	segments  [][]byte
	stats     Stats

	out  chan reply
	done chan struct{}
	once sync.Once
}

// New creates a powered-off module and starts its reply task.
func New(cfg Config) *Module {
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "sim")
	}
	m := &Module{
		cfg:  cfg,
		log:  cfg.Logger,
		out:  make(chan reply, 16),
		done: make(chan struct{}),
	}
	go m.loop()
	return m
}

// Attach sets the ring replies are fed into.
func (m *Module) Attach(r *dmaring.Ring) {
	m.mu.Lock()
	m.ring = r
	m.mu.Unlock()
}

// Stop ends the reply task.
func (m *Module) Stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *Module) loop() {
	for {
		select {
		case r := <-m.out:
			for _, line := range r.lines {
				if m.cfg.Latency > 0 {
					select {
					case <-time.After(m.cfg.Latency):
					case <-m.done:
						return
					}
				}
				m.mu.Lock()
				ring := m.ring
				m.mu.Unlock()
				if ring != nil {
					ring.Feed([]byte(line))
				}
			}
		case <-m.done:
			return
		}
	}
}

// Open powers the module up.
func (m *Module) Open(ctx context.Context) error {
	if err := m.settle(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.powered = true
	m.uploading = false
	m.stats.Opens++
	m.mu.Unlock()
	return nil
}

// Close powers the module down.
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	m.powered = false
	m.stats.Closes++
	m.mu.Unlock()
	return m.settle(ctx)
}

func (m *Module) settle(ctx context.Context) error {
	if m.cfg.Settle <= 0 {
		return nil
	}
	t := time.NewTimer(m.cfg.Settle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Powered reports the supply state.
func (m *Module) Powered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powered
}

// SetRule installs or replaces the rule for prefix.
func (m *Module) SetRule(prefix string, replies ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].Prefix == prefix {
			m.rules[i].Replies = replies
			return
		}
	}
	m.rules = append(m.rules, Rule{Prefix: prefix, Replies: replies})
}

// Drop makes the module ignore commands starting with prefix.
func (m *Module) Drop(prefix string) {
	m.SetRule(prefix)
}

// ClearRules restores the default replies.
func (m *Module) ClearRules() {
	m.mu.Lock()
	m.rules = nil
	m.mu.Unlock()
}

// SetSocketFault makes data sends fail with a socket fault.
func (m *Module) SetSocketFault(on bool) {
	m.mu.Lock()
	m.fault = on
	m.mu.Unlock()
}

// Commands returns the AT lines received so far.
func (m *Module) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Segments returns the raw certificate segments received so far.
func (m *Module) Segments() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.segments))
	for i, s := range m.segments {
		out[i] = append([]byte(nil), s...)
	}
	return out
}

// Stats returns the activity counters.
func (m *Module) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Write receives bytes from the host.
func (m *Module) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.powered {
		return len(p), nil
	}

	if m.uploading && !bytes.HasPrefix(p, []byte("AT")) {
		m.segments = append(m.segments, append([]byte(nil), p...))
		m.stats.Segments++
		m.queue(ReplyOK)
		return len(p), nil
	}
	m.uploading = false

	cmd := string(p)
	m.commands = append(m.commands, cmd)
	m.stats.Commands++
	if m.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		m.log.Debugf("RX %q", cmd)
	}

	if lines, ok := m.ruleFor(cmd); ok {
		m.queue(lines...)
		return len(p), nil
	}
	m.queue(m.answer(cmd)...)
	return len(p), nil
}

func (m *Module) ruleFor(cmd string) ([]string, bool) {
	best := -1
	for i, r := range m.rules {
		if strings.HasPrefix(cmd, r.Prefix) && (best < 0 || len(r.Prefix) > len(m.rules[best].Prefix)) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	return m.rules[best].Replies, true
}

// answer returns the default reply lines for cmd.
func (m *Module) answer(cmd string) []string {
	switch {
	case cmd == "AT\r\n":
		return []string{ReplyOK}
	case cmd == "ATI\r\n":
		return []string{ReplyVersion}
	case cmd == "AT+REBOOT\r\n":
		return []string{ReplyReboot}
	case cmd == "AT+WAPICT=?\r\n":
		return []string{ReplyLinkUp}
	case cmd == "AT+UPCERT=?\r\n":
		return []string{ReplyOK}
	case strings.HasPrefix(cmd, "AT+UPCERT="):
		m.uploading = true
		return []string{ReplyUploadStart}
	case strings.HasPrefix(cmd, "AT+NCRECLNT="):
		return []string{ReplyOK + ReplyTCPAlive}
	case strings.HasPrefix(cmd, "AT+NSEND,"):
		if m.fault {
			return []string{ReplySocketFault}
		}
		return []string{ReplyOK, ReplySent}
	case strings.HasPrefix(cmd, "AT+NRECV,"):
		if m.fault {
			return []string{ReplySocketFault}
		}
		return []string{ReplyOK}
	case strings.HasPrefix(cmd, "AT+"):
		return []string{ReplyOK}
	default:
		return []string{ReplyErr}
	}
}

// queue schedules reply lines. It never blocks; a full reply queue loses
// the lines like an overrun module would.
func (m *Module) queue(lines ...string) {
	if len(lines) == 0 {
		return
	}
	select {
	case m.out <- reply{lines: lines}:
	default:
		m.log.Warn("Reply queue full, dropping reply")
	}
}
