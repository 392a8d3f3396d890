// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package athandler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/wapilink/pkg/dmaring"
)

const (
	cmdTest uint8 = iota + 1
	cmdPair
	cmdSilent
	cmdIP
)

// modem answers written commands through a DMA ring, one frame per reply.
type modem struct {
	ring *dmaring.Ring

	mu      sync.Mutex
	writes  []string
	replies map[string][]string
	failTx  bool
}

func (m *modem) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTx {
		return 0, errors.New("tx fault")
	}
	cmd := string(p)
	m.writes = append(m.writes, cmd)
	if replies, ok := m.replies[cmd]; ok {
		go func() {
			for _, r := range replies {
				time.Sleep(5 * time.Millisecond)
				m.ring.Feed([]byte(r))
			}
		}()
	}
	return len(p), nil
}

func (m *modem) written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}

type recorder struct {
	mu   sync.Mutex
	got  []string
	seen chan string
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan string, 16)}
}

func (r *recorder) parser(tag string) Parser {
	return func(resp []byte, arg any) error {
		r.mu.Lock()
		r.got = append(r.got, tag+":"+string(resp))
		r.mu.Unlock()
		r.seen <- tag
		return nil
	}
}

func (r *recorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case s := <-r.seen:
		return s
	case <-time.After(time.Second):
		t.Fatal("parser not called")
		return ""
	}
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

type fixture struct {
	h        *Handler
	modem    *modem
	ring     *dmaring.Ring
	rec      *recorder
	hook     *test.Hook
	timeouts chan struct{}
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		modem:    &modem{replies: map[string][]string{}},
		rec:      newRecorder(),
		timeouts: make(chan struct{}, 8),
	}
	f.ring = dmaring.New(256, f.modem)
	f.modem.ring = f.ring

	table, err := NewTable(
		Command{ID: cmdTest, Template: "AT\r\n", ResponseCount: 1, Parsers: []Parser{f.rec.parser("test")}},
		Command{ID: cmdPair, Template: "AT+PAIR\r\n", ResponseCount: 2,
			Parsers: []Parser{f.rec.parser("first"), f.rec.parser("second")}},
		Command{ID: cmdSilent, Template: "AT+SILENT\r\n", ResponseCount: 1, Parsers: []Parser{f.rec.parser("silent")}},
		Command{ID: cmdIP, Template: "AT+IP=%s,%d\r\n", ResponseCount: 1, Parsers: []Parser{f.rec.parser("ip")}},
	)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f.hook = hook

	cfg := Config{
		UART:               f.ring,
		Buffer:             f.ring.Buffer(),
		Commands:           table,
		CommandTimeout:     80 * time.Millisecond,
		TransparentTimeout: 80 * time.Millisecond,
		OnTimeout:          func() { f.timeouts <- struct{}{} },
		Logger:             logrus.NewEntry(logger),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f.h, err = New(cfg)
	require.NoError(t, err)
	f.ring.OnIdle(f.h.NotifyRecv)
	require.NoError(t, f.h.Start(context.Background()))
	t.Cleanup(func() { _ = f.h.Close() })
	return f
}

func (f *fixture) reply(cmd string, replies ...string) {
	f.modem.mu.Lock()
	f.modem.replies[cmd] = replies
	f.modem.mu.Unlock()
}

func (f *fixture) idle(t *testing.T) {
	t.Helper()
	assert.Eventually(t, func() bool { return !f.h.Busy() }, time.Second, 2*time.Millisecond)
}

// ============================================================
// Lifecycle
// ============================================================

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestSend_BeforeStart(t *testing.T) {
	ring := dmaring.New(64, &modem{})
	table, err := NewTable(Command{ID: 1, Template: "AT\r\n", ResponseCount: 1, Parsers: []Parser{okParser}})
	require.NoError(t, err)
	h, err := New(Config{UART: ring, Buffer: ring.Buffer(), Commands: table})
	require.NoError(t, err)
	defer h.Close()

	assert.ErrorIs(t, h.Send(1), ErrNotReady)
	assert.ErrorIs(t, h.SendTransparent([]byte("x"), nil), ErrNotReady)

	require.NoError(t, h.Start(context.Background()))
	assert.ErrorIs(t, h.Start(context.Background()), ErrAlreadyInitialized)
}

// ============================================================
// Table commands
// ============================================================

func TestSend_SingleResponse(t *testing.T) {
	f := newFixture(t, nil)
	f.reply("AT\r\n", "+OK\r\n")

	require.NoError(t, f.h.Send(cmdTest))
	assert.Equal(t, "test", f.rec.wait(t))
	f.idle(t)

	assert.Equal(t, []string{"test:+OK\r\n"}, f.rec.all())
	st := f.h.Stats()
	assert.Equal(t, uint64(1), st.Sent)
	assert.Equal(t, uint64(1), st.Completed)
	assert.Zero(t, st.Timeouts)
}

func TestSend_MultiResponseInOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.reply("AT+PAIR\r\n", "+OK\r\n", "tcp alive\r\n")

	require.NoError(t, f.h.Send(cmdPair))
	f.rec.wait(t)
	f.rec.wait(t)
	f.idle(t)

	assert.Equal(t, []string{"first:+OK\r\n", "second:tcp alive\r\n"}, f.rec.all())
}

func TestSend_FormatsArguments(t *testing.T) {
	f := newFixture(t, nil)
	f.reply("AT+IP=10.0.0.1,80\r\n", "+OK\r\n")

	require.NoError(t, f.h.Send(cmdIP, Str("10.0.0.1"), Int(80)))
	assert.Equal(t, "ip", f.rec.wait(t))
	assert.Equal(t, []string{"AT+IP=10.0.0.1,80\r\n"}, f.modem.written())
}

func TestSend_InvalidArgumentsNotTransmitted(t *testing.T) {
	f := newFixture(t, nil)

	assert.ErrorIs(t, f.h.Send(cmdIP, Str("10.0.0.1")), ErrInvalidParam)
	assert.ErrorIs(t, f.h.Send(cmdIP, Int(80), Str("10.0.0.1")), ErrInvalidParam)
	assert.ErrorIs(t, f.h.Send(cmdTest, Int(1)), ErrInvalidParam)
	assert.Empty(t, f.modem.written())
	assert.False(t, f.h.Busy())
}

func TestSend_CommandNotFound(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.h.Send(99), ErrCommandNotFound)
}

func TestSend_OverflowReleasesGate(t *testing.T) {
	f := newFixture(t, nil)
	long := make([]byte, CommandMaxLen)
	for i := range long {
		long[i] = 'x'
	}

	assert.ErrorIs(t, f.h.Send(cmdIP, Str(string(long)), Int(1)), ErrOverflow)
	assert.Empty(t, f.modem.written())

	f.reply("AT\r\n", "+OK\r\n")
	require.NoError(t, f.h.Send(cmdTest))
	f.rec.wait(t)
}

func TestSend_NotConsumedUntilTimeout(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.h.Send(cmdSilent))
	assert.ErrorIs(t, f.h.Send(cmdTest), ErrNotConsumed)
	assert.ErrorIs(t, f.h.SendTransparent([]byte("raw"), nil), ErrNotConsumed)

	select {
	case <-f.timeouts:
	case <-time.After(time.Second):
		t.Fatal("timeout hook not called")
	}
	f.idle(t)

	f.reply("AT\r\n", "+OK\r\n")
	require.NoError(t, f.h.Send(cmdTest))
	f.rec.wait(t)

	st := f.h.Stats()
	assert.Equal(t, uint64(1), st.Timeouts)
	assert.Equal(t, uint64(2), st.NotConsumed)
}

func TestSend_LateResponseIsIgnored(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.h.Send(cmdSilent))
	<-f.timeouts
	f.idle(t)

	f.ring.Feed([]byte("+OK\r\n"))
	assert.Eventually(t, func() bool { return f.h.Stats().Unmatched == 1 }, time.Second, 2*time.Millisecond)
	assert.Empty(t, f.rec.all())
}

func TestSend_TransportErrorReleasesGate(t *testing.T) {
	f := newFixture(t, nil)
	f.modem.mu.Lock()
	f.modem.failTx = true
	f.modem.mu.Unlock()

	assert.ErrorIs(t, f.h.Send(cmdTest), ErrTransport)
	assert.False(t, f.h.Busy())

	f.modem.mu.Lock()
	f.modem.failTx = false
	f.modem.mu.Unlock()
	f.reply("AT\r\n", "+OK\r\n")
	require.NoError(t, f.h.Send(cmdTest))
	f.rec.wait(t)
}

func TestSend_DriverSendComplete(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DriverSendComplete = true })
	f.ring.OnSendComplete(f.h.SendComplete)
	f.reply("AT+PAIR\r\n", "+OK\r\n", "+OK\r\n")

	require.NoError(t, f.h.Send(cmdPair))
	f.rec.wait(t)
	f.rec.wait(t)
	f.idle(t)
	assert.Equal(t, uint64(1), f.h.Stats().Completed)
}

// ============================================================
// Transparent sends
// ============================================================

func TestSendTransparent_FireAndForget(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.h.SendTransparent([]byte("segment"), nil))
	assert.False(t, f.h.Busy())
	require.NoError(t, f.h.SendTransparent([]byte("segment"), &Callbacks{}))
	assert.Equal(t, []string{"segment", "segment"}, f.modem.written())
}

func TestSendTransparent_CallbackChain(t *testing.T) {
	f := newFixture(t, nil)
	f.reply("DATA", "ack1", "ack2")

	var gotArg any
	cb := &Callbacks{
		Parsers: []Parser{
			f.rec.parser("one"),
			func(resp []byte, arg any) error {
				gotArg = arg
				return f.rec.parser("two")(resp, arg)
			},
		},
		Arg: "ctx",
	}
	require.NoError(t, f.h.SendTransparent([]byte("DATA"), cb))
	f.rec.wait(t)
	f.rec.wait(t)
	f.idle(t)

	assert.Equal(t, []string{"one:ack1", "two:ack2"}, f.rec.all())
	assert.Equal(t, "ctx", gotArg)
}

func TestSendTransparent_InvalidCallbacksReleaseGate(t *testing.T) {
	f := newFixture(t, nil)

	tooMany := &Callbacks{Parsers: make([]Parser, MaxTransparentResponses+1)}
	for i := range tooMany.Parsers {
		tooMany.Parsers[i] = okParser
	}
	assert.ErrorIs(t, f.h.SendTransparent([]byte("x"), tooMany), ErrInvalidParam)
	assert.ErrorIs(t, f.h.SendTransparent([]byte("x"), &Callbacks{Parsers: []Parser{okParser, nil}}), ErrInvalidParam)
	assert.Empty(t, f.modem.written())

	require.NoError(t, f.h.SendTransparent([]byte("x"), nil))
}

func TestSendTransparent_Timeout(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.h.SendTransparent([]byte("unanswered"), &Callbacks{Parsers: []Parser{okParser}}))
	assert.True(t, f.h.Busy())
	<-f.timeouts
	f.idle(t)
}

// ============================================================
// Reset and unsolicited data
// ============================================================

func TestResetSendState_ReleasesGate(t *testing.T) {
	f := newFixture(t, nil)

	f.h.ResetSendState()
	assert.False(t, f.h.Busy())

	require.NoError(t, f.h.Send(cmdSilent))
	assert.True(t, f.h.Busy())
	f.h.ResetSendState()
	assert.False(t, f.h.Busy())

	f.reply("AT\r\n", "+OK\r\n")
	require.NoError(t, f.h.Send(cmdTest))
	f.rec.wait(t)

	select {
	case <-f.timeouts:
		t.Fatal("reset transaction must not time out")
	case <-time.After(120 * time.Millisecond):
	}
	assert.Equal(t, uint64(2), f.h.Stats().Resets)
}

func TestParserResetStopsTransaction(t *testing.T) {
	f := newFixture(t, nil)
	f.reply("DATA", "[ERR] Socket not in use!\r\n", "+OK\r\n")

	second := make(chan struct{}, 1)
	cb := &Callbacks{Parsers: []Parser{
		func([]byte, any) error {
			f.h.ResetSendState()
			return errors.New("socket fault")
		},
		func([]byte, any) error {
			second <- struct{}{}
			return nil
		},
	}}
	require.NoError(t, f.h.SendTransparent([]byte("DATA"), cb))

	assert.Eventually(t, func() bool { return f.h.Stats().ParseErrors == 1 }, time.Second, 2*time.Millisecond)
	assert.False(t, f.h.Busy())

	select {
	case <-second:
		t.Fatal("second parser must not run after reset")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsolicitedFrameIsLogged(t *testing.T) {
	f := newFixture(t, nil)
	f.ring.Feed([]byte("+IPD,1,4:data"))

	assert.Eventually(t, func() bool { return f.h.Stats().Unmatched == 1 }, time.Second, 2*time.Millisecond)

	found := false
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "Received data but no corresponding send info" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestErrorRecvResetsFraming(t *testing.T) {
	f := newFixture(t, nil)
	f.h.ErrorRecv()
	assert.Equal(t, len(f.ring.Buffer()), f.ring.RemainingCount())
	assert.Equal(t, uint64(1), f.h.Stats().Framing.Resets)
}
