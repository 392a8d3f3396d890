// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/wapilink/pkg/dmaring"
)

type harness struct {
	m    *Module
	ring *dmaring.Ring

	mu  sync.Mutex
	got []string
	pos int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{m: New(Config{})}
	h.ring = dmaring.New(256, h.m)
	require.NoError(t, h.ring.Init())
	h.m.Attach(h.ring)
	h.ring.OnIdle(func() {
		// read what the ring received since the last burst
		h.mu.Lock()
		defer h.mu.Unlock()
		end := 256 - h.ring.RemainingCount()
		h.got = append(h.got, string(h.ring.Buffer()[h.pos:end]))
		h.pos = end
	})
	t.Cleanup(h.m.Stop)
	return h
}

func (h *harness) replies() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.got...)
}

func (h *harness) send(t *testing.T, cmd string) {
	t.Helper()
	_, err := h.ring.Write([]byte(cmd))
	require.NoError(t, err)
}

func TestModule_UnpoweredIsSilent(t *testing.T) {
	h := newHarness(t)
	h.send(t, "AT\r\n")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.replies())
	assert.Empty(t, h.m.Commands())
}

func TestModule_DefaultReplies(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open(context.Background()))

	tests := []struct {
		cmd  string
		want string
	}{
		{"AT\r\n", ReplyOK},
		{"AT+ECHO=0\r\n", ReplyOK},
		{"AT+WAPICT=?\r\n", ReplyLinkUp},
		{"AT+REBOOT\r\n", ReplyReboot},
		{"AT+NCRECLNT=TCP,192.168.0.195,666,777,1,1,1,2,1\r\n", ReplyOK + ReplyTCPAlive},
		{"HELLO\r\n", ReplyErr},
	}
	for i, tt := range tests {
		h.send(t, tt.cmd)
		require.Eventually(t, func() bool { return len(h.replies()) == i+1 }, time.Second, time.Millisecond, tt.cmd)
		assert.Equal(t, tt.want, h.replies()[i], tt.cmd)
	}
	assert.Len(t, h.m.Commands(), len(tests))
}

func TestModule_RulesAndFaults(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open(context.Background()))

	h.m.SetRule("AT+WAPICT=?", ReplyLinkDown)
	h.send(t, "AT+WAPICT=?\r\n")
	require.Eventually(t, func() bool { return len(h.replies()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, ReplyLinkDown, h.replies()[0])

	h.m.Drop("AT+ECHO")
	h.send(t, "AT+ECHO=0\r\n")
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.replies(), 1)

	h.m.ClearRules()
	h.m.SetSocketFault(true)
	h.send(t, "AT+NSEND,1,1,AB\r\n")
	require.Eventually(t, func() bool { return len(h.replies()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, ReplySocketFault, h.replies()[1])
}

func TestModule_CertUploadMode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open(context.Background()))

	h.send(t, "AT+UPCERT=AS\r\n")
	h.send(t, "-----BEGIN")
	h.send(t, " CERT-----")
	h.send(t, "AT+UPCERT=?\r\n")
	require.Eventually(t, func() bool { return len(h.replies()) == 4 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{ReplyUploadStart, ReplyOK, ReplyOK, ReplyOK}, h.replies())
	assert.Equal(t, [][]byte{[]byte("-----BEGIN"), []byte(" CERT-----")}, h.m.Segments())
	assert.Equal(t, 2, h.m.Stats().Segments)
	assert.Equal(t, 2, h.m.Stats().Commands)
}

func TestModule_PowerCycle(t *testing.T) {
	m := New(Config{Settle: time.Millisecond})
	defer m.Stop()

	require.NoError(t, m.Open(context.Background()))
	assert.True(t, m.Powered())
	require.NoError(t, m.Close(context.Background()))
	assert.False(t, m.Powered())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Open(ctx), context.Canceled)

	s := m.Stats()
	assert.Equal(t, 1, s.Opens)
	assert.Equal(t, 1, s.Closes)
}
