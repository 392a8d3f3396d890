// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wapi_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/wapilink/pkg/dmaring"
	"github.com/Thermoquad/wapilink/pkg/process"
	"github.com/Thermoquad/wapilink/pkg/sim"
	"github.com/Thermoquad/wapilink/pkg/wapi"
)

type provider struct {
	mu    sync.Mutex
	info  *wapi.Info
	certs *wapi.CertFiles
}

func (p *provider) WAPIInfo() (*wapi.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := *p.info
	return &info, nil
}

func (p *provider) CertFiles() (*wapi.CertFiles, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.certs, nil
}

type fixture struct {
	d      *wapi.Driver
	mod    *sim.Module
	data   *provider
	events chan string
}

func newFixture(t *testing.T, mutate func(*wapi.Config)) *fixture {
	t.Helper()
	f := &fixture{
		mod:    sim.New(sim.Config{Latency: time.Millisecond}),
		data:   &provider{info: wapi.DefaultInfo(), certs: &wapi.CertFiles{}},
		events: make(chan string, 64),
	}
	ring := dmaring.New(512, f.mod)
	f.mod.Attach(ring)

	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := wapi.Config{
		UART:   ring,
		Buffer: ring.Buffer(),
		Power:  f.mod,
		Data:   f.data,
		Callbacks: wapi.Callbacks{
			OnProcessSuccess: func(p wapi.ProcessType) { f.events <- "success:" + p.String() },
			OnProcessError:   func(p wapi.ProcessType) { f.events <- "error:" + p.String() },
		},
		Timing: wapi.Timing{
			Standard: 40 * time.Millisecond,
			Long:     100 * time.Millisecond,
			Interval: 2 * time.Millisecond,
		},
		CommandTimeout:     40 * time.Millisecond,
		TransparentTimeout: 40 * time.Millisecond,
		Logger:             logrus.NewEntry(logger),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	var err error
	f.d, err = wapi.New(cfg)
	require.NoError(t, err)
	ring.OnIdle(f.d.NotifyRecv)
	require.NoError(t, f.d.Start(context.Background()))
	t.Cleanup(func() {
		_ = f.d.Close()
		f.mod.Stop()
	})
	return f
}

func (f *fixture) next(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no stage event")
		return ""
	}
}

func (f *fixture) connect(t *testing.T, byCert bool) {
	t.Helper()
	require.NoError(t, f.d.Init())
	auth := "success:PWD_AUTH"
	if byCert {
		require.NoError(t, f.d.UseCertConn())
		auth = "success:CERT_AUTH"
	} else {
		require.NoError(t, f.d.UsePwdConn())
	}
	assert.Equal(t, "success:INIT", f.next(t))
	assert.Equal(t, auth, f.next(t))
	assert.Equal(t, "success:CONNECT", f.next(t))
	require.Eventually(t, f.d.Ready, time.Second, time.Millisecond)
}

func count(cmds []string, cmd string) int {
	n := 0
	for _, c := range cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

var initCommands = []string{
	"AT+ECHO=0\r\n",
	"AT+BAND=3\r\n",
	"AT+TXPWR=0,22\r\n",
	"AT+SETDP=0\r\n",
	"AT+WSDISCNCT\r\n",
	"AT+WFIXIP=1,192.168.0.66,255.255.255.0,192.168.0.4\r\n",
}

var connectCommands = []string{
	"AT+WAPICT=?\r\n",
	"AT+NCRECLNT=TCP,192.168.0.195,666,777,1,1,1,2,1\r\n",
	"AT+NRECV,1,1,1\r\n",
}

// ============================================================
// Lifecycle
// ============================================================

func TestNew_Validation(t *testing.T) {
	_, err := wapi.New(wapi.Config{})
	assert.ErrorIs(t, err, wapi.ErrInvalidParam)
}

func TestDriver_NotStarted(t *testing.T) {
	mod := sim.New(sim.Config{})
	defer mod.Stop()
	ring := dmaring.New(128, mod)
	d, err := wapi.New(wapi.Config{
		UART:   ring,
		Buffer: ring.Buffer(),
		Power:  mod,
		Data:   &provider{info: wapi.DefaultInfo()},
	})
	require.NoError(t, err)
	defer d.Close()

	assert.ErrorIs(t, d.Init(), wapi.ErrNotReady)
	assert.ErrorIs(t, d.UseCertConn(), wapi.ErrNotReady)
	assert.ErrorIs(t, d.Send([]byte{1}, nil), wapi.ErrNotReady)
	assert.ErrorIs(t, d.CertUpload(context.Background()), wapi.ErrNotReady)
	assert.False(t, d.Ready())
}

// ============================================================
// Bring-up pipeline
// ============================================================

func TestDriver_CertPipeline(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, true)

	want := append([]string{}, initCommands...)
	want = append(want, "AT+UPCERT=?\r\n", "AT+WAPICT,0,WAPI-24G-8825\r\n")
	want = append(want, connectCommands...)
	assert.Equal(t, want, f.mod.Commands())
	assert.Equal(t, wapi.ConnCert, f.d.ConnMode())
	assert.True(t, f.mod.Powered())

	require.Eventually(t, func() bool {
		return f.d.Stats().AT.Completed == uint64(len(want))
	}, time.Second, time.Millisecond)
	s := f.d.Stats()
	assert.True(t, s.Ready)
	assert.Equal(t, uint64(3), s.Engine.StageSuccesses)
}

func TestDriver_PwdPipeline(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, false)

	assert.Contains(t, f.mod.Commands(), "AT+WAPICT,0,WAPI-24G-8825,123456abc\r\n")
	assert.NotContains(t, f.mod.Commands(), "AT+UPCERT=?\r\n")
	assert.Equal(t, wapi.ConnPwd, f.d.ConnMode())
}

func TestDriver_AuthWaitsForInit(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.d.UseCertConn())

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.mod.Commands(), "auth must wait for init success")

	require.NoError(t, f.d.Init())
	assert.Equal(t, "success:INIT", f.next(t))
	assert.Equal(t, "success:CERT_AUTH", f.next(t))
}

func TestDriver_InitFailureReported(t *testing.T) {
	f := newFixture(t, func(c *wapi.Config) {
		c.Engine = process.Config{StepAttempts: 1, ProcessRetries: 1, StageFailLimit: 1}
	})
	f.mod.Drop("AT+ECHO")

	require.NoError(t, f.d.Init())
	assert.Equal(t, "error:INIT", f.next(t))
	assert.False(t, f.d.Ready())
	assert.GreaterOrEqual(t, f.mod.Stats().Closes, 1, "retry powers the module off")
	assert.Equal(t, 2, count(f.mod.Commands(), "AT+ECHO=0\r\n"))
}

func TestDriver_LinkCheckRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.mod.SetRule("AT+WAPICT=?", sim.ReplyLinkDown)

	require.NoError(t, f.d.Init())
	require.NoError(t, f.d.UsePwdConn())
	assert.Equal(t, "success:INIT", f.next(t))
	assert.Equal(t, "success:PWD_AUTH", f.next(t))

	require.Eventually(t, func() bool {
		return count(f.mod.Commands(), "AT+WAPICT=?\r\n") >= 2
	}, time.Second, time.Millisecond)
	f.mod.ClearRules()

	assert.Equal(t, "success:CONNECT", f.next(t))
	assert.True(t, f.d.Ready())
}

// ============================================================
// Data
// ============================================================

func TestDriver_SendBeforeReady(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.d.Send([]byte{1, 2}, nil), wapi.ErrSendNotReady)
	assert.ErrorIs(t, f.d.SendWithoutResponse([]byte{1, 2}), wapi.ErrSendNotReady)
}

func TestDriver_Send(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, true)

	got := make(chan string, 1)
	err := f.d.Send([]byte{0xDE, 0xAD, 0xBE, 0xEF}, func(resp []byte) error {
		got <- string(resp)
		return nil
	})
	require.NoError(t, err)

	select {
	case resp := <-got:
		assert.Equal(t, sim.ReplySent, resp)
	case <-time.After(time.Second):
		t.Fatal("response callback not called")
	}
	assert.Contains(t, f.mod.Commands(), "AT+NSEND,1,1,DEADBEEF\r\n")
}

func TestDriver_SendWithoutResponse(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, false)

	require.NoError(t, f.d.SendWithoutResponse([]byte{0x01, 0xAB}))
	require.Eventually(t, func() bool {
		return count(f.mod.Commands(), "AT+NSEND,1,1,01AB\r\n") == 1
	}, time.Second, time.Millisecond)
}

func TestDriver_SendOverflow(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, true)

	assert.ErrorIs(t, f.d.Send(make([]byte, 57), nil), wapi.ErrOverflow)
	assert.ErrorIs(t, f.d.Send(nil, nil), wapi.ErrInvalidParam)
	assert.Equal(t, 127, wapi.SendLen(56))
}

func TestDriver_SocketFaultRewinds(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, true)

	f.mod.SetSocketFault(true)
	require.NoError(t, f.d.Send([]byte{0x42}, nil))
	require.Eventually(t, func() bool { return !f.d.Ready() }, time.Second, time.Millisecond)
	f.mod.SetSocketFault(false)

	assert.Equal(t, "success:INIT", f.next(t))
	assert.Equal(t, "success:CERT_AUTH", f.next(t))
	assert.Equal(t, "success:CONNECT", f.next(t))
	require.Eventually(t, f.d.Ready, time.Second, time.Millisecond)

	assert.Equal(t, 2, count(f.mod.Commands(), "AT+ECHO=0\r\n"))
	assert.Equal(t, 2, f.mod.Stats().Opens)
	assert.Equal(t, wapi.ConnCert, f.d.ConnMode())
}

// ============================================================
// Certificates and teardown
// ============================================================

func certBlob(n int) []byte {
	return bytes.Repeat([]byte("-"), n)
}

func TestDriver_CertUploadMissing(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.d.CertUpload(context.Background()), wapi.ErrMissingCert)
}

func TestDriver_CertUpload(t *testing.T) {
	f := newFixture(t, nil)
	f.data.info.HasCert = true
	f.data.certs = &wapi.CertFiles{
		AS:   wapi.CertFile{Payload: certBlob(130)},
		ASUE: wapi.CertFile{Payload: certBlob(128)},
	}
	require.NoError(t, f.mod.Open(context.Background()))

	require.NoError(t, f.d.CertUpload(context.Background()))

	var sizes []int
	for _, s := range f.mod.Segments() {
		sizes = append(sizes, len(s))
	}
	assert.Equal(t, []int{64, 64, 2, 64, 64}, sizes)
	assert.Equal(t, []string{
		"AT+ECHO=0\r\n",
		"AT+UPCERT=AS\r\n",
		"AT+UPCERT=ASUE\r\n",
		"AT+UPCERT=?\r\n",
	}, f.mod.Commands())
}

func TestDriver_Disconnect(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.mod.Open(context.Background()))

	require.NoError(t, f.d.Disconnect(context.Background()))
	assert.Equal(t, []string{"AT+NSTOP,1\r\n"}, f.mod.Commands())
}

func TestDriver_StartRecv(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.mod.Open(context.Background()))

	require.NoError(t, f.d.StartRecv())
	require.Eventually(t, func() bool {
		return f.d.Stats().AT.Completed == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"AT+NRECV,1,1,1\r\n"}, f.mod.Commands())
}

func TestDriver_StartTwice(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.d.Start(context.Background()), wapi.ErrAlreadyInitialized)

	require.NoError(t, f.d.Close())
	assert.ErrorIs(t, f.d.Start(context.Background()), wapi.ErrNotReady)
}

func TestDriver_Command(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.mod.Open(context.Background()))

	require.NoError(t, f.d.Command(wapi.CmdGetVersion))
	require.Eventually(t, func() bool {
		return f.d.Stats().AT.Completed == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"ATI\r\n"}, f.mod.Commands())
}

func TestCommandNames(t *testing.T) {
	assert.Equal(t, "CHECK_LINK_LAYER", wapi.CommandName(wapi.CmdCheckLinkLayer))
	assert.True(t, strings.HasPrefix(wapi.CommandName(200), "CMD("))
	id, ok := wapi.LookupCommand("DISCONN_SOCKET")
	assert.True(t, ok)
	assert.Equal(t, wapi.CmdDisconnSocket, id)
}

func TestDriver_Exchange(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.mod.Open(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := f.d.Exchange(ctx, []byte("ATI\r\n"))
	require.NoError(t, err)
	assert.Equal(t, sim.ReplyVersion, string(resp))

	_, err = f.d.Exchange(ctx, nil)
	assert.ErrorIs(t, err, wapi.ErrInvalidParam)
}

func TestDriver_ExchangeNoAnswer(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.mod.Open(context.Background()))
	f.mod.Drop("AT+VER")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := f.d.Exchange(ctx, []byte("AT+VER\r\n"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		return f.d.Stats().AT.Timeouts == 1
	}, time.Second, time.Millisecond)
}

func TestCommands(t *testing.T) {
	cmds := wapi.Commands()
	require.Len(t, cmds, int(wapi.CmdDisconnSocket)+1)
	for i, c := range cmds {
		assert.Equal(t, uint8(i), c.ID)
		assert.Equal(t, wapi.CommandName(c.ID), c.Name)
	}
}
