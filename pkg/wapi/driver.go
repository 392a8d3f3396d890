// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package wapi drives an M0804C WAPI radio module over its AT dialect.
//
// Bring-up runs as four chained stages, each looping on its own task:
// init, certificate or password authentication, and network connection.
// Stages hand off through gates, so Init, UseCertConn and UsePwdConn only
// release the stage waiting on them. Once the connection stage succeeds
// the link carries user data through Send.
package wapi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/wapilink/pkg/athandler"
	"github.com/Thermoquad/wapilink/pkg/osal"
	"github.com/Thermoquad/wapilink/pkg/process"
	"github.com/Thermoquad/wapilink/pkg/uartproto"
)

// Default step timing
const (
	DefaultStandardTimeout = 500 * time.Millisecond
	DefaultLongTimeout     = 30 * time.Second
	DefaultInterval        = 1 * time.Second

	// SendBufSize bounds one formatted data send.
	SendBufSize = 128
	// CertSegmentSize is the length of one certificate upload segment.
	CertSegmentSize = 64
)

// ProcessType identifies a bring-up stage.
type ProcessType int

const (
	ProcessInit ProcessType = iota
	ProcessCertAuth
	ProcessPwdAuth
	ProcessConnect
)

func (p ProcessType) String() string {
	switch p {
	case ProcessInit:
		return "INIT"
	case ProcessCertAuth:
		return "CERT_AUTH"
	case ProcessPwdAuth:
		return "PWD_AUTH"
	case ProcessConnect:
		return "CONNECT"
	default:
		return fmt.Sprintf("ProcessType(%d)", int(p))
	}
}

// ConnMode is the authentication the module last connected with.
type ConnMode int

const (
	ConnNone ConnMode = iota
	ConnCert
	ConnPwd
)

func (m ConnMode) String() string {
	switch m {
	case ConnCert:
		return "cert"
	case ConnPwd:
		return "pwd"
	default:
		return "none"
	}
}

// Power switches the module supply.
type Power interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// DataProvider supplies the connection record and certificates.
type DataProvider interface {
	WAPIInfo() (*Info, error)
	CertFiles() (*CertFiles, error)
}

// Callbacks report stage results to the application.
type Callbacks struct {
	OnProcessSuccess func(ProcessType)
	OnProcessError   func(ProcessType)
}

// Timing holds the step timeouts and the inter-step interval.
type Timing struct {
	Standard time.Duration
	Long     time.Duration
	Interval time.Duration
}

func (t *Timing) setDefaults() {
	if t.Standard <= 0 {
		t.Standard = DefaultStandardTimeout
	}
	if t.Long <= 0 {
		t.Long = DefaultLongTimeout
	}
	if t.Interval <= 0 {
		t.Interval = DefaultInterval
	}
}

// Config describes one driver instance.
type Config struct {
	UART   uartproto.UART
	Buffer []byte
	Power  Power
	Data   DataProvider

	Callbacks Callbacks
	Timing    Timing
	Engine    process.Config

	// AT layer tuning, see athandler.Config.
	CommandTimeout     time.Duration
	TransparentTimeout time.Duration
	DriverSendComplete bool

	// SendBufSize bounds one formatted data send (default SendBufSize).
	SendBufSize int
	Logger      *logrus.Entry
}

// Stats collects the counters of every layer of the driver.
type Stats struct {
	AT     athandler.Stats
	Engine process.Stats
	Ready  bool
	Mode   ConnMode
}

// Driver is one M0804C module handler.
type Driver struct {
	log    *logrus.Entry
	power  Power
	data   DataProvider
	cbs    Callbacks
	timing Timing

	at     *athandler.Handler
	engine *process.Engine

	initStart   *osal.Gate
	initSuccess *osal.Gate
	useCert     *osal.Gate
	usePwd      *osal.Gate
	connCfgOK   *osal.Gate
	multiSend   *osal.Gate
	stageCtx    context.Context
	ready       atomic.Bool
	mode        atomic.Int32

	initSteps    []process.Step
	certSteps    []process.Step
	pwdSteps     []process.Step
	connSteps    []process.Step
	disconnSteps []process.Step
	uploadSteps  []process.Step

	// sendMu guards sendBuf.
	sendMu      sync.Mutex
	sendBuf     []byte
	sendBufSize int

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and builds the AT handler, the process engine and the
// stage tables.
func New(cfg Config) (*Driver, error) {
	if cfg.UART == nil || len(cfg.Buffer) == 0 || cfg.Power == nil || cfg.Data == nil {
		return nil, ErrInvalidParam
	}
	cfg.Timing.setDefaults()
	if cfg.SendBufSize <= 0 {
		cfg.SendBufSize = SendBufSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "wapi")
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = cfg.Logger.WithField("layer", "process")
	}

	d := &Driver{
		log:         cfg.Logger,
		power:       cfg.Power,
		data:        cfg.Data,
		cbs:         cfg.Callbacks,
		timing:      cfg.Timing,
		engine:      process.New(cfg.Engine),
		initStart:   osal.NewGate(),
		initSuccess: osal.NewGate(),
		useCert:     osal.NewGate(),
		usePwd:      osal.NewGate(),
		connCfgOK:   osal.NewGate(),
		multiSend:   osal.NewGate(),
		stageCtx:    context.Background(),
		sendBuf:     make([]byte, 0, cfg.SendBufSize),
		sendBufSize: cfg.SendBufSize,
	}
	d.multiSend.Give()

	table, err := d.newCommandTable()
	if err != nil {
		return nil, fmt.Errorf("command table: %w", err)
	}
	d.at, err = athandler.New(athandler.Config{
		UART:               cfg.UART,
		Buffer:             cfg.Buffer,
		Commands:           table,
		CommandTimeout:     cfg.CommandTimeout,
		TransparentTimeout: cfg.TransparentTimeout,
		DriverSendComplete: cfg.DriverSendComplete,
		Logger:             cfg.Logger.WithField("layer", "at"),
	})
	if err != nil {
		return nil, fmt.Errorf("AT handler: %w", err)
	}
	d.buildSteps()
	return d, nil
}

// Start launches the AT handler and the stage tasks. The stages then wait
// for Init and UseCertConn or UsePwdConn.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrNotReady
	}
	if d.started {
		return ErrAlreadyInitialized
	}
	if err := d.at.Start(ctx); err != nil {
		return err
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.stageCtx = ctx
	d.started = true

	stages := []struct {
		typ   ProcessType
		stage process.Stage
	}{
		{ProcessInit, process.Stage{Name: "WAPI Init", Steps: d.initSteps,
			Start: d.initStageStart, Success: d.initStageSuccess, Retry: d.initStageRetry}},
		{ProcessCertAuth, process.Stage{Name: "WAPI Conn by Cert", Steps: d.certSteps,
			Start: d.certStageStart, Success: d.authStageSuccess(ConnCert), Retry: d.authStageRetry(d.useCert)}},
		{ProcessPwdAuth, process.Stage{Name: "WAPI Conn by Pwd", Steps: d.pwdSteps,
			Start: d.pwdStageStart, Success: d.authStageSuccess(ConnPwd), Retry: d.authStageRetry(d.usePwd)}},
		{ProcessConnect, process.Stage{Name: "WAPI Conn Net", Steps: d.connSteps,
			Start: d.connStageStart, Success: d.connStageSuccess, Retry: d.connStageRetry}},
	}
	for _, s := range stages {
		d.wg.Add(1)
		go func(typ ProcessType, st process.Stage) {
			defer d.wg.Done()
			err := d.engine.Drive(ctx, st, process.Callbacks{
				OnSuccess: func() { d.processSuccess(typ) },
				OnError:   func() { d.processError(typ) },
			})
			if typ == ProcessConnect {
				d.ready.Store(false)
			}
			d.log.WithError(err).WithField("stage", st.Name).Debug("Stage task stopped")
		}(s.typ, s.stage)
	}
	d.log.Info("WAPI handler started")
	return nil
}

// Close stops the stage tasks and the AT handler.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.started = false
	d.mu.Unlock()

	if started {
		d.cancel()
		d.wg.Wait()
	}
	d.ready.Store(false)
	return d.at.Close()
}

func (d *Driver) running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

func (d *Driver) processSuccess(typ ProcessType) {
	if d.cbs.OnProcessSuccess != nil {
		d.cbs.OnProcessSuccess(typ)
	}
}

func (d *Driver) processError(typ ProcessType) {
	if d.cbs.OnProcessError != nil {
		d.cbs.OnProcessError(typ)
	}
}

// Init releases the init stage.
func (d *Driver) Init() error {
	if !d.running() {
		return ErrNotReady
	}
	d.initStart.Give()
	return nil
}

// UseCertConn releases the certificate authentication stage.
func (d *Driver) UseCertConn() error {
	if !d.running() {
		return ErrNotReady
	}
	d.useCert.Give()
	return nil
}

// UsePwdConn releases the password authentication stage.
func (d *Driver) UsePwdConn() error {
	if !d.running() {
		return ErrNotReady
	}
	d.usePwd.Give()
	return nil
}

// Ready reports whether the connection stage succeeded and user data may
// be sent.
func (d *Driver) Ready() bool { return d.ready.Load() }

// ConnMode returns the authentication the last connection used.
func (d *Driver) ConnMode() ConnMode { return ConnMode(d.mode.Load()) }

// Command sends one AT command from the table outside any stage. The
// response outcome is reported to the process engine like a step.
func (d *Driver) Command(id uint8, args ...athandler.Arg) error {
	if !d.running() {
		return ErrNotReady
	}
	return d.at.Send(id, args...)
}

// Stats returns a snapshot of the driver counters.
func (d *Driver) Stats() Stats {
	return Stats{
		AT:     d.at.Stats(),
		Engine: d.engine.Stats(),
		Ready:  d.Ready(),
		Mode:   d.ConnMode(),
	}
}

// NotifyRecv is the receive idle interrupt entry point.
func (d *Driver) NotifyRecv() { d.at.NotifyRecv() }

// SendComplete is the transmit complete interrupt entry point.
func (d *Driver) SendComplete() { d.at.SendComplete() }

// ErrorRecv is the UART error interrupt entry point.
func (d *Driver) ErrorRecv() { d.at.ErrorRecv() }

// ============================================================
// Stage hooks
// ============================================================

func (d *Driver) initStageStart(ctx context.Context) error {
	if err := d.initStart.Take(ctx, osal.WaitForever); err != nil {
		return err
	}
	d.initSuccess.TryTake()
	if err := d.power.Open(ctx); err != nil {
		d.log.WithError(err).Error("Failed to power on module")
	}
	d.mode.Store(int32(ConnNone))
	d.at.ResetSendState()
	return nil
}

func (d *Driver) initStageRetry() {
	if err := d.power.Close(d.stageCtx); err != nil {
		d.log.WithError(err).Error("Failed to power off module")
	}
	d.initStart.Give()
}

func (d *Driver) initStageSuccess() {
	d.initSuccess.Give()
}

func (d *Driver) authStageStart(ctx context.Context, use *osal.Gate) error {
	if err := use.Take(ctx, osal.WaitForever); err != nil {
		return err
	}
	d.connCfgOK.TryTake()
	return d.initSuccess.Take(ctx, osal.WaitForever)
}

func (d *Driver) certStageStart(ctx context.Context) error {
	return d.authStageStart(ctx, d.useCert)
}

func (d *Driver) pwdStageStart(ctx context.Context) error {
	return d.authStageStart(ctx, d.usePwd)
}

func (d *Driver) authStageRetry(use *osal.Gate) func() {
	return func() {
		d.initSuccess.Give()
		use.Give()
	}
}

func (d *Driver) authStageSuccess(mode ConnMode) func() {
	return func() {
		d.mode.Store(int32(mode))
		d.connCfgOK.Give()
	}
}

func (d *Driver) connStageStart(ctx context.Context) error {
	return d.connCfgOK.Take(ctx, osal.WaitForever)
}

func (d *Driver) connStageRetry() {
	d.connCfgOK.Give()
}

func (d *Driver) connStageSuccess() {
	d.ready.Store(true)
	d.log.Info("WAPI link ready for data")
}

// rewind restarts the pipeline after the module reported a socket fault.
func (d *Driver) rewind() {
	d.ready.Store(false)
	d.log.Error("Socket error detected, reconnecting")
	d.initStart.Give()
	switch d.ConnMode() {
	case ConnCert:
		d.useCert.Give()
	case ConnPwd:
		d.usePwd.Give()
	}
}
