// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/wapilink/pkg/dmaring"
	"github.com/Thermoquad/wapilink/pkg/sim"
	"github.com/Thermoquad/wapilink/pkg/store"
	"github.com/Thermoquad/wapilink/pkg/telemetry"
	"github.com/Thermoquad/wapilink/pkg/wapi"
)

// ringSize is the software DMA receive ring length.
const ringSize = 1024

// stageEvent is one stage outcome reported by the driver.
type stageEvent struct {
	process wapi.ProcessType
	ok      bool
	at      time.Time
}

func (e stageEvent) String() string {
	if e.ok {
		return e.process.String() + " succeeded"
	}
	return e.process.String() + " failed"
}

// session is a running driver stack: connection (or simulated module),
// receive ring, driver, data store and metrics.
type session struct {
	info    string
	conn    Connection
	module  *sim.Module
	ring    *dmaring.Ring
	drv     *wapi.Driver
	data    *store.File
	metrics *telemetry.Collector
	events  chan stageEvent
	log     *logrus.Entry

	cancel context.CancelFunc
	pumped chan error
}

// openSession builds and starts the stack described by c. Stage outcomes
// are logged, counted and queued on s.events; extra receives them too.
func openSession(ctx context.Context, c *Config, extra wapi.Callbacks) (*session, error) {
	s := &session{
		events: make(chan stageEvent, 32),
		log:    logrus.WithField("component", "session"),
		pumped: make(chan error, 1),
	}

	data, err := store.Open(c.StorePath, nil)
	if err != nil {
		return nil, err
	}
	s.data = data

	var (
		power wapi.Power
		w     io.Writer
	)
	if c.Simulate {
		s.module = sim.New(sim.Config{Latency: 5 * time.Millisecond, Settle: 50 * time.Millisecond})
		s.info = "Simulated M0804C"
		power, w = s.module, s.module
	} else {
		conn, info, err := OpenConnection(ctx, c)
		if err != nil {
			return nil, err
		}
		s.conn, s.info, w = conn, info, conn
		if power, err = newPower(c, conn); err != nil {
			conn.Close()
			return nil, err
		}
	}

	s.ring = dmaring.New(ringSize, w)
	if s.module != nil {
		s.module.Attach(s.ring)
	}

	s.metrics = telemetry.NewCollector("", telemetry.Sources{
		Driver: func() wapi.Stats { return s.drv.Stats() },
		Ring:   s.ring.Stats,
	})

	s.drv, err = wapi.New(wapi.Config{
		UART:   s.ring,
		Buffer: s.ring.Buffer(),
		Power:  power,
		Data:   data,
		Callbacks: s.metrics.Callbacks(wapi.Callbacks{
			OnProcessSuccess: func(p wapi.ProcessType) { s.report(p, true, extra.OnProcessSuccess) },
			OnProcessError:   func(p wapi.ProcessType) { s.report(p, false, extra.OnProcessError) },
		}),
		Timing: wapi.Timing{
			Standard: c.Timing.Standard,
			Long:     c.Timing.Long,
			Interval: c.Timing.Interval,
		},
		SendBufSize: c.Send.BufSize,
	})
	if err != nil {
		s.closeTransport()
		return nil, err
	}
	s.ring.OnIdle(s.drv.NotifyRecv)
	s.ring.OnError(s.drv.ErrorRecv)

	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.drv.Start(ctx); err != nil {
		s.cancel()
		s.closeTransport()
		return nil, err
	}

	if s.conn != nil {
		go func() {
			err := s.ring.Pump(ctx, s.conn)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).Error("Connection lost")
			}
			s.pumped <- err
		}()
	} else {
		close(s.pumped)
	}
	return s, nil
}

func (s *session) report(p wapi.ProcessType, ok bool, next func(wapi.ProcessType)) {
	ev := stageEvent{process: p, ok: ok, at: time.Now()}
	l := s.log.WithField("process", p.String())
	if ok {
		l.Info("Process succeeded")
	} else {
		l.Error("Process failed")
	}
	select {
	case s.events <- ev:
	default:
	}
	if next != nil {
		next(p)
	}
}

// connect releases the bring-up pipeline and waits until the link is up.
// A stage that exhausts its failure limit ends the wait with an error.
func (s *session) connect(ctx context.Context, auth string) error {
	if err := s.drv.Init(); err != nil {
		return err
	}
	use := s.drv.UseCertConn
	if auth == "pwd" {
		use = s.drv.UsePwdConn
	}
	if err := use(); err != nil {
		return err
	}
	return s.waitFor(ctx, wapi.ProcessConnect)
}

// waitFor blocks until p succeeds or any stage fails.
func (s *session) waitFor(ctx context.Context, p wapi.ProcessType) error {
	for {
		select {
		case ev := <-s.events:
			if !ev.ok {
				return fmt.Errorf("bring-up: %s", ev)
			}
			if ev.process == p {
				return nil
			}
		case err, ok := <-s.pumped:
			if ok {
				return fmt.Errorf("connection: %w", err)
			}
			s.pumped = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *session) closeTransport() {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.module != nil {
		s.module.Stop()
	}
}

// Close stops the driver and releases the transport.
func (s *session) Close() error {
	s.cancel()
	err := s.drv.Close()
	s.closeTransport()
	return err
}
