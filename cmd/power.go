// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/Thermoquad/wapilink/pkg/osal"
	"github.com/Thermoquad/wapilink/pkg/wapi"
)

// lineSetter is the part of serial.Port that switches the modem lines.
type lineSetter interface {
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

var _ lineSetter = serial.Port(nil)

// linePower switches the module through the serial control lines: DTR
// feeds the supply enable and RTS the wake pin.
type linePower struct {
	lines     lineSetter
	activeLow bool
	settle    time.Duration
	log       *logrus.Entry
}

func (p *linePower) set(on bool) error {
	level := on != p.activeLow
	if err := p.lines.SetDTR(level); err != nil {
		return fmt.Errorf("set DTR: %w", err)
	}
	if err := p.lines.SetRTS(level); err != nil {
		return fmt.Errorf("set RTS: %w", err)
	}
	return nil
}

// Open powers the module and waits for it to boot.
func (p *linePower) Open(ctx context.Context) error {
	p.log.Debug("Module power on")
	if err := p.set(true); err != nil {
		return err
	}
	return osal.Delay(ctx, p.settle)
}

// Close cuts module power and waits for it to drain.
func (p *linePower) Close(ctx context.Context) error {
	p.log.Debug("Module power off")
	if err := p.set(false); err != nil {
		return err
	}
	return osal.Delay(ctx, p.settle)
}

// noPower is used when the module supply is not under our control.
type noPower struct {
	settle time.Duration
}

func (p noPower) Open(ctx context.Context) error  { return osal.Delay(ctx, p.settle) }
func (p noPower) Close(ctx context.Context) error { return nil }

// newPower picks the power control for a connection.
func newPower(c *Config, conn Connection) (wapi.Power, error) {
	if c.Serial.Power != "lines" {
		return noPower{settle: c.Timing.Settle}, nil
	}
	sc, ok := conn.(*SerialConnection)
	if !ok {
		return nil, fmt.Errorf("--power lines requires a serial connection")
	}
	return &linePower{
		lines:     sc.port,
		activeLow: c.Serial.ActiveLow,
		settle:    c.Timing.Settle,
		log:       logrus.WithField("component", "power"),
	}, nil
}
