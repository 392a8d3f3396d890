// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wapi

import (
	"context"
	"time"

	"github.com/Thermoquad/wapilink/pkg/athandler"
	"github.com/Thermoquad/wapilink/pkg/process"
)

func (d *Driver) step(name string, run func(ctx context.Context) error, timeout, interval int) process.Step {
	return process.Step{
		Name:     name,
		Run:      run,
		Complete: d.stepComplete,
		Timeout:  d.timing.Standard * time.Duration(timeout),
		Interval: d.timing.Interval * time.Duration(interval),
	}
}

func (d *Driver) send(id uint8, args ...athandler.Arg) func(context.Context) error {
	return func(context.Context) error {
		return d.at.Send(id, args...)
	}
}

func (d *Driver) stepComplete(index int, err error) {
	if err != nil {
		d.log.WithError(err).WithField("index", index).Error("Process step failed")
	}
}

func (d *Driver) buildSteps() {
	d.initSteps = []process.Step{
		d.step("no echo", d.send(CmdSetEcho, athandler.Int(0)), 2, 0),
		d.step("dual band", d.send(CmdSetBand, athandler.Int(bandDual)), 1, 0),
		d.step("tx power", d.send(CmdSetTxPower), 1, 0),
		d.step("disable low power", d.send(CmdSetLowPower, athandler.Int(0)), 1, 0),
		d.step("disconnect transaction", d.send(CmdDisconnTrans), 1, 0),
		d.step("net config", d.setNetConfig, 1, 0),
	}

	d.certSteps = []process.Step{
		d.step("check cert", d.send(CmdCheckCert), 1, 0),
		d.step("connect by cert", d.connectByCert, 1, 5),
	}

	d.pwdSteps = []process.Step{
		d.step("connect by pwd", d.connectByPwd, 1, 5),
	}

	tcp := d.step("tcp connect", d.tcpConnect, 1, 0)
	tcp.Timeout = d.timing.Long
	d.connSteps = []process.Step{
		d.step("check link layer", d.send(CmdCheckLinkLayer), 5, 3),
		tcp,
		d.step("start receive", d.send(CmdRecvData, recvArgs()...), 1, 0),
	}

	d.disconnSteps = []process.Step{
		d.step("tcp disconnect", d.send(CmdDisconnSocket, athandler.Int(CurrentSocket)), 1, 0),
	}

	d.uploadSteps = []process.Step{
		d.step("no echo", d.send(CmdSetEcho, athandler.Int(0)), 2, 1),
		d.step("upload AS cert", d.send(CmdUploadCertStart, athandler.Str("AS")), 1, 1),
		d.step("upload AS cert file", d.uploadCertFile(func(c *CertFiles) *CertFile { return &c.AS }), 1, 1),
		d.step("upload ASUE cert", d.send(CmdUploadCertStart, athandler.Str("ASUE")), 1, 1),
		d.step("upload ASUE cert file", d.uploadCertFile(func(c *CertFiles) *CertFile { return &c.ASUE }), 1, 1),
		d.step("check cert", d.send(CmdCheckCert), 1, 1),
	}
}

func (d *Driver) setNetConfig(context.Context) error {
	info, err := d.data.WAPIInfo()
	if err != nil {
		return err
	}
	return d.at.Send(CmdSetIP, athandler.Int(1),
		athandler.Str(ipString(info.LocalIP)),
		athandler.Str(ipString(info.Mask)),
		athandler.Str(ipString(info.Gateway)))
}

func (d *Driver) connectByCert(context.Context) error {
	info, err := d.data.WAPIInfo()
	if err != nil {
		return err
	}
	return d.at.Send(CmdConnByCert, athandler.Int(0), athandler.Str(info.SSID))
}

func (d *Driver) connectByPwd(context.Context) error {
	info, err := d.data.WAPIInfo()
	if err != nil {
		return err
	}
	return d.at.Send(CmdConnByPwd, athandler.Int(0), athandler.Str(info.SSID), athandler.Str(info.Password))
}

func (d *Driver) tcpConnect(context.Context) error {
	info, err := d.data.WAPIInfo()
	if err != nil {
		return err
	}
	return d.at.Send(CmdTCPConnect,
		athandler.Str("TCP"),
		athandler.Str(ipString(info.ServerIP)),
		athandler.Int(int(info.ServerPort)),
		athandler.Int(int(info.LocalPort)),
		athandler.Int(1), athandler.Int(1), athandler.Int(1), athandler.Int(2),
		athandler.Int(CurrentSocket))
}
