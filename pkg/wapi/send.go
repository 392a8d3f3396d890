// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wapi

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/Thermoquad/wapilink/pkg/athandler"
)

// ResponseFunc receives the module's answer to a data send.
type ResponseFunc func(resp []byte) error

const hexDigits = "0123456789ABCDEF"

// appendSend appends an NSEND command carrying payload as uppercase hex.
func appendSend(dst []byte, payload []byte) []byte {
	dst = append(dst, "AT+NSEND,"...)
	dst = strconv.AppendInt(dst, CurrentSocket, 10)
	dst = append(dst, ",1,"...)
	for _, b := range payload {
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return append(dst, '\r', '\n')
}

// SendLen returns the length of the command carrying n payload bytes.
func SendLen(n int) int {
	return len("AT+NSEND,1,1,") + 2*n + 2
}

func (d *Driver) formatSend(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrInvalidParam
	}
	if n := SendLen(len(payload)); n > d.sendBufSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrOverflow, n, d.sendBufSize)
	}
	return appendSend(d.sendBuf[:0], payload), nil
}

func (d *Driver) sendChecked(payload []byte, cb *athandler.Callbacks) error {
	if !d.running() {
		return ErrNotReady
	}
	if !d.Ready() {
		return ErrSendNotReady
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	out, err := d.formatSend(payload)
	if err != nil {
		return err
	}
	return d.at.SendTransparent(out, cb)
}

// Send transmits payload on the data socket. The module answers twice;
// both answers are checked for a socket fault and the second goes to fn.
func (d *Driver) Send(payload []byte, fn ResponseFunc) error {
	return d.sendChecked(payload, &athandler.Callbacks{
		Parsers: []athandler.Parser{d.checkConnect, d.sendRecv},
		Arg:     fn,
	})
}

// SendWithoutResponse transmits payload and only checks the first answer
// for a socket fault.
func (d *Driver) SendWithoutResponse(payload []byte) error {
	return d.sendChecked(payload, &athandler.Callbacks{
		Parsers: []athandler.Parser{d.checkConnect},
	})
}

// StartRecv asks the module to forward socket data. The connect stage
// already does this; it is exposed for re-arming after a module reboot.
func (d *Driver) StartRecv() error {
	return d.Command(CmdRecvData, recvArgs()...)
}

func recvArgs() []athandler.Arg {
	return []athandler.Arg{athandler.Int(CurrentSocket), athandler.Int(1), athandler.Int(1)}
}

// checkConnect restarts the pipeline when the module reports that the
// socket is gone.
func (d *Driver) checkConnect(resp []byte, _ any) error {
	if !bytes.Contains(resp, []byte(RespSocketFault)) {
		return nil
	}
	d.rewind()
	return ErrSocketFault
}

func (d *Driver) sendRecv(resp []byte, arg any) error {
	if err := d.checkConnect(resp, nil); err != nil {
		return err
	}
	fn, _ := arg.(ResponseFunc)
	if fn == nil {
		return ErrRecvNotMatch
	}
	return fn(resp)
}
