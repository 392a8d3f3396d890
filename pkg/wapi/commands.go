// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wapi

import (
	"bytes"
	"fmt"

	"github.com/Thermoquad/wapilink/pkg/athandler"
)

// AT command ids of the M0804C dialect
const (
	CmdTest uint8 = iota
	CmdGetVersion
	CmdSetEcho
	CmdSetBand
	CmdReboot
	CmdSetTxPower
	CmdSetLowPower
	CmdDisconnTrans
	CmdSetIP
	CmdConnByCert
	CmdConnByPwd
	CmdCheckLinkLayer
	CmdTCPConnect
	CmdRecvData
	CmdSendData
	CmdUploadCertStart
	CmdCheckCert
	CmdDisconnSocket
)

// Response texts
const (
	RespOK          = "+OK"
	RespTCPAlive    = "tcp alive"
	RespReboot      = "Chip re"
	RespUploadStart = "Start recv"
	RespLinkUp      = "WAPI STATUS IS 1"
	RespSocketFault = "[ERR] Socket not in use!"
)

// Socket used for the data connection.
const CurrentSocket = 1

// Band 3 enables both 2.4 GHz and 5 GHz.
const bandDual = 3

type commandSpec struct {
	id     uint8
	name   string
	tmpl   string
	expect string
}

var commandSpecs = []commandSpec{
	{CmdTest, "TEST", "AT\r\n", RespOK},
	{CmdGetVersion, "GET_VERSION", "ATI\r\n", RespOK},
	{CmdSetEcho, "SET_ECHO", "AT+ECHO=%d\r\n", RespOK},
	{CmdSetBand, "SET_BAND", "AT+BAND=%d\r\n", RespOK},
	{CmdReboot, "AT_REBOOT", "AT+REBOOT\r\n", RespReboot},
	{CmdSetTxPower, "SET_TX_PWR", "AT+TXPWR=0,22\r\n", RespOK},
	{CmdSetLowPower, "SET_LOW_PWR", "AT+SETDP=%d\r\n", RespOK},
	{CmdDisconnTrans, "DISCONN_TRANS", "AT+WSDISCNCT\r\n", RespOK},
	{CmdSetIP, "SET_IP", "AT+WFIXIP=%d,%s,%s,%s\r\n", RespOK},
	{CmdConnByCert, "CONN_WAPI_BY_CERT", "AT+WAPICT,%d,%s\r\n", RespOK},
	{CmdConnByPwd, "CONN_WAPI_BY_PWD", "AT+WAPICT,%d,%s,%s\r\n", RespOK},
	{CmdCheckLinkLayer, "CHECK_LINK_LAYER", "AT+WAPICT=?\r\n", RespLinkUp},
	{CmdTCPConnect, "TCP_UDP_CONN", "AT+NCRECLNT=%s,%s,%d,%d,%d,%d,%d,%d,%d\r\n", RespTCPAlive},
	{CmdRecvData, "RECV_DATA", "AT+NRECV,%d,%d,%d\r\n", RespOK},
	{CmdSendData, "SEND_DATA", "AT+NSEND,%d,%d,", RespOK},
	{CmdUploadCertStart, "UPLOAD_CERT_START", "AT+UPCERT=%s\r\n", RespUploadStart},
	{CmdCheckCert, "CHECK_CERT", "AT+UPCERT=?\r\n", RespOK},
	{CmdDisconnSocket, "DISCONN_SOCKET", "AT+NSTOP,%d\r\n", RespOK},
}

// CommandInfo describes one entry of the AT table.
type CommandInfo struct {
	ID       uint8
	Name     string
	Template string
	Expect   string
}

// Commands lists the AT table in id order.
func Commands() []CommandInfo {
	out := make([]CommandInfo, len(commandSpecs))
	for i, c := range commandSpecs {
		out[i] = CommandInfo{ID: c.id, Name: c.name, Template: c.tmpl, Expect: c.expect}
	}
	return out
}

// CommandName returns the dialect name of an AT command id.
func CommandName(id uint8) string {
	for _, c := range commandSpecs {
		if c.id == id {
			return c.name
		}
	}
	return fmt.Sprintf("CMD(%d)", id)
}

// LookupCommand finds a command id by dialect name.
func LookupCommand(name string) (uint8, bool) {
	for _, c := range commandSpecs {
		if c.name == name {
			return c.id, true
		}
	}
	return 0, false
}

// newCommandTable builds the AT table. Every command expects one response
// which is matched against its expected text and reported to the engine.
func (d *Driver) newCommandTable() (*athandler.Table, error) {
	cmds := make([]athandler.Command, 0, len(commandSpecs))
	for _, c := range commandSpecs {
		cmds = append(cmds, athandler.Command{
			ID:            c.id,
			Template:      c.tmpl,
			ResponseCount: 1,
			Parsers:       []athandler.Parser{d.expect},
			Arg:           c.expect,
		})
	}
	return athandler.NewTable(cmds...)
}

// expect reports whether resp contains the text passed as arg.
func (d *Driver) expect(resp []byte, arg any) error {
	want, _ := arg.(string)
	ok := want != "" && bytes.Contains(resp, []byte(want))
	if !d.engine.Report(ok) {
		d.log.Warn("Step outcome already pending, dropping")
	}
	if !ok {
		return fmt.Errorf("%w: want %q", ErrRecvNotMatch, want)
	}
	return nil
}

// forceOK accepts any response.
func (d *Driver) forceOK([]byte, any) error {
	d.engine.Report(true)
	return nil
}
