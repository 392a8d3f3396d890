// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package funcode implements the function-code frame format carried on the
// module UART when it runs in framed mode.
//
// Wire format:
//
//	0x7E | LEN | CODE | PAYLOAD[LEN] | CRC_HI | CRC_LO | 0x7F
//
// The CRC-16-CCITT covers LEN, CODE and PAYLOAD. Frames are not byte
// stuffed; a parser resynchronises on the start byte after any error.
package funcode

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Thermoquad/wapilink/pkg/checksum"
)

// Framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
)

// Frame size limits
const (
	HeaderSize     = 3 // start + length + code
	TrailerSize    = 3 // crc hi + crc lo + end
	MaxPayloadSize = 250
	MaxFrameSize   = HeaderSize + MaxPayloadSize + TrailerSize
)

// ErrPayloadTooLarge is returned by Encode for payloads above MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("funcode: payload too large")

// Status is the outcome of parsing the head of a receive window.
type Status int

const (
	// StatusIncomplete means more bytes are needed. Nothing is consumed.
	StatusIncomplete Status = iota
	// StatusOK means a valid frame sits at the head of the window.
	StatusOK
	// StatusErrCRC means a complete frame failed its checksum.
	StatusErrCRC
	// StatusErrLength means the length byte or end byte is invalid.
	StatusErrLength
	// StatusErrNoise means the window does not start with a start byte.
	StatusErrNoise
	// StatusErrOther is a fatal parser failure. The whole window is dropped.
	StatusErrOther
)

func (s Status) String() string {
	switch s {
	case StatusIncomplete:
		return "ING"
	case StatusOK:
		return "OK"
	case StatusErrCRC:
		return "ERR_CRC"
	case StatusErrLength:
		return "ERR_LEN"
	case StatusErrNoise:
		return "ERR_NOISE"
	case StatusErrOther:
		return "ERR_OTHER"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Info describes the head of the window after Parse. Pre bytes precede the
// payload, Payload is its length and Post bytes follow it. For error
// statuses the three together give the number of bytes to skip.
type Info struct {
	Code    uint8
	Pre     int
	Payload int
	Post    int
}

// Consumed returns how many bytes the parse result accounts for.
func (i Info) Consumed() int {
	return i.Pre + i.Payload + i.Post
}

// Parse classifies the bytes at the head of window.
func Parse(window []byte) (Status, Info) {
	if len(window) == 0 {
		return StatusIncomplete, Info{}
	}

	if window[0] != StartByte {
		n := bytes.IndexByte(window, StartByte)
		if n < 0 {
			n = len(window)
		}
		return StatusErrNoise, Info{Pre: n}
	}

	if len(window) < HeaderSize {
		return StatusIncomplete, Info{}
	}

	length := int(window[1])
	if length > MaxPayloadSize {
		return StatusErrLength, Info{Pre: 1}
	}

	total := HeaderSize + length + TrailerSize
	if len(window) < total {
		return StatusIncomplete, Info{}
	}

	if window[total-1] != EndByte {
		return StatusErrLength, Info{Pre: 1}
	}

	info := Info{Code: window[2], Pre: HeaderSize, Payload: length, Post: TrailerSize}

	body := window[1 : HeaderSize+length]
	got := uint16(window[HeaderSize+length])<<8 | uint16(window[HeaderSize+length+1])
	if checksum.CalculateCRC(body) != got {
		return StatusErrCRC, info
	}

	return StatusOK, info
}

// Encode builds a complete frame for code and payload.
func Encode(code uint8, payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)+TrailerSize), code, payload)
}

// AppendFrame appends the frame for code and payload to dst.
func AppendFrame(dst []byte, code uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	start := len(dst)
	dst = append(dst, StartByte, byte(len(payload)), code)
	dst = append(dst, payload...)

	crc := checksum.CalculateCRC(dst[start+1:])
	dst = append(dst, byte(crc>>8), byte(crc&0xFF), EndByte)
	return dst, nil
}
