// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uartproto

import (
	"github.com/Thermoquad/wapilink/pkg/funcode"
)

// UART is the hardware byte interface underneath the framing layer. The
// receive side is a circular DMA window: RemainingCount reports how many
// bytes the peripheral has yet to write before it wraps to the start.
type UART interface {
	Init() error
	Deinit() error
	Write(p []byte) (int, error)
	RemainingCount() int
	SetRemainingCount(n int)
}

// ParseFunc classifies the head of a receive window.
type ParseFunc func(window []byte) (funcode.Status, funcode.Info)

// Handler receives one frame payload. The slice is only valid for the
// duration of the call.
type Handler func(payload []byte)

// Algorithm selects how received bytes are turned into frames. It is either
// FunctionCode or Transparent.
type Algorithm interface {
	algorithm()
}

// FunctionCode splits the stream into function-code frames and dispatches
// each to the handlers subscribed to its code. A nil Parse uses funcode.Parse.
type FunctionCode struct {
	Parse ParseFunc
}

// Transparent passes every received chunk to Handle unchanged.
type Transparent struct {
	Handle Handler
}

func (FunctionCode) algorithm() {}
func (Transparent) algorithm()  {}

func validAlgorithm(a Algorithm) bool {
	switch v := a.(type) {
	case FunctionCode:
		return true
	case Transparent:
		return v.Handle != nil
	default:
		return false
	}
}
