// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uartproto

import "errors"

var (
	ErrInvalidParam       = errors.New("uartproto: invalid parameter")
	ErrAlreadyInitialized = errors.New("uartproto: already initialized")
	ErrNotReady           = errors.New("uartproto: not ready")
	ErrAlgorithmType      = errors.New("uartproto: operation not valid for the active algorithm")
)
