// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package athandler

import "errors"

var (
	ErrInvalidParam       = errors.New("athandler: invalid parameter")
	ErrNotReady           = errors.New("athandler: handler not ready")
	ErrAlreadyInitialized = errors.New("athandler: already initialized")
	ErrCommandNotFound    = errors.New("athandler: command not found")
	// ErrNotConsumed means the previous transaction is still waiting for
	// its responses.
	ErrNotConsumed = errors.New("athandler: previous transaction not consumed")
	ErrOverflow    = errors.New("athandler: command exceeds send buffer")
	ErrTransport   = errors.New("athandler: transport write failed")
)
