// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wapi

import "errors"

var (
	ErrInvalidParam       = errors.New("wapi: invalid parameter")
	ErrNotReady           = errors.New("wapi: handler not ready")
	ErrAlreadyInitialized = errors.New("wapi: already initialized")
	ErrSendNotReady       = errors.New("wapi: link not ready for data")
	ErrMissingCert        = errors.New("wapi: no certificate stored")
	ErrRecvNotMatch       = errors.New("wapi: response does not match")
	ErrSocketFault        = errors.New("wapi: socket not in use")
	ErrOverflow           = errors.New("wapi: send buffer overflow")
	ErrInvalidRecord      = errors.New("wapi: invalid info record")
)
