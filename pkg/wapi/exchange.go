// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wapi

import (
	"bytes"
	"context"

	"github.com/Thermoquad/wapilink/pkg/athandler"
)

// Exchange writes a raw command line and returns a copy of the first
// answer. line is sent unchanged, so it must carry its own CRLF. The AT
// layer drops the transaction on its own timeout; ctx bounds the wait.
func (d *Driver) Exchange(ctx context.Context, line []byte) ([]byte, error) {
	if !d.running() {
		return nil, ErrNotReady
	}
	if len(line) == 0 {
		return nil, ErrInvalidParam
	}

	answer := make(chan []byte, 1)
	err := d.at.SendTransparent(line, &athandler.Callbacks{
		Parsers: []athandler.Parser{func(resp []byte, _ any) error {
			answer <- bytes.Clone(resp)
			return nil
		}},
	})
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-answer:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
