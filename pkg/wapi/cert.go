// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wapi

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/wapilink/pkg/athandler"
)

// CertUpload writes the stored AS and ASUE certificates to the module.
func (d *Driver) CertUpload(ctx context.Context) error {
	if !d.running() {
		return ErrNotReady
	}
	info, err := d.data.WAPIInfo()
	if err != nil {
		return err
	}
	if !info.HasCert {
		return ErrMissingCert
	}
	d.at.ResetSendState()
	return d.engine.RunProcess(ctx, "upload cert process", d.uploadSteps)
}

// Disconnect closes the data socket.
func (d *Driver) Disconnect(ctx context.Context) error {
	if !d.running() {
		return ErrNotReady
	}
	return d.engine.RunProcess(ctx, "close process", d.disconnSteps)
}

// CertSegments returns the number of upload segments for n bytes.
func CertSegments(n int) int {
	return (n + CertSegmentSize - 1) / CertSegmentSize
}

// uploadCertFile sends a certificate as raw segments. Each segment waits
// for the acknowledgement of the previous one.
func (d *Driver) uploadCertFile(pick func(*CertFiles) *CertFile) func(context.Context) error {
	return func(ctx context.Context) error {
		files, err := d.data.CertFiles()
		if err != nil {
			return err
		}
		payload := pick(files).Payload
		if len(payload) == 0 {
			return ErrMissingCert
		}

		count := CertSegments(len(payload))
		for i := 0; i < count; i++ {
			off := i * CertSegmentSize
			end := min(off+CertSegmentSize, len(payload))
			parse := d.syncMultiSend
			if i == count-1 {
				parse = d.multiSendComplete
			}

			if err := d.multiSend.Take(ctx, d.timing.Standard); err != nil {
				d.multiSend.Give()
				d.log.WithFields(logrus.Fields{"segment": i, "count": count}).Warn("Certificate segment not acknowledged")
				return fmt.Errorf("segment %d: %w", i, err)
			}
			err := d.at.SendTransparent(payload[off:end], &athandler.Callbacks{
				Parsers: []athandler.Parser{parse},
			})
			if err != nil {
				d.multiSend.Give()
				return fmt.Errorf("segment %d: %w", i, err)
			}
		}
		return nil
	}
}

// syncMultiSend releases the next certificate segment.
func (d *Driver) syncMultiSend([]byte, any) error {
	d.at.ResetSendState()
	d.multiSend.Give()
	return nil
}

func (d *Driver) multiSendComplete(resp []byte, arg any) error {
	_ = d.syncMultiSend(resp, arg)
	return d.forceOK(resp, arg)
}
