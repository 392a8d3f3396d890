// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package store keeps the WAPI connection record and certificates.
//
// File persists them as one CBOR document; Memory holds them in process.
// Both satisfy wapi.DataProvider.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Thermoquad/wapilink/pkg/checksum"
	"github.com/Thermoquad/wapilink/pkg/wapi"
)

var (
	ErrUnknownCert = errors.New("store: unknown certificate kind")
	ErrEmptyCert   = errors.New("store: empty certificate")
)

// CertKind selects one of the two certificates.
type CertKind int

const (
	CertAS CertKind = iota
	CertASUE
)

func (k CertKind) String() string {
	switch k {
	case CertAS:
		return "AS"
	case CertASUE:
		return "ASUE"
	default:
		return fmt.Sprintf("CertKind(%d)", int(k))
	}
}

// ParseCertKind accepts "as" or "asue" in any case.
func ParseCertKind(s string) (CertKind, error) {
	switch strings.ToUpper(s) {
	case "AS":
		return CertAS, nil
	case "ASUE":
		return CertASUE, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCert, s)
	}
}

// Memory is an in-process data provider.
type Memory struct {
	mu    sync.RWMutex
	info  wapi.Info
	certs wapi.CertFiles
}

// NewMemory returns a provider holding the default record and no
// certificates.
func NewMemory() *Memory {
	return &Memory{info: *wapi.DefaultInfo()}
}

// WAPIInfo returns a copy of the record.
func (m *Memory) WAPIInfo() (*wapi.Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := m.info
	return &info, nil
}

// CertFiles returns the stored certificates.
func (m *Memory) CertFiles() (*wapi.CertFiles, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	certs := m.certs
	return &certs, nil
}

// SetInfo finalizes and stores info.
func (m *Memory) SetInfo(info wapi.Info) error {
	if err := info.Finalize(); err != nil {
		return err
	}
	m.mu.Lock()
	m.info = info
	m.mu.Unlock()
	return nil
}

// ImportCert stores a certificate and flags the record as having one.
func (m *Memory) ImportCert(kind CertKind, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyCert
	}
	f := wapi.CertFile{
		Payload: append([]byte(nil), data...),
		Digest:  checksum.Checksum16(data),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case CertAS:
		m.certs.AS = f
	case CertASUE:
		m.certs.ASUE = f
	default:
		return fmt.Errorf("%w: %d", ErrUnknownCert, int(kind))
	}
	info := m.info
	info.HasCert = true
	if err := info.Finalize(); err != nil {
		return err
	}
	m.info = info
	return nil
}
