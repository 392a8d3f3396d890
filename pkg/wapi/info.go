// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wapi

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/Thermoquad/wapilink/pkg/checksum"
)

// Info record layout (little endian, 72 bytes)
const (
	InfoSize = 72

	offServerIP   = 0
	offServerPort = 4
	offLocalPort  = 6
	offHasCert    = 8
	offLocalIP    = 9
	offMask       = 13
	offGateway    = 17
	offSSID       = 21
	offPassword   = 53
	offDigest     = 70

	ssidSize     = 32
	passwordSize = 16
)

// Info is the connection record kept by the data provider. SSID and
// Password are NUL terminated on the wire.
type Info struct {
	ServerIP   [4]byte
	ServerPort uint16
	LocalPort  uint16
	HasCert    bool
	LocalIP    [4]byte
	Mask       [4]byte
	Gateway    [4]byte
	SSID       string
	Password   string
	Digest     uint16
}

// DefaultInfo returns the factory record with a valid digest.
func DefaultInfo() *Info {
	info := &Info{}
	info.Reset()
	return info
}

// Reset loads the factory record and finalizes it.
func (i *Info) Reset() {
	*i = Info{
		ServerIP:   [4]byte{192, 168, 0, 195},
		ServerPort: 666,
		LocalPort:  777,
		LocalIP:    [4]byte{192, 168, 0, 66},
		Mask:       [4]byte{255, 255, 255, 0},
		Gateway:    [4]byte{192, 168, 0, 4},
		SSID:       "WAPI-24G-8825",
		Password:   "123456abc",
	}
	_ = i.Finalize()
}

func (i *Info) check() error {
	if len(i.SSID) >= ssidSize {
		return fmt.Errorf("%w: ssid longer than %d bytes", ErrInvalidRecord, ssidSize-1)
	}
	if len(i.Password) >= passwordSize {
		return fmt.Errorf("%w: password longer than %d bytes", ErrInvalidRecord, passwordSize-1)
	}
	return nil
}

// AppendBinary appends the wire form of the record to b.
func (i *Info) AppendBinary(b []byte) ([]byte, error) {
	if err := i.check(); err != nil {
		return b, err
	}
	var rec [InfoSize]byte
	copy(rec[offServerIP:], i.ServerIP[:])
	binary.LittleEndian.PutUint16(rec[offServerPort:], i.ServerPort)
	binary.LittleEndian.PutUint16(rec[offLocalPort:], i.LocalPort)
	if i.HasCert {
		rec[offHasCert] = 1
	}
	copy(rec[offLocalIP:], i.LocalIP[:])
	copy(rec[offMask:], i.Mask[:])
	copy(rec[offGateway:], i.Gateway[:])
	copy(rec[offSSID:offSSID+ssidSize], i.SSID)
	copy(rec[offPassword:offPassword+passwordSize], i.Password)
	binary.LittleEndian.PutUint16(rec[offDigest:], i.Digest)
	return append(b, rec[:]...), nil
}

// MarshalBinary encodes the record.
func (i *Info) MarshalBinary() ([]byte, error) {
	return i.AppendBinary(make([]byte, 0, InfoSize))
}

// UnmarshalBinary decodes a record. The digest is loaded, not checked.
func (i *Info) UnmarshalBinary(b []byte) error {
	if len(b) != InfoSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrInvalidRecord, len(b), InfoSize)
	}
	copy(i.ServerIP[:], b[offServerIP:])
	i.ServerPort = binary.LittleEndian.Uint16(b[offServerPort:])
	i.LocalPort = binary.LittleEndian.Uint16(b[offLocalPort:])
	i.HasCert = b[offHasCert] != 0
	copy(i.LocalIP[:], b[offLocalIP:])
	copy(i.Mask[:], b[offMask:])
	copy(i.Gateway[:], b[offGateway:])
	i.SSID = cString(b[offSSID : offSSID+ssidSize])
	i.Password = cString(b[offPassword : offPassword+passwordSize])
	i.Digest = binary.LittleEndian.Uint16(b[offDigest:])
	return nil
}

func cString(b []byte) string {
	for n, c := range b {
		if c == 0 {
			return string(b[:n])
		}
	}
	return string(b)
}

func (i *Info) digest() (uint16, error) {
	rec, err := i.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return checksum.Checksum16(rec[:offDigest]), nil
}

// Finalize stores the digest of the current field values.
func (i *Info) Finalize() error {
	d, err := i.digest()
	if err != nil {
		return err
	}
	i.Digest = d
	return nil
}

// Valid reports whether the stored digest matches the field values.
func (i *Info) Valid() bool {
	d, err := i.digest()
	return err == nil && d == i.Digest
}

// ValidRecord checks the digest of an encoded record.
func ValidRecord(b []byte) bool {
	if len(b) != InfoSize {
		return false
	}
	return checksum.Checksum16(b[:offDigest]) == binary.LittleEndian.Uint16(b[offDigest:])
}

func ipString(b [4]byte) string {
	return netip.AddrFrom4(b).String()
}

// ServerAddr returns the server endpoint as host:port.
func (i *Info) ServerAddr() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(i.ServerIP), i.ServerPort)
}

// CertFile is one certificate blob with its digest.
type CertFile struct {
	Payload []byte
	Digest  uint16
}

// Valid reports whether the blob is present and matches its digest.
func (f *CertFile) Valid() bool {
	return len(f.Payload) > 0 && checksum.Checksum16(f.Payload) == f.Digest
}

// CertFiles holds the AS and ASUE certificates uploaded to the module.
type CertFiles struct {
	AS   CertFile
	ASUE CertFile
}
